// Package procfsstat reads the worker's own resource usage from
// /proc/self/stat, per spec.md §6's procfs external interface: rss and
// utime, emitted as statsd gauges.
package procfsstat

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Stat is the subset of /proc/self/stat fields the profiler exposes as
// gauges.
type Stat struct {
	// UtimeTicks is field 14 (utime), user-mode CPU time in clock ticks.
	UtimeTicks uint64
	// RSSPages is field 24 (rss), resident set size in pages.
	RSSPages uint64
}

// statPath is overridable in tests.
var statPath = "/proc/self/stat"

// Read parses /proc/self/stat. The comm field (field 2) is parenthesised
// and may itself contain spaces or closing parens, so the remaining
// fields are located relative to the last ')' rather than by naive
// whitespace splitting.
func Read() (Stat, error) {
	b, err := os.ReadFile(statPath)
	if err != nil {
		return Stat{}, fmt.Errorf("procfsstat: read %s: %w", statPath, err)
	}
	return Parse(string(b))
}

// Parse parses the contents of a /proc/<pid>/stat file.
func Parse(line string) (Stat, error) {
	end := strings.LastIndexByte(line, ')')
	if end < 0 || end+2 > len(line) {
		return Stat{}, fmt.Errorf("procfsstat: malformed stat line %q", line)
	}
	rest := strings.Fields(line[end+2:])

	// Fields after ") " start at field 3 (state). utime is field 14, rss is
	// field 24; both are 1-indexed in the proc(5) man page, so subtract 3
	// for the offset into rest.
	const (
		utimeField = 14 - 3
		rssField   = 24 - 3
	)
	if len(rest) <= rssField {
		return Stat{}, fmt.Errorf("procfsstat: stat line has only %d fields after comm", len(rest))
	}

	utime, err := strconv.ParseUint(rest[utimeField], 10, 64)
	if err != nil {
		return Stat{}, fmt.Errorf("procfsstat: parse utime: %w", err)
	}
	rss, err := strconv.ParseUint(rest[rssField], 10, 64)
	if err != nil {
		return Stat{}, fmt.Errorf("procfsstat: parse rss: %w", err)
	}

	return Stat{UtimeTicks: utime, RSSPages: rss}, nil
}
