package procmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readProcMaps parses /proc/<pid>/maps into Dsos, per spec.md §6's line
// format: "start-end perms offset dev inode path".
func readProcMaps(pid int) ([]Dso, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var dsos []Dso
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		d, ok, perr := parseMapsLine(pid, sc.Text())
		if perr != nil {
			continue // a single malformed line should not abort the whole scan
		}
		if ok {
			dsos = append(dsos, d)
		}
	}
	if err := sc.Err(); err != nil {
		return dsos, err
	}
	return dsos, nil
}

// parseMapsLine parses one /proc/<pid>/maps line into a Dso. ok is false
// for lines that are well-formed but carry nothing worth tracking (e.g. a
// non-executable anonymous mapping with no special meaning).
func parseMapsLine(pid int, line string) (Dso, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Dso{}, false, fmt.Errorf("too few fields: %q", line)
	}

	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return Dso{}, false, fmt.Errorf("bad address range: %q", fields[0])
	}
	start, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return Dso{}, false, err
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return Dso{}, false, err
	}

	perms := fields[1]
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Dso{}, false, err
	}

	var path string
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	typ := classifyPath(path)

	// A readable-or-executable mapping is worth tracking; a bare anonymous
	// mapping with no execute bit and no special name carries nothing an
	// unwinder would ever resolve against.
	if typ == TypeAnon && !strings.Contains(perms, "x") {
		return Dso{}, false, nil
	}

	return Dso{
		Pid:      pid,
		Start:    start,
		End:      end,
		Pgoff:    offset,
		Filename: path,
		Type:     typ,
	}, true, nil
}

// ClassifyPath exposes classifyPath for callers outside this package that
// build a Dso from a source other than /proc/<pid>/maps, namely the router
// decoding a live PERF_RECORD_MMAP.
func ClassifyPath(path string) Type {
	return classifyPath(path)
}

func classifyPath(path string) Type {
	switch {
	case path == "":
		return TypeAnon
	case strings.HasPrefix(path, "[stack"):
		return TypeStack
	case path == "[heap]":
		return TypeHeap
	case path == "[vdso]":
		return TypeVdso
	case path == "[vsyscall]":
		return TypeVsyscall
	case strings.HasPrefix(path, "["), strings.HasPrefix(path, "//anon"), strings.HasPrefix(path, "anon_inode"):
		return TypeAnon
	default:
		return TypeStandard
	}
}
