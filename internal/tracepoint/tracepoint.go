// Package tracepoint resolves "group:name[%reg][@freq]" watcher
// specifications to kernel tracepoint ids published under tracefs.
package tracepoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ddtrace/cpuprof/internal/perr"
	"github.com/ddtrace/cpuprof/internal/watcherspec"
)

// Resolved is the outcome of resolving one tracepoint spec: its numeric id
// plus the optional register/frequency overrides the spec carried.
type Resolved struct {
	ID   uint64
	Reg  string
	Freq uint64
}

// tracingDir is where the kernel publishes tracepoint metadata. Overridable
// in tests.
var tracingDir = "/sys/kernel/tracing/events"

// Resolve reads /sys/kernel/tracing/events/<group>/<name>/id for the spec
// string and returns its numeric tracepoint id.
func Resolve(spec string) (Resolved, *perr.Error) {
	pt, err := watcherspec.ParseTracepointSpec(spec)
	if err != nil {
		return Resolved{}, perr.New(perr.Err, "tracepoint", perr.KindBadFormat, err)
	}

	idPath := filepath.Join(tracingDir, pt.Group, pt.Name, "id")
	b, readErr := os.ReadFile(idPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return Resolved{}, perr.New(perr.Err, "tracepoint", perr.KindNoExist, fmt.Errorf("%s: %w", idPath, readErr))
		}
		if os.IsPermission(readErr) {
			return Resolved{}, perr.New(perr.Err, "tracepoint", perr.KindBadPerms, fmt.Errorf("%s: %w", idPath, readErr))
		}
		return Resolved{}, perr.New(perr.Err, "tracepoint", perr.KindBadFormat, fmt.Errorf("%s: %w", idPath, readErr))
	}

	id, parseErr := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if parseErr != nil {
		return Resolved{}, perr.New(perr.Err, "tracepoint", perr.KindBadFormat, fmt.Errorf("parse id from %q: %w", string(b), parseErr))
	}

	return Resolved{ID: id, Reg: pt.Reg, Freq: pt.Freq}, nil
}

// WarnIfDisabled reads the tracepoint's /enable file and logs (via the
// returned notice-severity error, never fatal) if the kernel reports it
// disabled system-wide — a configuration hint, not a hard failure.
func WarnIfDisabled(spec string) *perr.Error {
	pt, err := watcherspec.ParseTracepointSpec(spec)
	if err != nil {
		return perr.New(perr.Notice, "tracepoint", perr.KindBadFormat, err)
	}
	enablePath := filepath.Join(tracingDir, pt.Group, pt.Name, "enable")
	b, readErr := os.ReadFile(enablePath)
	if readErr != nil {
		return perr.New(perr.Notice, "tracepoint", perr.KindNoExist, fmt.Errorf("%s: %w", enablePath, readErr))
	}
	if strings.TrimSpace(string(b)) == "0" {
		return perr.Noticef("tracepoint", perr.KindGeneric, "%s:%s is disabled system-wide", pt.Group, pt.Name)
	}
	return nil
}
