// Package perr implements the profiler's uniform error taxonomy: every
// operation that can fail returns a typed result instead of relying on
// panics or exceptions for control flow.
package perr

import (
	"errors"
	"fmt"
)

// Severity classifies how a failure should be handled by its caller.
type Severity int

const (
	// OK means no error occurred.
	OK Severity = iota
	// Notice is informational; it is logged but never changes control flow.
	Notice
	// Warn means the current unit of work (one sample, one lookup) is
	// dropped, but the component continues operating.
	Warn
	// Err means a component-level operation failed; the caller decides
	// whether to continue or escalate. Named Err (not Error) to avoid
	// colliding with the Error type below.
	Err
	// Fatal means the worker cannot continue and must tear down so the
	// supervisor can respawn it.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case OK:
		return "ok"
	case Notice:
		return "notice"
	case Warn:
		return "warn"
	case Err:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind enumerates the error taxonomy from the design's error handling model.
type Kind string

const (
	KindUnwind    Kind = "unwind_error"
	KindSymbol    Kind = "symbolisation_error"
	KindTracker   Kind = "tracker_miss"
	KindExport    Kind = "export_failure"
	KindRing      Kind = "ring_corruption"
	KindBadAlloc  Kind = "BADALLOC"
	KindPollHup   Kind = "pollhup"
	KindTimeout   Kind = "timeout"
	KindBadPerms  Kind = "BADPERMS"
	KindNoExist   Kind = "NOEXIST"
	KindBadFormat Kind = "BADFORMAT"
	KindGeneric   Kind = "generic"
)

// Error is the compact result value {severity, where, what} used uniformly
// across the core instead of ad hoc error strings.
type Error struct {
	Severity Severity
	Where    string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Severity, e.Where, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Severity, e.Where, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given severity, location, and kind.
func New(sev Severity, where string, kind Kind, err error) *Error {
	return &Error{Severity: sev, Where: where, Kind: kind, Err: err}
}

// Warnf builds a Warn-severity error (drop current unit of work, continue).
func Warnf(where string, kind Kind, format string, args ...any) *Error {
	return New(Warn, where, kind, fmt.Errorf(format, args...))
}

// Fatalf builds a Fatal-severity error (terminate the worker).
func Fatalf(where string, kind Kind, format string, args ...any) *Error {
	return New(Fatal, where, kind, fmt.Errorf(format, args...))
}

// Noticef builds a Notice-severity error (log only).
func Noticef(where string, kind Kind, format string, args ...any) *Error {
	return New(Notice, where, kind, fmt.Errorf(format, args...))
}

// IsFatal reports whether err is a *perr.Error with Fatal severity.
func IsFatal(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Severity == Fatal
	}
	return false
}

// SeverityOf returns the severity carried by err, or Err if err is a plain
// (non-*Error) error, or OK if err is nil.
func SeverityOf(err error) Severity {
	if err == nil {
		return OK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Severity
	}
	return Err
}
