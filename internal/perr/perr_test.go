package perr

import (
	"errors"
	"testing"
)

func TestIsFatal(t *testing.T) {
	fatal := Fatalf("worker", KindPollHup, "ring fd closed")
	if !IsFatal(fatal) {
		t.Fatalf("expected fatal error to report IsFatal")
	}

	warn := Warnf("unwind", KindUnwind, "bad frame")
	if IsFatal(warn) {
		t.Fatalf("warn-severity error should not report IsFatal")
	}

	if IsFatal(errors.New("plain error")) {
		t.Fatalf("plain errors are never fatal")
	}
	if IsFatal(nil) {
		t.Fatalf("nil is never fatal")
	}
}

func TestSeverityOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, OK},
		{"plain", errors.New("plain"), Err},
		{"warn", Warnf("x", KindSymbol, "oops"), Warn},
		{"fatal", Fatalf("x", KindRing, "oops"), Fatal},
		{"notice", Noticef("x", KindTracker, "oops"), Notice},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := SeverityOf(c.err); got != c.want {
				t.Fatalf("SeverityOf(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	e := New(Warn, "where", KindGeneric, inner)
	if !errors.Is(e, inner) {
		t.Fatalf("expected errors.Is to unwrap to inner error")
	}
}
