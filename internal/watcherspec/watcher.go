// Package watcherspec defines the user-declared sampling configuration
// ("Watcher" in the data model) and the named preset table from which
// watchers may be constructed.
package watcherspec

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind is the kind of kernel event a Watcher samples.
type EventKind int

const (
	// EventHardwareCycles samples PERF_TYPE_HARDWARE / PERF_COUNT_HW_CPU_CYCLES.
	EventHardwareCycles EventKind = iota
	// EventSoftwareTaskClock samples PERF_TYPE_SOFTWARE / PERF_COUNT_SW_TASK_CLOCK.
	EventSoftwareTaskClock
	// EventTracepoint samples a kernel tracepoint identified by numeric id.
	EventTracepoint
	// EventBreakpoint samples a hardware breakpoint.
	EventBreakpoint
)

func (k EventKind) String() string {
	switch k {
	case EventHardwareCycles:
		return "cpu-cycles"
	case EventSoftwareTaskClock:
		return "task-clock"
	case EventTracepoint:
		return "tracepoint"
	case EventBreakpoint:
		return "breakpoint"
	default:
		return "unknown"
	}
}

// Watcher is a user-declared sampling configuration. Watchers are immutable
// once a worker starts; Pos is a stable index into the profile document's
// value-type list (value slot pos+1 carries this watcher's weighted period).
type Watcher struct {
	// Name is a human-readable label, also used as the pprof value-type label.
	Name string
	// Kind selects the kernel event source.
	Kind EventKind
	// SamplePeriod fires a sample every N occurrences of the event. Mutually
	// exclusive with SampleFreq; exactly one must be non-zero.
	SamplePeriod uint64
	// SampleFreq fires approximately N samples per second (kernel auto-scales
	// the effective period). Mutually exclusive with SamplePeriod.
	SampleFreq uint64
	// Unit labels the value type (e.g. "cycles", "nanoseconds", "count").
	Unit string
	// Pos is this watcher's stable index into the profile's value types,
	// assigned in registration order starting at 0.
	Pos int
	// TracepointSpec is the raw "group:name[%reg][@freq]" string; only used
	// when Kind == EventTracepoint.
	TracepointSpec string
}

// Preset is a named, reusable Watcher template. Users may override
// SamplePeriod per watcher instance after selecting a preset.
type Preset struct {
	ID   int
	Name string
	Make func() Watcher
}

// Registry of built-in presets, indexed by their stable ID. Preset 10 is the
// default CPU-time sampler referenced in spec.md's end-to-end scenario 1.
var Presets = map[int]Preset{
	10: {
		ID:   10,
		Name: "cpu-time",
		Make: func() Watcher {
			return Watcher{
				Name:         "cpu-time",
				Kind:         EventSoftwareTaskClock,
				SamplePeriod: 1_000_000, // 1ms in nanoseconds of task-clock
				Unit:         "nanoseconds",
			}
		},
	},
	11: {
		ID:   11,
		Name: "cpu-cycles",
		Make: func() Watcher {
			return Watcher{
				Name:         "cpu-cycles",
				Kind:         EventHardwareCycles,
				SamplePeriod: 4_000_000,
				Unit:         "cycles",
			}
		},
	},
	20: {
		ID:   20,
		Name: "alloc-samples",
		Make: func() Watcher {
			return Watcher{
				Name:           "alloc-samples",
				Kind:           EventTracepoint,
				SamplePeriod:   1,
				Unit:           "count",
				TracepointSpec: "kmem:kmalloc",
			}
		},
	},
}

// FromPreset returns the Watcher built from the named preset ID, with Pos
// set and SamplePeriod overridden if overridePeriod is non-zero.
func FromPreset(id int, pos int, overridePeriod uint64) (Watcher, error) {
	p, ok := Presets[id]
	if !ok {
		return Watcher{}, fmt.Errorf("watcherspec: no preset with id %d", id)
	}
	w := p.Make()
	w.Pos = pos
	if overridePeriod != 0 {
		w.SamplePeriod = overridePeriod
		w.SampleFreq = 0
	}
	return w, nil
}

// ParsedTracepoint is the structured form of a "group:name[%reg][@freq]"
// tracepoint specification string.
type ParsedTracepoint struct {
	Group string
	Name  string
	Reg   string // optional register to read as the sample value, empty if unset
	Freq  uint64 // optional sampling frequency override, 0 if unset
}

// ParseTracepointSpec parses the "group:name[%reg][@freq]" grammar described
// in spec.md §6. It returns a BADFORMAT-flavoured error for malformed input;
// callers should wrap it with perr.KindBadFormat.
func ParseTracepointSpec(spec string) (ParsedTracepoint, error) {
	rest := spec
	var pt ParsedTracepoint

	if at := strings.IndexByte(rest, '@'); at >= 0 {
		freqStr := rest[at+1:]
		rest = rest[:at]
		freq, err := strconv.ParseUint(freqStr, 10, 64)
		if err != nil {
			return ParsedTracepoint{}, fmt.Errorf("watcherspec: bad frequency suffix %q: %w", freqStr, err)
		}
		pt.Freq = freq
	}

	if pct := strings.IndexByte(rest, '%'); pct >= 0 {
		pt.Reg = rest[pct+1:]
		rest = rest[:pct]
		if pt.Reg == "" {
			return ParsedTracepoint{}, fmt.Errorf("watcherspec: empty register name in %q", spec)
		}
	}

	colon := strings.IndexByte(rest, ':')
	if colon <= 0 || colon == len(rest)-1 {
		return ParsedTracepoint{}, fmt.Errorf("watcherspec: expected group:name, got %q", spec)
	}
	pt.Group = rest[:colon]
	pt.Name = rest[colon+1:]
	return pt, nil
}
