// Package statsd implements the profiler's telemetry surface from
// spec.md §6 and §9: a fixed table of gauge counters in memfd-backed
// MAP_SHARED memory, plus a datagram statsd client that periodically
// flushes the table.
//
// New creates a table; FD and Attach let a second process map the same
// region. In cmd/profiler each worker creates its own table with New; the
// supervisor neither creates nor passes one, so counters are not shared
// between the supervisor and workers and start from zero in every worker
// generation.
package statsd

// Gauge identifies one slot of the fixed counter table from spec.md §6.
type Gauge int

const (
	GaugeEventCount Gauge = iota
	GaugeEventLost
	GaugeSampleCount
	GaugeCPUTime
	GaugeUnwindTicks
	GaugeUnwindFrames
	GaugeUnwindErrors
	GaugeProcfsRSS
	GaugeProcfsUtime
	GaugePprofElements
	GaugeDsoUnhandled
	GaugeDsoNew
	GaugeDsoSize
	GaugeDsoMapped
	numGauges
)

var gaugeNames = [numGauges]string{
	GaugeEventCount:    "ddprof.event.count",
	GaugeEventLost:     "ddprof.event.lost",
	GaugeSampleCount:   "ddprof.sample.count",
	GaugeCPUTime:       "ddprof.cpu.time",
	GaugeUnwindTicks:   "ddprof.unwind.ticks",
	GaugeUnwindFrames:  "ddprof.unwind.frames",
	GaugeUnwindErrors:  "ddprof.unwind.errors",
	GaugeProcfsRSS:     "ddprof.procfs.rss",
	GaugeProcfsUtime:   "ddprof.procfs.utime",
	GaugePprofElements: "ddprof.pprof.elements",
	GaugeDsoUnhandled:  "ddprof.dso.unhandled",
	GaugeDsoNew:        "ddprof.dso.new",
	GaugeDsoSize:       "ddprof.dso.size",
	GaugeDsoMapped:     "ddprof.dso.mapped",
}

// Name returns g's statsd metric name.
func (g Gauge) Name() string {
	if g < 0 || g >= numGauges {
		return "ddprof.unknown"
	}
	return gaugeNames[g]
}

// NamedValue is one flushed (name, value) pair.
type NamedValue struct {
	Name  string
	Value int64
}

// cellSize is the byte stride per gauge in the shared region: one cache
// line, to avoid false sharing between gauges concurrently incremented
// from different CPUs across the supervisor and worker processes.
const cellSize = 64
