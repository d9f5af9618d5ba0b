//go:build !linux

package statsd

import "fmt"

// Table is the non-Linux stand-in for the shared-memory gauge table: the
// profiler's worker model (perf_event_open, memfd-backed shared regions)
// only exists on Linux, so there is nothing to map here. Kept so the
// package builds on other platforms for tooling (vet, IDEs) purposes.
type Table struct{}

func New() (*Table, error) {
	return nil, fmt.Errorf("statsd: shared counter table requires linux")
}

func Attach(fd int) (*Table, error) {
	return nil, fmt.Errorf("statsd: shared counter table requires linux")
}

func (t *Table) FD() int                    { return -1 }
func (t *Table) Add(g Gauge, delta int64)   {}
func (t *Table) Set(g Gauge, v int64)       {}
func (t *Table) Load(g Gauge) int64         { return 0 }
func (t *Table) Snapshot() []NamedValue     { return nil }
func (t *Table) Close() error               { return nil }
