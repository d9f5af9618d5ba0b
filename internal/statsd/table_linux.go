//go:build linux

package statsd

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Table is a fixed array of atomic int64 counters backed by an anonymous
// MAP_SHARED region (a memfd). Any process that maps the region through
// FD and Attach increments the same memory; cmd/profiler's worker creates
// its own table with New and does not share it with the supervisor.
type Table struct {
	region []byte
	cells  []*atomic.Int64
	fd     int
	owned  bool
}

const regionSize = int(numGauges) * cellSize

// New creates a fresh anonymous shared region for the table and maps it.
// Called by the worker at startup; the returned Table owns fd and closes it
// on Close.
func New() (*Table, error) {
	fd, err := unix.MemfdCreate("cpuprof-statsd", 0)
	if err != nil {
		return nil, fmt.Errorf("statsd: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(regionSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("statsd: ftruncate: %w", err)
	}
	t, err := attachFD(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// Attach maps an existing table region, such as one inherited across an
// exec(2) boundary, via fd. cmd/profiler does not call it; the returned
// Table does not own fd and will not close it.
func Attach(fd int) (*Table, error) {
	return attachFD(fd, false)
}

// FD returns the file descriptor backing the shared region, to be passed
// to a re-exec'd worker.
func (t *Table) FD() int {
	return t.fd
}

func attachFD(fd int, owned bool) (*Table, error) {
	region, err := unix.Mmap(fd, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("statsd: mmap: %w", err)
	}

	cells := make([]*atomic.Int64, numGauges)
	for i := range cells {
		off := i * cellSize
		cells[i] = (*atomic.Int64)(unsafe.Pointer(&region[off]))
	}

	return &Table{region: region, cells: cells, fd: fd, owned: owned}, nil
}

// Add atomically increments gauge g by delta.
func (t *Table) Add(g Gauge, delta int64) {
	if g < 0 || g >= numGauges {
		return
	}
	t.cells[g].Add(delta)
}

// Set atomically assigns gauge g the value v.
func (t *Table) Set(g Gauge, v int64) {
	if g < 0 || g >= numGauges {
		return
	}
	t.cells[g].Store(v)
}

// Load reads gauge g's current value.
func (t *Table) Load(g Gauge) int64 {
	if g < 0 || g >= numGauges {
		return 0
	}
	return t.cells[g].Load()
}

// Snapshot reads every gauge, paired with its statsd name, in enum order.
func (t *Table) Snapshot() []NamedValue {
	out := make([]NamedValue, numGauges)
	for i := range t.cells {
		out[i] = NamedValue{Name: Gauge(i).Name(), Value: t.cells[i].Load()}
	}
	return out
}

// Close unmaps the region and, if this Table created the backing memfd,
// closes it.
func (t *Table) Close() error {
	err := unix.Munmap(t.region)
	if t.owned {
		if cerr := unix.Close(t.fd); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
