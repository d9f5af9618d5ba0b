//go:build linux

package supervisor

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// flagRegionSize holds one int32 can_run flag and one int64 errors counter,
// each on its own cache line to avoid false sharing between the
// supervisor's writer and the worker's reader.
const flagRegionSize = 128

// FlagRegion is the small anonymous MAP_SHARED region spec.md §5 describes
// as the only state shared between the supervisor and a worker: a can_run
// flag that Supervisor.Run checks before starting each worker generation,
// and an errors counter the supervisor increments when a generation exits
// with an error. Each worker inherits the region's fd as its first extra
// file (fd 3); cmd/profiler's worker does not map it.
type FlagRegion struct {
	region []byte
	canRun *atomic.Int32
	errors *atomic.Int64
	fd     int
	owned  bool
}

// NewFlagRegion creates a fresh anonymous shared region. Called by the
// supervisor; the returned FlagRegion owns fd and closes it on Close.
func NewFlagRegion() (*FlagRegion, error) {
	fd, err := unix.MemfdCreate("cpuprof-flags", 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, flagRegionSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("supervisor: ftruncate: %w", err)
	}
	fr, err := attachFlagFD(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return fr, nil
}

// AttachFlagRegion maps a flag region inherited from the supervisor across
// an exec(2) boundary via fd. cmd/profiler's worker does not call it; the
// returned FlagRegion does not own fd and will not close it.
func AttachFlagRegion(fd int) (*FlagRegion, error) {
	return attachFlagFD(fd, false)
}

func attachFlagFD(fd int, owned bool) (*FlagRegion, error) {
	region, err := unix.Mmap(fd, 0, flagRegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("supervisor: mmap: %w", err)
	}
	return &FlagRegion{
		region: region,
		canRun: (*atomic.Int32)(unsafe.Pointer(&region[0])),
		errors: (*atomic.Int64)(unsafe.Pointer(&region[64])),
		fd:     fd,
		owned:  owned,
	}, nil
}

// FD returns the file descriptor backing the shared region, to be inherited
// by a re-exec'd worker via ExtraFiles.
func (f *FlagRegion) FD() int { return f.fd }

// CanRun reports whether the worker should keep running.
func (f *FlagRegion) CanRun() bool { return f.canRun.Load() != 0 }

// SetCanRun sets the can_run flag.
func (f *FlagRegion) SetCanRun(v bool) {
	var i int32
	if v {
		i = 1
	}
	f.canRun.Store(i)
}

// IncrErrors atomically increments the shared error counter.
func (f *FlagRegion) IncrErrors() { f.errors.Add(1) }

// Errors reads the shared error counter.
func (f *FlagRegion) Errors() int64 { return f.errors.Load() }

// Close unmaps the region and, if this FlagRegion created the backing
// memfd, closes it.
func (f *FlagRegion) Close() error {
	err := unix.Munmap(f.region)
	if f.owned {
		if cerr := unix.Close(f.fd); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
