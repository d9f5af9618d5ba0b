//go:build linux

package ringbuf

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ddtrace/cpuprof/internal/perr"
	"github.com/ddtrace/cpuprof/internal/watcherspec"
)

// perf_event_attr.sample_type bits required by the kernel ring protocol
// (linux/perf_event.h). Never renumber.
const (
	sampleTID       uint64 = 1 << 1
	sampleTime      uint64 = 1 << 2
	sampleID        uint64 = 1 << 6
	samplePeriod    uint64 = 1 << 8
	sampleStackUser uint64 = 1 << 13
	sampleRegsUser  uint64 = 1 << 12
)

const (
	perfTypeHardware uint32 = 0
	perfTypeSoftware uint32 = 1
	perfTypeTracepoint uint32 = 2
	perfTypeBreakpoint uint32 = 5

	perfCountHWCPUCycles  uint64 = 0
	perfCountSWTaskClock  uint64 = 1
)

// userStackSize is the bounded stack copy size requested via
// sample_stack_user. Must be a multiple of 8.
const userStackSize = 32 * 1024

// perfEventAttr mirrors struct perf_event_attr, truncated to the fields the
// profiler sets. Layout must match the kernel ABI exactly.
type perfEventAttr struct {
	Type          uint32
	Size          uint32
	Config        uint64
	SamplePeriod  uint64 // union with SampleFreq
	SampleType    uint64
	ReadFormat    uint64
	Bits          uint64 // disabled:1, inherit:1, ... freq:1 at bit 10
	WakeupEvents  uint32
	BPType        uint32
	Config1       uint64
	Config2       uint64
	BranchSampleType uint64
	SampleRegsUser   uint64
	SampleStackUser  uint32
	ClockID          int32
	SampleRegsIntr   uint64
	AuxWatermark     uint32
	SampleMaxStack   uint16
	_                uint16
}

const (
	bitDisabled uint64 = 1 << 0
	bitInherit  uint64 = 1 << 1
	bitFreq     uint64 = 1 << 10
)

// AMD64RegMask/ARM64RegMask select the registers captured by
// PERF_SAMPLE_REGS_USER: the spec's fp/sp/ip triple, plus aarch64's link
// register (needed to seed the CFI walk's return-address slot). Bit N
// corresponds to register index N in the ISA's perf_event register enum,
// matching the mapping internal/unwind uses to decode the sample.
const (
	AMD64RegMask uint64 = (1 << 6) | (1 << 7) | (1 << 16)             // rbp, rsp, rip
	ARM64RegMask uint64 = (1 << 29) | (1 << 30) | (1 << 31) | (1 << 32) // fp, lr, sp, pc
)

// OpenRing opens a perf_event_open(2) file descriptor for w on the given
// CPU, attaches it to pid (-1 for "all processes on this CPU"), mmaps its
// ring region, and returns a ready-to-drain *Ring.
// tracepointID is only consulted when w.Kind == EventTracepoint; callers
// resolve the group:name spec to a numeric id via internal/tracepoint first.
func OpenRing(w watcherspec.Watcher, pid, cpu int, regMask uint64, ringPages int, tracepointID uint64) (*Ring, int, error) {
	attr := perfEventAttr{
		Size:            uint32(unsafe.Sizeof(perfEventAttr{})),
		SampleType:      sampleTID | sampleTime | sampleID | samplePeriod | sampleStackUser | sampleRegsUser,
		SampleRegsUser:  regMask,
		SampleStackUser: userStackSize,
		Bits:            bitDisabled | bitInherit,
	}

	switch w.Kind {
	case watcherspec.EventHardwareCycles:
		attr.Type = perfTypeHardware
		attr.Config = perfCountHWCPUCycles
	case watcherspec.EventSoftwareTaskClock:
		attr.Type = perfTypeSoftware
		attr.Config = perfCountSWTaskClock
	case watcherspec.EventTracepoint:
		attr.Type = perfTypeTracepoint
		attr.Config = tracepointID
	case watcherspec.EventBreakpoint:
		attr.Type = perfTypeBreakpoint
	}

	if w.SampleFreq != 0 {
		attr.Bits |= bitFreq
		attr.SamplePeriod = w.SampleFreq
	} else {
		attr.SamplePeriod = w.SamplePeriod
	}

	fd, err := perfEventOpen(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, -1, perr.Fatalf("ringbuf", perr.KindRing, "perf_event_open watcher=%s cpu=%d: %v", w.Name, cpu, err)
	}

	pageSize := os.Getpagesize()
	dataSize := ringPages * pageSize
	mmapLen := pageSize + dataSize // one meta page + data pages

	region, err := unix.Mmap(fd, 0, mmapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, -1, perr.Fatalf("ringbuf", perr.KindRing, "mmap watcher=%s cpu=%d: %v", w.Name, cpu, err)
	}

	meta := (*MmapPage)(unsafe.Pointer(&region[0]))
	data := region[pageSize : pageSize+dataSize]

	closer := func() error {
		if err := unix.Munmap(region); err != nil {
			return err
		}
		return unix.Close(fd)
	}

	ring, err := newRing(meta, data, closer)
	if err != nil {
		closer()
		return nil, -1, err
	}
	ring.CPU = cpu
	ring.WatcherPos = w.Pos

	if err := ioctlEnable(fd); err != nil {
		ring.Close()
		return nil, -1, perr.Fatalf("ringbuf", perr.KindRing, "enable watcher=%s cpu=%d: %v", w.Name, cpu, err)
	}

	return ring, fd, nil
}

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int, flags uint) (int, error) {
	fd, _, errno := unix.Syscall6(
		unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid),
		uintptr(cpu),
		uintptr(groupFD),
		uintptr(flags),
		0,
	)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioctlEnable(fd int) error {
	const perfEventIOCEnable = 0x00002400
	return unix.IoctlSetInt(fd, perfEventIOCEnable, 0)
}

// PollSet multiplexes a set of ring-backed file descriptors for the
// "block until any fd is readable or timeout elapses" half of the C1
// contract.
type PollSet struct {
	fds []int
}

// NewPollSet builds a poll set over the given perf_event fds.
func NewPollSet(fds []int) *PollSet {
	return &PollSet{fds: fds}
}

// PollResult reports which polled descriptors became ready, and whether any
// of them reported POLLHUP (kernel fd closed — a fatal, shutdown-triggering
// condition per spec).
type PollResult struct {
	ReadyIdx []int
	Hangup   bool
}

// Wait blocks for up to timeout for any fd to become readable, matching the
// worker poll loop's fixed 100ms suspension point.
func (p *PollSet) Wait(timeout time.Duration) (PollResult, error) {
	fds := make([]unix.PollFd, len(p.fds))
	for i, fd := range p.fds {
		fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return PollResult{}, nil
		}
		return PollResult{}, perr.Fatalf("ringbuf", perr.KindRing, "poll: %v", err)
	}
	if n == 0 {
		return PollResult{}, nil
	}

	var res PollResult
	for i, pf := range fds {
		if pf.Revents&unix.POLLHUP != 0 {
			res.Hangup = true
		}
		if pf.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			res.ReadyIdx = append(res.ReadyIdx, i)
		}
	}
	return res, nil
}
