// Package router implements the event classifier (C2): it decodes a raw
// ring record's typed body and dispatches it to the process map tracker
// (C3), the unwinder (C4), or the aggregator (C5), per spec.md §4.2.
package router

import (
	"encoding/binary"
	"fmt"

	"github.com/ddtrace/cpuprof/internal/perr"
	"github.com/ddtrace/cpuprof/internal/ringbuf"
)

// resetPermissionEvery is B from spec.md §4.2/§4.3: every this-many events
// processed, the process map tracker's backpopulate permission is reset.
const resetPermissionEvery = 200

// Sample is the decoded body of a PERF_RECORD_SAMPLE with
// TID|TIME|PERIOD|REGS_USER|STACK_USER set, per spec.md §6.
type Sample struct {
	Pid, Tid int
	Time     uint64
	Period   uint64
	RegsABI  uint64
	Regs     []uint64
	Stack    []byte
	DynSize  uint64
}

// Mmap is the decoded body of a PERF_RECORD_MMAP.
type Mmap struct {
	Pid, Tid int
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename string
}

// Comm is the decoded body of a PERF_RECORD_COMM.
type Comm struct {
	Pid, Tid int
	Name     string
	Exec     bool
}

// Fork is the decoded body of a PERF_RECORD_FORK.
type Fork struct {
	Pid, Ppid, Tid, Ptid int
}

// Exit is the decoded body of a PERF_RECORD_EXIT.
type Exit struct {
	Pid, Tid int
}

// Sink receives classified, decoded events from Router.Dispatch. Sample
// carries the pid it was captured for; pid == 0 samples are dropped by the
// router before reaching Sink, per spec.md §4.2's "SAMPLE → C4 (if pid≠0)".
type Sink interface {
	OnSample(Sample)
	OnMmap(Mmap)
	OnCommExec(pid int)
	OnFork(parentPid, childPid int)
	OnExit(pid int)
	OnLost(count uint64)
}

// Stats accumulates the router's own operational counters: events
// processed and lost events.
type Stats struct {
	EventsProcessed uint64
	EventsLost      uint64
}

// Router is the single-threaded C2 classifier. regCount is the number of
// 8-byte registers present in every PERF_SAMPLE_REGS_USER block, fixed by
// the ISA-specific register mask the worker opened its rings with (see
// ringbuf.AMD64RegMask / ARM64RegMask).
type Router struct {
	regCount int
	resetter func()
	stats    Stats
	sinceReset int
}

// New builds a Router. resetBackpopulate is called every resetPermissionEvery
// processed events — production code wires procmap.Tracker.ResetBackpopulatePermissions.
func New(regCount int, resetBackpopulate func()) *Router {
	return &Router{regCount: regCount, resetter: resetBackpopulate}
}

// Stats returns a snapshot of the router's own counters.
func (r *Router) Stats() Stats { return r.stats }

// Dispatch classifies one raw ring record and routes it to sink. A decode
// failure on a single record is a Warn-severity, per-record error per
// spec.md §4.2's failure policy ("per-sample failures... downgrade to a
// counted warning"); only ring-level corruption propagates as fatal, and
// that is raised by internal/ringbuf itself before Dispatch is ever called.
func (r *Router) Dispatch(rec *ringbuf.Record, sink Sink) *perr.Error {
	r.stats.EventsProcessed++
	r.sinceReset++
	if r.sinceReset >= resetPermissionEvery {
		r.sinceReset = 0
		if r.resetter != nil {
			r.resetter()
		}
	}

	switch rec.Header.Type {
	case ringbuf.RecordSample:
		s, err := r.decodeSample(rec.Payload)
		if err != nil {
			return perr.Warnf("router", perr.KindGeneric, "decode sample: %v", err)
		}
		if s.Pid != 0 {
			sink.OnSample(s)
		}
	case ringbuf.RecordMmap:
		m, err := decodeMmap(rec.Payload)
		if err != nil {
			return perr.Warnf("router", perr.KindGeneric, "decode mmap: %v", err)
		}
		sink.OnMmap(m)
	case ringbuf.RecordComm:
		c, err := decodeComm(rec.Payload, rec.Header.Misc)
		if err != nil {
			return perr.Warnf("router", perr.KindGeneric, "decode comm: %v", err)
		}
		if c.Exec {
			sink.OnCommExec(c.Pid)
		}
	case ringbuf.RecordFork:
		f, err := decodeFork(rec.Payload)
		if err != nil {
			return perr.Warnf("router", perr.KindGeneric, "decode fork: %v", err)
		}
		if f.Pid != f.Ppid {
			sink.OnFork(f.Ppid, f.Pid)
		}
	case ringbuf.RecordExit:
		e, err := decodeExit(rec.Payload)
		if err != nil {
			return perr.Warnf("router", perr.KindGeneric, "decode exit: %v", err)
		}
		sink.OnExit(e.Pid)
	case ringbuf.RecordLost:
		n, err := decodeLost(rec.Payload)
		if err != nil {
			return perr.Warnf("router", perr.KindGeneric, "decode lost: %v", err)
		}
		r.stats.EventsLost += n
		sink.OnLost(n)
	default:
		// Unknown record kinds are silently skipped; the kernel may emit
		// record types this profiler doesn't consume (THROTTLE, etc.).
	}
	return nil
}

// decodeSample parses the PERF_SAMPLE_TID|TIME|ID|PERIOD|REGS_USER|STACK_USER
// body laid out in that field order, matching the sample_type bits set in
// ringbuf_linux.go's perfEventAttr.
func (r *Router) decodeSample(b []byte) (Sample, error) {
	var s Sample
	off := 0

	need := func(n int) error {
		if off+n > len(b) {
			return fmt.Errorf("sample body truncated at offset %d, need %d more bytes", off, n)
		}
		return nil
	}

	if err := need(8); err != nil {
		return s, err
	}
	s.Pid = int(int32(binary.LittleEndian.Uint32(b[off:])))
	s.Tid = int(int32(binary.LittleEndian.Uint32(b[off+4:])))
	off += 8

	if err := need(8); err != nil {
		return s, err
	}
	s.Time = binary.LittleEndian.Uint64(b[off:])
	off += 8

	if err := need(8); err != nil { // PERF_SAMPLE_ID
		return s, err
	}
	off += 8

	if err := need(8); err != nil {
		return s, err
	}
	s.Period = binary.LittleEndian.Uint64(b[off:])
	off += 8

	if err := need(8); err != nil {
		return s, err
	}
	s.RegsABI = binary.LittleEndian.Uint64(b[off:])
	off += 8

	if err := need(8 * r.regCount); err != nil {
		return s, err
	}
	s.Regs = make([]uint64, r.regCount)
	for i := 0; i < r.regCount; i++ {
		s.Regs[i] = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}

	if err := need(8); err != nil {
		return s, err
	}
	stackSize := binary.LittleEndian.Uint64(b[off:])
	off += 8

	if err := need(int(stackSize)); err != nil {
		return s, err
	}
	s.Stack = b[off : off+int(stackSize)]
	off += int(stackSize)

	if stackSize > 0 {
		if err := need(8); err != nil {
			return s, err
		}
		s.DynSize = binary.LittleEndian.Uint64(b[off:])
	}

	return s, nil
}

func decodeMmap(b []byte) (Mmap, error) {
	var m Mmap
	if len(b) < 32 {
		return m, fmt.Errorf("mmap body too short: %d bytes", len(b))
	}
	m.Pid = int(int32(binary.LittleEndian.Uint32(b[0:])))
	m.Tid = int(int32(binary.LittleEndian.Uint32(b[4:])))
	m.Addr = binary.LittleEndian.Uint64(b[8:])
	m.Len = binary.LittleEndian.Uint64(b[16:])
	m.Pgoff = binary.LittleEndian.Uint64(b[24:])
	m.Filename = cString(b[32:])
	return m, nil
}

func decodeComm(b []byte, misc uint16) (Comm, error) {
	var c Comm
	if len(b) < 8 {
		return c, fmt.Errorf("comm body too short: %d bytes", len(b))
	}
	c.Pid = int(int32(binary.LittleEndian.Uint32(b[0:])))
	c.Tid = int(int32(binary.LittleEndian.Uint32(b[4:])))
	c.Name = cString(b[8:])
	c.Exec = misc&ringbuf.CommMiscExec != 0
	return c, nil
}

func decodeFork(b []byte) (Fork, error) {
	var f Fork
	if len(b) < 16 {
		return f, fmt.Errorf("fork body too short: %d bytes", len(b))
	}
	f.Pid = int(int32(binary.LittleEndian.Uint32(b[0:])))
	f.Ppid = int(int32(binary.LittleEndian.Uint32(b[4:])))
	f.Tid = int(int32(binary.LittleEndian.Uint32(b[8:])))
	f.Ptid = int(int32(binary.LittleEndian.Uint32(b[12:])))
	return f, nil
}

func decodeExit(b []byte) (Exit, error) {
	var e Exit
	if len(b) < 8 {
		return e, fmt.Errorf("exit body too short: %d bytes", len(b))
	}
	e.Pid = int(int32(binary.LittleEndian.Uint32(b[0:])))
	e.Tid = int(int32(binary.LittleEndian.Uint32(b[4:])))
	return e, nil
}

func decodeLost(b []byte) (uint64, error) {
	if len(b) < 16 {
		return 0, fmt.Errorf("lost body too short: %d bytes", len(b))
	}
	return binary.LittleEndian.Uint64(b[8:]), nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
