package worker

import (
	"log/slog"
	"math/bits"

	"github.com/ddtrace/cpuprof/internal/procmap"
	routerpkg "github.com/ddtrace/cpuprof/internal/router"
	"github.com/ddtrace/cpuprof/internal/unwind"
)

// sink implements routerpkg.Sink, feeding C3 (procmap.Tracker), C4
// (unwind.Unwinder), and C5 (aggregate.Aggregator) from the classified
// events one ring's drain produces. A fresh sink is built per drainRing
// call so OnSample knows which watcher position to weight its sample
// against without threading it through every router.Sample.
type sink struct {
	w          *Worker
	watcherPos int
}

func (s *sink) OnSample(rs routerpkg.Sample) {
	fp := regAt(s.w.regMask, s.w.abi.FP, rs.Regs)
	sp := regAt(s.w.regMask, s.w.abi.SP, rs.Regs)
	ip := regAt(s.w.regMask, s.w.abi.IP, rs.Regs)

	us := unwind.Sample{
		Pid:      rs.Pid,
		Tid:      rs.Tid,
		FP:       fp,
		SP:       sp,
		IP:       ip,
		Stack:    rs.Stack,
		DynSize:  rs.DynSize,
		MaxDepth: s.w.maxStackDepth,
	}

	frames, err := s.w.unwinder.Walk(us)
	if err != nil {
		s.w.logger.Warn("worker: unwind failed", slog.Int("pid", rs.Pid), slog.Any("error", err))
		return
	}

	if aerr := s.w.aggregate.AddUnwind(rs.Pid, frames, s.watcherPos, rs.Period); aerr != nil {
		s.w.logger.Warn("worker: aggregate failed", slog.Int("pid", rs.Pid), slog.Any("error", aerr))
	}
}

func (s *sink) OnMmap(m routerpkg.Mmap) {
	typ := procmap.ClassifyPath(m.Filename)
	d := procmap.Dso{
		Pid:      m.Pid,
		Start:    m.Addr,
		End:      m.Addr + m.Len,
		Pgoff:    m.Pgoff,
		Filename: m.Filename,
		Type:     typ,
	}
	s.w.tracker.InsertEraseOverlap(d)
}

func (s *sink) OnCommExec(pid int) {
	s.w.tracker.ClearPid(pid)
	s.w.unwinder.ClearPid(pid)
	s.w.aggregate.ClearPid(pid)
}

func (s *sink) OnFork(parentPid, childPid int) {
	s.w.tracker.PidFork(parentPid, childPid)
}

func (s *sink) OnExit(pid int) {
	// Per spec.md §9's resolved open question, EXIT does not eagerly clear
	// tracker/unwinder state: late samples for the pid may still be queued
	// in a ring. Cleanup happens on the next COMM-EXEC reusing the pid, or
	// is bounded by the worker's own recycle cadence.
}

// OnLost is a no-op: the router's own Stats already accumulate EventsLost,
// and drainRing publishes that counter to the gauge table after every
// dispatch.
func (s *sink) OnLost(count uint64) {}

// regAt extracts the register captured at bit position `bit` of mask from
// regs, which the kernel lays out in ascending bit-index order for
// PERF_SAMPLE_REGS_USER.
func regAt(mask uint64, bit uint64, regs []uint64) uint64 {
	if mask&(1<<bit) == 0 {
		return 0
	}
	pos := bits.OnesCount64(mask & (1<<bit - 1))
	if pos >= len(regs) {
		return 0
	}
	return regs[pos]
}
