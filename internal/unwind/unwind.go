// Package unwind implements the stack unwinder (C4): given a captured
// register triple, a bounded stack copy, and a pid, it walks DWARF CFI to
// produce an ordered list of frames, reading memory the sample didn't
// capture from the target's loaded binaries via internal/procmap.
package unwind

import (
	"math"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/ddtrace/cpuprof/internal/perr"
	"github.com/ddtrace/cpuprof/internal/procmap"
)

// stackGuardBytes is the region immediately below the stack pointer that
// memory_read refuses to resolve via a Dso lookup: the target could not
// have mapped executables there, and suppressing the read avoids
// unnecessary backpopulates (spec.md §4.4).
const stackGuardBytes = 4096

// Sample is C4's input: a captured register triple, a bounded stack copy,
// and the owning pid.
type Sample struct {
	Pid      int
	Tid      int
	FP       uint64
	SP       uint64
	IP       uint64
	Stack    []byte // stack[0] corresponds to address SP
	DynSize  uint64 // usable prefix of Stack; DynSize == 0 means unusable
	MaxDepth int
}

// RawFrame is one unwound frame before symbolisation: an instruction
// pointer plus the Dso it was resolved against (nil if unresolved).
type RawFrame struct {
	IP   uint64
	Dso  *procmap.Dso
	// Truncated marks the synthetic sentinel frame appended when MaxDepth is
	// reached; Base marks the synthetic per-pid frame appended last.
	Truncated bool
	Base      bool
}

// Unwinder walks DWARF CFI per spec.md §4.4, given a register ABI and a
// process map tracker to resolve addresses against.
type Unwinder struct {
	abi     ABI
	tracker *procmap.Tracker
	modules *moduleCache

	baseFrames map[int]RawFrame
}

// New builds an Unwinder for the given ISA register mapping, backed by
// tracker for address resolution and memory reads.
func New(abi ABI, tracker *procmap.Tracker) *Unwinder {
	return &Unwinder{
		abi:        abi,
		tracker:    tracker,
		modules:    newModuleCache(),
		baseFrames: make(map[int]RawFrame),
	}
}

// ClearPid drops per-pid unwinder state (module registrations, base frame
// cache), called alongside procmap.Tracker.ClearPid.
func (u *Unwinder) ClearPid(pid int) {
	u.modules.ClearPid(pid)
	delete(u.baseFrames, pid)
}

// Walk performs the unwind described in spec.md §4.4: resolve the current
// frame's module, evaluate its CFI program for the CFA and return-address
// rule, read the return address (from the stack copy or a Dso-backed
// region read), and repeat until the chain ends, max depth is hit, or a
// read fails. It always appends exactly one base frame on success.
func (u *Unwinder) Walk(s Sample) ([]RawFrame, *perr.Error) {
	if s.DynSize == 0 {
		return nil, perr.Warnf("unwind", perr.KindUnwind, "pid=%d: empty stack copy, sample undroppable-unwindable", s.Pid)
	}
	if u.modules.IsInconsistent(s.Pid) {
		return nil, perr.Warnf("unwind", perr.KindUnwind, "pid=%d: dwarf walker flagged inconsistent", s.Pid)
	}

	maxFrames := s.MaxDepth - 2
	if maxFrames < 1 {
		maxFrames = 1
	}

	frames := make([]RawFrame, 0, s.MaxDepth)
	pc, sp := s.IP, s.SP
	regs := map[uint64]uint64{u.abi.FP: s.FP, u.abi.SP: s.SP, u.abi.IP: s.IP}

	for {
		if len(frames) >= maxFrames {
			frames = append(frames, RawFrame{IP: pc, Truncated: true})
			break
		}

		dso, derr := u.tracker.DsoFindClosest(s.Pid, pc)
		if derr != nil {
			frames = append(frames, RawFrame{IP: pc})
			break
		}

		fdes, rerr := u.modules.register(s.Pid, dso.Filename, dso.Start)
		if rerr != nil {
			frames = append(frames, RawFrame{IP: pc, Dso: dso})
			break
		}

		fde := findFDE(fdes, pc-dso.Start+dso.Pgoff)
		if fde == nil {
			frames = append(frames, RawFrame{IP: pc, Dso: dso})
			break
		}

		fc := frame.ExecuteDwarfProgram(fde)

		cfa, ok := u.evalCFA(fc, regs)
		if !ok {
			frames = append(frames, RawFrame{IP: pc, Dso: dso})
			break
		}

		retAddr, ok := u.resolveReturnAddress(s, fc, cfa)

		// Exactly one append per iteration, regardless of whether the
		// return address resolved: the terminal frame of a chain must be
		// recorded exactly once.
		frames = append(frames, RawFrame{IP: pc, Dso: dso})
		if !ok || retAddr == 0 || retAddr == pc {
			break
		}

		pc = retAddr
		sp = cfa
		regs[u.abi.SP] = sp
		regs[u.abi.IP] = pc
	}

	frames = append(frames, u.baseFrame(s.Pid, s.IP))
	return frames, nil
}

// evalCFA resolves the CFA rule (always a register+offset rule in the
// delve frame package's simplified CFI evaluation) against the current
// register file.
func (u *Unwinder) evalCFA(fc *frame.FrameContext, regs map[uint64]uint64) (uint64, bool) {
	base, ok := regs[fc.CFA.Reg]
	if !ok {
		return 0, false
	}
	return uint64(int64(base) + fc.CFA.Offset), true
}

// resolveReturnAddress reads the return address for the current frame
// given its CFI return-address rule and the already-evaluated CFA. Only
// RuleOffset (return address stored at a fixed offset from the CFA) is
// supported; any other rule, or a failed memory read, is reported as
// unresolved.
func (u *Unwinder) resolveReturnAddress(s Sample, fc *frame.FrameContext, cfa uint64) (uint64, bool) {
	retRule, found := fc.Regs[fc.RetAddrReg]
	if !found || retRule.Rule != frame.RuleOffset {
		return 0, false
	}
	addr := uint64(int64(cfa) + retRule.Offset)
	return u.memoryRead(s, addr)
}

// memoryRead implements the memory_read contract from spec.md §4.4.
func (u *Unwinder) memoryRead(s Sample, addr uint64) (uint64, bool) {
	if addr%8 != 0 {
		return 0, false
	}
	if addr > math.MaxUint64-8 {
		return 0, false
	}

	if addr >= s.SP && addr < s.SP+s.DynSize {
		off := addr - s.SP
		if off+8 > uint64(len(s.Stack)) {
			return 0, false
		}
		return leUint64(s.Stack[off : off+8]), true
	}

	if addr < s.SP && s.SP-addr <= stackGuardBytes {
		return 0, false
	}

	dso, ok := u.tracker.Find(s.Pid, addr)
	if !ok {
		return 0, false
	}
	buf := make([]byte, 8)
	n, err := u.tracker.ReadRegion(dso, buf, addr-dso.Start+dso.Pgoff)
	if err != nil || n != 8 {
		return 0, false
	}
	return leUint64(buf), true
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// baseFrame returns (caching per pid) the synthetic pid-scoped frame
// appended at the bottom of every stack so identical call chains from
// different processes share tails.
func (u *Unwinder) baseFrame(pid int, entryIP uint64) RawFrame {
	if f, ok := u.baseFrames[pid]; ok {
		return f
	}
	dso, _ := u.tracker.Find(pid, entryIP)
	f := RawFrame{IP: entryIP, Dso: dso, Base: true}
	u.baseFrames[pid] = f
	return f
}
