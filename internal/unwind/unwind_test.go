package unwind

import (
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/ddtrace/cpuprof/internal/procmap"
)

func stdDso(pid int, start, end uint64, file string) procmap.Dso {
	return procmap.Dso{Pid: pid, Start: start, End: end, Filename: file, Type: procmap.TypeStandard}
}

func TestWalkRejectsEmptyStackCopy(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	s := Sample{Pid: 1, SP: 0x1000, DynSize: 0, MaxDepth: 16}

	frames, err := u.Walk(s)
	if err == nil {
		t.Fatalf("Walk with DynSize=0 returned nil error, want a warning")
	}
	if frames != nil {
		t.Fatalf("Walk with DynSize=0 returned frames, want nil")
	}
}

func TestWalkRejectsInconsistentPid(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	u.modules.inconsistent[7] = true

	s := Sample{Pid: 7, SP: 0x1000, Stack: make([]byte, 64), DynSize: 64, MaxDepth: 16}
	if _, err := u.Walk(s); err == nil {
		t.Fatalf("Walk on an inconsistent pid returned nil error")
	}
}

func TestWalkWithUnresolvedPCAppendsRawAndBaseFrame(t *testing.T) {
	tr := procmap.NewTracker()
	u := New(AMD64, tr)

	// An implausible pid with no registered Dso and no real /proc entry, so
	// DsoFindClosest's backpopulate attempt fails and the walk must stop
	// after one unresolved frame plus the base frame.
	const noSuchPid = 1 << 30
	s := Sample{Pid: noSuchPid, IP: 0x4000, SP: 0x1000, Stack: make([]byte, 64), DynSize: 64, MaxDepth: 16}
	frames, err := u.Walk(s)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2 (one unresolved + base)", len(frames))
	}
	if frames[0].Dso != nil {
		t.Fatalf("first frame Dso = %v, want nil (unresolved)", frames[0].Dso)
	}
	if !frames[len(frames)-1].Base {
		t.Fatalf("last frame is not marked Base")
	}
}

func TestWalkCachesBaseFramePerPid(t *testing.T) {
	tr := procmap.NewTracker()
	tr.InsertEraseOverlap(stdDso(1, 0x4000, 0x5000, "/bin/a"))
	u := New(AMD64, tr)

	s := Sample{Pid: 1, IP: 0x4100, SP: 0x1000, Stack: make([]byte, 64), DynSize: 64, MaxDepth: 16}
	first, err := u.Walk(s)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	base := first[len(first)-1]
	if base.Dso == nil || base.Dso.Filename != "/bin/a" {
		t.Fatalf("base frame Dso = %v, want /bin/a", base.Dso)
	}

	// Remove the Dso and walk again; the cached base frame must not change.
	// The first walk's failed registration of /bin/a flagged pid 1
	// inconsistent, so forget that module state too or the second walk is
	// rejected before it reaches the base-frame cache.
	tr.ClearPid(1)
	u.modules.ClearPid(1)
	second, err := u.Walk(s)
	if err != nil {
		t.Fatalf("Walk (second): %v", err)
	}
	if second[len(second)-1].Dso.Filename != "/bin/a" {
		t.Fatalf("base frame changed after ClearPid; cache not honored")
	}
}

func TestClearPidDropsModuleAndBaseFrameState(t *testing.T) {
	tr := procmap.NewTracker()
	u := New(AMD64, tr)
	u.modules.inconsistent[3] = true
	u.baseFrames[3] = RawFrame{IP: 0x9, Base: true}

	u.ClearPid(3)

	if u.modules.IsInconsistent(3) {
		t.Fatalf("IsInconsistent(3) = true after ClearPid")
	}
	if _, ok := u.baseFrames[3]; ok {
		t.Fatalf("baseFrames[3] still present after ClearPid")
	}
}

func TestMemoryReadFromStackCopy(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	stack := make([]byte, 64)
	// little-endian 0x1122334455667788 at offset 8
	want := uint64(0x1122334455667788)
	for i := 0; i < 8; i++ {
		stack[8+i] = byte(want >> (8 * i))
	}

	s := Sample{SP: 0x2000, Stack: stack, DynSize: uint64(len(stack))}
	got, ok := u.memoryRead(s, 0x2008)
	if !ok {
		t.Fatalf("memoryRead ok=false, want true")
	}
	if got != want {
		t.Fatalf("memoryRead = %#x, want %#x", got, want)
	}
}

func TestMemoryReadRejectsMisalignedAddress(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	s := Sample{SP: 0x2000, Stack: make([]byte, 64), DynSize: 64}
	if _, ok := u.memoryRead(s, 0x2001); ok {
		t.Fatalf("memoryRead on a non-8-byte-aligned address returned ok=true")
	}
}

func TestMemoryReadRejectsGuardRegionBelowSP(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	s := Sample{SP: 0x10000, Stack: make([]byte, 64), DynSize: 64}
	if _, ok := u.memoryRead(s, 0x10000-stackGuardBytes); ok {
		t.Fatalf("memoryRead inside the stack guard region returned ok=true")
	}
}

func TestMemoryReadFallsBackToTrackerOutsideStackCopy(t *testing.T) {
	tr := procmap.NewTracker()
	u := New(AMD64, tr)
	// No Dso registered at this address, so the tracker lookup must fail
	// cleanly rather than panicking.
	s := Sample{SP: 0x2000, Stack: make([]byte, 64), DynSize: 64}
	if _, ok := u.memoryRead(s, 0x50000000); ok {
		t.Fatalf("memoryRead resolved an address with no registered Dso")
	}
}

// resolveReturnAddress is the single call site Walk appends a frame
// around; regression coverage for a bug where a failed resolution inside
// a switch's own break only exited the switch, not Walk's for loop,
// causing Walk to append the terminal frame of the chain twice.
func TestResolveReturnAddressUnsupportedRule(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	fc := &frame.FrameContext{
		RetAddrReg: 16,
		Regs:       map[uint64]frame.DWRule{16: {Rule: frame.RuleUndefined}},
	}
	if _, ok := u.resolveReturnAddress(Sample{}, fc, 0x1000); ok {
		t.Fatalf("resolveReturnAddress with an undefined rule returned ok=true")
	}
}

func TestResolveReturnAddressMissingRule(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	fc := &frame.FrameContext{RetAddrReg: 16, Regs: map[uint64]frame.DWRule{}}
	if _, ok := u.resolveReturnAddress(Sample{}, fc, 0x1000); ok {
		t.Fatalf("resolveReturnAddress with no rule for RetAddrReg returned ok=true")
	}
}

func TestResolveReturnAddressOffsetReadFailure(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	fc := &frame.FrameContext{
		RetAddrReg: 16,
		Regs:       map[uint64]frame.DWRule{16: {Rule: frame.RuleOffset, Offset: 8}},
	}
	// cfa+8 is misaligned, so memoryRead must reject it.
	s := Sample{SP: 0x2000, Stack: make([]byte, 64), DynSize: 64}
	if _, ok := u.resolveReturnAddress(s, fc, 0x2001); ok {
		t.Fatalf("resolveReturnAddress resolved a misaligned offset read")
	}
}

func TestResolveReturnAddressOffsetSuccess(t *testing.T) {
	u := New(AMD64, procmap.NewTracker())
	stack := make([]byte, 64)
	want := uint64(0xaabbccdd11223344)
	for i := 0; i < 8; i++ {
		stack[16+i] = byte(want >> (8 * i))
	}
	fc := &frame.FrameContext{
		RetAddrReg: 16,
		Regs:       map[uint64]frame.DWRule{16: {Rule: frame.RuleOffset, Offset: 8}},
	}
	s := Sample{SP: 0x2000, Stack: stack, DynSize: uint64(len(stack))}
	// cfa=0x2008, offset=8 -> read address 0x2010, i.e. stack[16:24].
	got, ok := u.resolveReturnAddress(s, fc, 0x2008)
	if !ok {
		t.Fatalf("resolveReturnAddress ok=false, want true")
	}
	if got != want {
		t.Fatalf("resolveReturnAddress = %#x, want %#x", got, want)
	}
}

func TestWalkAppendsTerminalFrameExactlyOnceWhenModuleRegistrationFails(t *testing.T) {
	tr := procmap.NewTracker()
	tr.InsertEraseOverlap(stdDso(1, 0x4000, 0x5000, "/bin/a"))
	u := New(AMD64, tr)

	// With no real ELF behind /bin/a, modules.register fails, which is
	// one of several break sites in Walk's loop that must each append
	// exactly one frame for the stopping pc, never two.
	s := Sample{Pid: 1, IP: 0x4100, SP: 0x1000, Stack: make([]byte, 64), DynSize: 64, MaxDepth: 16}
	frames, err := u.Walk(s)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2 (one raw frame + base), got %+v", len(frames), frames)
	}
}

func TestFindFDENoMatchReturnsNil(t *testing.T) {
	if got := findFDE(nil, 0x1000); got != nil {
		t.Fatalf("findFDE on an empty table returned %v, want nil", got)
	}
}

func TestABIRegisterTablesAreDistinctPerArch(t *testing.T) {
	if AMD64.FP == ARM64.FP && AMD64.SP == ARM64.SP && AMD64.IP == ARM64.IP {
		t.Fatalf("AMD64 and ARM64 register tables are identical, want distinct DWARF register numbers")
	}
	if ARM64.LR == 0 {
		t.Fatalf("ARM64.LR = 0, want the aarch64 link-register DWARF number")
	}
}
