package worker

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/pprof/profile"

	"github.com/ddtrace/cpuprof/internal/aggregate"
	"github.com/ddtrace/cpuprof/internal/procmap"
	routerpkg "github.com/ddtrace/cpuprof/internal/router"
	"github.com/ddtrace/cpuprof/internal/unwind"
	"github.com/ddtrace/cpuprof/internal/watcherspec"
)

type stubSymbolizer struct{}

func (stubSymbolizer) Symbolize(dso *procmap.Dso, pid int, pc uint64) (aggregate.SymbolInfo, error) {
	return aggregate.SymbolInfo{MangledName: "f"}, nil
}

func testWorker(t *testing.T) *Worker {
	t.Helper()
	tracker := procmap.NewTracker()
	watchers := []watcherspec.Watcher{{Name: "cpu-time", Pos: 0, Unit: "nanoseconds"}}
	agg := aggregate.New(watchers, 1_000_000, stubSymbolizer{}, func(ctx context.Context, p *profile.Profile) error { return nil })

	return &Worker{
		logger:        slog.Default(),
		tracker:       tracker,
		unwinder:      unwind.New(unwind.AMD64, tracker),
		aggregate:     agg,
		abi:           unwind.AMD64,
		regMask:       ringbufAMD64Mask,
		maxStackDepth: defaultMaxStackDepth,
	}
}

func TestRegAtExtractsRegisterByBitPosition(t *testing.T) {
	// Mask selects bits 6, 7, 16 (rbp, rsp, rip), matching ringbuf.AMD64RegMask.
	mask := uint64(1<<6 | 1<<7 | 1<<16)
	regs := []uint64{0x1000, 0x2000, 0x3000} // rbp, rsp, rip in ascending bit order

	if got := regAt(mask, 6, regs); got != 0x1000 {
		t.Fatalf("regAt(fp) = %#x, want 0x1000", got)
	}
	if got := regAt(mask, 7, regs); got != 0x2000 {
		t.Fatalf("regAt(sp) = %#x, want 0x2000", got)
	}
	if got := regAt(mask, 16, regs); got != 0x3000 {
		t.Fatalf("regAt(ip) = %#x, want 0x3000", got)
	}
}

func TestRegAtReturnsZeroForUnsetBit(t *testing.T) {
	mask := uint64(1 << 6)
	regs := []uint64{0x1000}
	if got := regAt(mask, 29, regs); got != 0 {
		t.Fatalf("regAt for unset bit = %#x, want 0", got)
	}
}

func TestSinkOnMmapInsertsDso(t *testing.T) {
	w := testWorker(t)
	s := &sink{w: w, watcherPos: 0}

	s.OnMmap(routerpkg.Mmap{Pid: 42, Addr: 0x1000, Len: 0x1000, Filename: "/bin/a"})

	d, ok := w.tracker.Find(42, 0x1500)
	if !ok {
		t.Fatalf("expected dso tracked after OnMmap")
	}
	if d.Filename != "/bin/a" {
		t.Fatalf("Filename = %q, want /bin/a", d.Filename)
	}
}

func TestSinkOnForkClonesMapping(t *testing.T) {
	w := testWorker(t)
	s := &sink{w: w, watcherPos: 0}

	s.OnMmap(routerpkg.Mmap{Pid: 1, Addr: 0x1000, Len: 0x1000, Filename: "/bin/a"})
	s.OnFork(1, 2)

	if _, ok := w.tracker.Find(2, 0x1500); !ok {
		t.Fatalf("expected child pid to inherit parent's dso set")
	}
}

func TestSinkOnCommExecClearsPid(t *testing.T) {
	w := testWorker(t)
	s := &sink{w: w, watcherPos: 0}

	s.OnMmap(routerpkg.Mmap{Pid: 7, Addr: 0x1000, Len: 0x1000, Filename: "/bin/a"})
	s.OnCommExec(7)

	if _, ok := w.tracker.Find(7, 0x1500); ok {
		t.Fatalf("expected dso set to be cleared after OnCommExec")
	}
}

// ringbufAMD64Mask mirrors ringbuf.AMD64RegMask without importing the
// linux-only ringbuf package's build-tagged constant from a portable test.
const ringbufAMD64Mask = (1 << 6) | (1 << 7) | (1 << 16)
