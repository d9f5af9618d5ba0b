package procmap

import "testing"

func stdDso(pid int, start, end uint64, file string) Dso {
	return Dso{Pid: pid, Start: start, End: end, Filename: file, Type: TypeStandard}
}

// assertNoOverlap asserts the tracker's core invariant: within one pid, no two
// tracked Dsos overlap.
func assertNoOverlap(t *testing.T, tr *Tracker, pid int) {
	t.Helper()
	e := tr.entry(pid)
	for i := 1; i < len(e.dsos); i++ {
		if e.dsos[i-1].End > e.dsos[i].Start {
			t.Fatalf("overlap between %v and %v", e.dsos[i-1], e.dsos[i])
		}
	}
}

func TestInsertEraseOverlapNoOverlap(t *testing.T) {
	tr := NewTracker()
	tr.InsertEraseOverlap(stdDso(1, 0x1000, 0x2000, "/bin/a"))
	tr.InsertEraseOverlap(stdDso(1, 0x3000, 0x4000, "/bin/b"))
	// overlaps both of the above
	tr.InsertEraseOverlap(stdDso(1, 0x1800, 0x3800, "/bin/c"))
	assertNoOverlap(t, tr, 1)

	if _, ok := tr.Find(1, 0x1900); !ok {
		t.Fatalf("expected the overlapping dso to have replaced the old ones")
	}
	d, _ := tr.Find(1, 0x1900)
	if d.Filename != "/bin/c" {
		t.Fatalf("Filename = %q, want /bin/c", d.Filename)
	}
}

func TestInsertEraseOverlapSameOrSmallerKeepsLarger(t *testing.T) {
	tr := NewTracker()
	tr.InsertEraseOverlap(stdDso(1, 0x1000, 0x5000, "/bin/a"))
	// A smaller subrange of the same file should not shrink the tracked entry.
	tr.InsertEraseOverlap(stdDso(1, 0x2000, 0x3000, "/bin/a"))

	d, ok := tr.Find(1, 0x4500)
	if !ok {
		t.Fatalf("expected the original larger mapping to still cover 0x4500")
	}
	if d.Start != 0x1000 || d.End != 0x5000 {
		t.Fatalf("mapping shrank: [%#x-%#x)", d.Start, d.End)
	}
}

// TestInsertEraseOverlapCommitsDropsBeforeSameOrSmallerTieBreak covers a
// single InsertEraseOverlap scan where an earlier entry is genuinely
// overlapped-and-dropped before a later entry triggers the same-or-smaller
// tie-break and returns early. The two pre-existing entries are spliced in
// directly (rather than built up through successive InsertEraseOverlap
// calls, which enforce non-overlap and so cannot produce this layout on
// their own) to deterministically reach the branch ordering: the early
// return must still commit every drop already applied earlier in the scan,
// not silently revert e.dsos to its pre-call state.
func TestInsertEraseOverlapCommitsDropsBeforeSameOrSmallerTieBreak(t *testing.T) {
	tr := NewTracker()
	e := tr.entry(1)
	e.dsos = []Dso{
		stdDso(1, 0x1000, 0x2000, "/bin/x"), // overlapped by d, different file: genuinely dropped
		stdDso(1, 0x1500, 0x6000, "/bin/a"), // contains d, same file: tie-break keeps this, drops d
	}

	d := stdDso(1, 0x1800, 0x2200, "/bin/a")
	tr.InsertEraseOverlap(d)

	if _, ok := tr.Find(1, 0x1200); ok {
		t.Fatalf("/bin/x still tracked after being overlapped and dropped")
	}
	kept, ok := tr.Find(1, 0x1800)
	if !ok {
		t.Fatalf("expected /bin/a's original mapping to still be tracked")
	}
	if kept.Start != 0x1500 || kept.End != 0x6000 {
		t.Fatalf("mapping changed: [%#x-%#x), want [0x1500-0x6000)", kept.Start, kept.End)
	}
	if got := len(tr.entry(1).dsos); got != 1 {
		t.Fatalf("len(dsos) = %d, want 1 (only /bin/a's tie-break survivor)", got)
	}
}

func TestPidForkClonesParentSet(t *testing.T) {
	tr := NewTracker()
	tr.InsertEraseOverlap(stdDso(10, 0x1000, 0x2000, "/bin/parent"))

	tr.PidFork(10, 11)

	for _, addr := range []uint64{0x1000, 0x1800} {
		_, parentOK := tr.Find(10, addr)
		_, childOK := tr.Find(11, addr)
		if parentOK != childOK {
			t.Fatalf("addr %#x: parent found=%v child found=%v, want equal", addr, parentOK, childOK)
		}
	}
}

func TestPidForkUnknownParentLeavesChildEmpty(t *testing.T) {
	tr := NewTracker()
	tr.PidFork(999, 12)
	if _, ok := tr.Find(12, 0x1000); ok {
		t.Fatalf("expected empty child map when parent is unknown")
	}
}

func TestBackpopulateOncePerCycle(t *testing.T) {
	tr := NewTracker()
	calls := 0
	tr.procMapsReader = func(pid int) ([]Dso, error) {
		calls++
		return []Dso{stdDso(pid, 0x1000, 0x2000, "/bin/x")}, nil
	}

	if _, err := tr.DsoFindClosest(5, 0x1500); err != nil {
		t.Fatalf("DsoFindClosest: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after first miss", calls)
	}

	// A second miss this cycle (different address, still unmapped) must not
	// trigger another backpopulate.
	if _, err := tr.DsoFindClosest(5, 0x9000); err == nil {
		t.Fatalf("expected a miss for an address outside any tracked dso")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want still 1 (backpopulate forbidden this cycle)", calls)
	}

	tr.ResetBackpopulatePermissions()
	if _, err := tr.DsoFindClosest(5, 0x9000); err == nil {
		t.Fatalf("expected a miss again")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after permission reset", calls)
	}
}

func TestClearPidDropsAllDsos(t *testing.T) {
	tr := NewTracker()
	tr.InsertEraseOverlap(stdDso(7, 0x1000, 0x2000, "/bin/a"))
	tr.ClearPid(7)
	if _, ok := tr.Find(7, 0x1500); ok {
		t.Fatalf("expected no dsos after ClearPid")
	}
}

func TestDsoStatsIncrAndSum(t *testing.T) {
	var s DsoStats
	s.Incr(EventNewDso, TypeStandard)
	s.Incr(EventNewDso, TypeAnon)
	s.Incr(EventUnwindFailure, TypeStandard)

	if got := s.Sum(EventNewDso); got != 2 {
		t.Fatalf("Sum(EventNewDso) = %d, want 2", got)
	}
	if got := s.Sum(EventUnwindFailure); got != 1 {
		t.Fatalf("Sum(EventUnwindFailure) = %d, want 1", got)
	}
}
