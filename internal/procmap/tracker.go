package procmap

import (
	"sort"

	"github.com/ddtrace/cpuprof/internal/perr"
)

// BackpopulatePermission gates whether a pid may trigger another procfs
// scan within the current export cycle.
type BackpopulatePermission int

const (
	PermissionAllowed BackpopulatePermission = iota
	PermissionForbidden
)

// backpopulateState tracks, per pid, whether a /proc/<pid>/maps rescan is
// still permitted this export cycle, and how many lookups have missed.
type backpopulateState struct {
	unfoundCount int
	permission   BackpopulatePermission
}

// pidEntry is one process's tracked state: its ordered Dso set and
// backpopulate bookkeeping.
type pidEntry struct {
	dsos       []Dso // ordered by Start; invariant: non-overlapping
	backpop    backpopulateState
}

// DsoEvent enumerates the per-dso-type counters the aggregator/statsd layer
// exposes, mirroring the original implementation's event statistics.
type DsoEvent int

const (
	EventUnhandledDso DsoEvent = iota
	EventUnwindFailure
	EventTargetDso
	EventNewDso
	numDsoEvents
)

// DsoStats accumulates per-(event, dso-type) counters.
type DsoStats struct {
	metrics [numDsoEvents][NumDsoTypes]uint64
}

// Incr bumps the counter for (event, typ).
func (s *DsoStats) Incr(event DsoEvent, typ Type) {
	s.metrics[event][typ]++
}

// Sum returns the total count across all dso types for one event kind.
func (s *DsoStats) Sum(event DsoEvent) uint64 {
	var total uint64
	for _, v := range s.metrics[event] {
		total += v
	}
	return total
}

// Reset zeroes all counters, called when a worker is recycled.
func (s *DsoStats) Reset() {
	*s = DsoStats{}
}

// Tracker is the per-process Dso set tracker (C3): insert/erase/overlap,
// lazy procfs backpopulate, fork propagation, and the region holder pool
// backing unwind reads.
type Tracker struct {
	pids    map[int]*pidEntry
	regions *regionTable
	stats   DsoStats

	// procMapsReader is overridable for tests; production code reads
	// /proc/<pid>/maps.
	procMapsReader func(pid int) ([]Dso, error)
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pids:           make(map[int]*pidEntry),
		regions:        newRegionTable(),
		procMapsReader: readProcMaps,
	}
}

// Stats returns a pointer to the tracker's live DsoStats, for the statsd
// gauge table to read.
func (t *Tracker) Stats() *DsoStats { return &t.stats }

func (t *Tracker) entry(pid int) *pidEntry {
	e, ok := t.pids[pid]
	if !ok {
		e = &pidEntry{backpop: backpopulateState{permission: PermissionAllowed}}
		t.pids[pid] = e
	}
	return e
}

// InsertEraseOverlap inserts d, first removing every existing Dso for the
// same pid that intersects it, honouring the same-or-smaller tie-break:
// if d is fully contained in an existing entry E with the same filename,
// E is kept and d is dropped instead.
func (t *Tracker) InsertEraseOverlap(d Dso) {
	e := t.entry(d.Pid)

	kept := e.dsos[:0]
	for i := range e.dsos {
		existing := &e.dsos[i]
		if !existing.Intersects(&d) {
			kept = append(kept, *existing)
			continue
		}
		if existing.SameOrSmaller(&d) {
			// d would only shrink a previously reported larger mapping of
			// the same file; keep the existing one and drop d entirely.
			// Commit every removal already applied to kept in this call
			// (and the untouched remainder, including existing itself)
			// before returning, so a dropped-and-released Dso earlier in
			// this loop doesn't reappear because e.dsos was never updated.
			t.stats.Incr(EventTargetDso, existing.Type)
			e.dsos = append(kept, e.dsos[i:]...)
			return
		}
		// existing is overlapped by d and is not the larger-same-file case:
		// release its region reference before dropping it.
		t.regions.release(existing.regionKey())
	}
	e.dsos = kept

	if d.Type == TypeStandard || d.Type == TypeAnon {
		if _, err := t.regions.acquire(d.regionKey()); err != nil {
			// Non-fatal: the Dso is still tracked for address-range lookup
			// purposes even if its bytes can't be read later.
			d.FlagError()
		}
	}

	e.dsos = insertSorted(e.dsos, d)
	t.stats.Incr(EventNewDso, d.Type)
}

func insertSorted(dsos []Dso, d Dso) []Dso {
	idx := sort.Search(len(dsos), func(i int) bool { return dsos[i].Start >= d.Start })
	dsos = append(dsos, Dso{})
	copy(dsos[idx+1:], dsos[idx:])
	dsos[idx] = d
	return dsos
}

// Find returns the Dso containing addr for pid, without triggering a
// backpopulate. Used by tests and by DsoFindClosest's fast path.
func (t *Tracker) Find(pid int, addr uint64) (*Dso, bool) {
	e, ok := t.pids[pid]
	if !ok {
		return nil, false
	}
	for i := range e.dsos {
		if e.dsos[i].IsWithin(addr) {
			return &e.dsos[i], true
		}
	}
	return nil, false
}

// DsoFindClosest implements dso_find_closest: look up (pid, addr); on miss,
// if backpopulate is still allowed this cycle, parse /proc/<pid>/maps and
// retry once, then downgrade permission to forbidden regardless of outcome.
func (t *Tracker) DsoFindClosest(pid int, addr uint64) (*Dso, *perr.Error) {
	if d, ok := t.Find(pid, addr); ok {
		return d, nil
	}

	e := t.entry(pid)
	if e.backpop.permission != PermissionAllowed {
		e.backpop.unfoundCount++
		return nil, perr.Warnf("procmap", perr.KindTracker, "no dso for pid=%d addr=%#x (backpopulate forbidden this cycle)", pid, addr)
	}

	if err := t.Backpopulate(pid); err != nil {
		e.backpop.permission = PermissionForbidden
		e.backpop.unfoundCount++
		return nil, err
	}
	e.backpop.permission = PermissionForbidden

	if d, ok := t.Find(pid, addr); ok {
		return d, nil
	}
	e.backpop.unfoundCount++
	return nil, perr.Warnf("procmap", perr.KindTracker, "no dso for pid=%d addr=%#x after backpopulate", pid, addr)
}

// Backpopulate parses /proc/<pid>/maps and inserts every entry found.
func (t *Tracker) Backpopulate(pid int) *perr.Error {
	dsos, err := t.procMapsReader(pid)
	if err != nil {
		return perr.Warnf("procmap", perr.KindTracker, "backpopulate pid=%d: %v", pid, err)
	}
	for _, d := range dsos {
		t.InsertEraseOverlap(d)
	}
	return nil
}

// ResetBackpopulatePermissions re-allows backpopulate for every tracked
// pid. Called both at each export cycle and every B≈200 router-processed
// events per spec.md §4.2/§4.3.
func (t *Tracker) ResetBackpopulatePermissions() {
	for _, e := range t.pids {
		e.backpop.permission = PermissionAllowed
	}
}

// PidFork clones the parent's entire Dso set for child, replacing pids,
// and acquires a fresh region reference per cloned Dso. If the parent is
// unknown, the child is left empty (its first sample will backpopulate).
func (t *Tracker) PidFork(parentPid, childPid int) {
	parent, ok := t.pids[parentPid]
	if !ok {
		return
	}
	child := t.entry(childPid)
	child.dsos = make([]Dso, len(parent.dsos))
	for i, d := range parent.dsos {
		clone := d
		clone.Pid = childPid
		clone.errored = false
		child.dsos[i] = clone
		if clone.Type == TypeStandard || clone.Type == TypeAnon {
			t.regions.acquire(clone.regionKey())
		}
	}
}

// ClearPid drops a pid's entire Dso set and releases its region references.
// Used for COMM-EXEC (clears the whole pid) per the newer behaviour adopted
// in spec.md §9's resolved open question; EXIT does not call this eagerly
// (late samples may still arrive), and no caller invokes it on EXIT.
func (t *Tracker) ClearPid(pid int) {
	e, ok := t.pids[pid]
	if !ok {
		return
	}
	for i := range e.dsos {
		if e.dsos[i].Type == TypeStandard || e.dsos[i].Type == TypeAnon {
			t.regions.release(e.dsos[i].regionKey())
		}
	}
	delete(t.pids, pid)
}

// ReadRegion reads up to len(buf) bytes at file-relative offset off from
// the region backing d, for internal/unwind's memory_read callback.
func (t *Tracker) ReadRegion(d *Dso, buf []byte, off uint64) (int, error) {
	h, ok := t.regions.lookup(d.regionKey())
	if !ok {
		return 0, perr.Warnf("procmap", perr.KindTracker, "no region for %s", d.Filename)
	}
	return h.ReadAt(buf, off)
}
