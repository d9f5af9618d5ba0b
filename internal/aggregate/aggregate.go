package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"

	"github.com/ddtrace/cpuprof/internal/perr"
	"github.com/ddtrace/cpuprof/internal/procmap"
	"github.com/ddtrace/cpuprof/internal/unwind"
	"github.com/ddtrace/cpuprof/internal/watcherspec"
)

// ExportFunc ships a converted profile to the collector. The worker wires
// this to internal/exporter.Exporter.Export; kept as a function value here
// so this package does not import the exporter package back.
type ExportFunc func(ctx context.Context, prof *profile.Profile) error

// Stats accumulates C5's own operational counters.
type Stats struct {
	SymbolisationErrors uint64
	ValidationMismatches uint64
	SamplesAdded         uint64
}

// Aggregator implements C5: symbolises unwound frames into interned
// tables, folds them into the active profile document, and double-buffers
// that document across an asynchronous export.
type Aggregator struct {
	logger *slog.Logger

	symbols   *SymbolTable
	mappings  *MappingTable
	locations *LocationTable
	caches    *unwindCaches
	sym       Symbolizer
	validate  bool

	watchers []watcherspec.Watcher

	mu    sync.Mutex
	stats Stats

	docs    [2]*ProfileDoc
	current int32 // atomic index of the doc the poll thread writes to

	exportFn   ExportFunc
	exportDone chan error // non-nil while an export goroutine is in flight
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithValidation enables spec.md §4.5's cache-validation mode: every cache
// hit is cross-checked against a fresh DWARF lookup.
func WithValidation() Option {
	return func(a *Aggregator) { a.validate = true }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New builds an Aggregator for the given watcher set (fixed for the
// worker's lifetime) and sampling period, backed by sym for DWARF
// symbolisation and exportFn for shipping flipped documents.
func New(watchers []watcherspec.Watcher, periodNanos int64, sym Symbolizer, exportFn ExportFunc, opts ...Option) *Aggregator {
	a := &Aggregator{
		symbols:   NewSymbolTable(),
		mappings:  NewMappingTable(),
		locations: NewLocationTable(),
		caches:    newUnwindCaches(),
		sym:       sym,
		watchers:  watchers,
		exportFn:  exportFn,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.docs[0] = newProfileDoc(watchers, periodNanos)
	a.docs[1] = newProfileDoc(watchers, periodNanos)
	return a
}

// Stats returns a snapshot of the aggregator's counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ClearPid invalidates pid-scoped cache entries, called alongside
// procmap.Tracker.ClearPid and unwind.Unwinder.ClearPid.
func (a *Aggregator) ClearPid(pid int) {
	a.caches.ClearPid(pid)
}

// activeDoc returns the document the poll thread is currently writing to.
func (a *Aggregator) activeDoc() *ProfileDoc {
	return a.docs[atomic.LoadInt32(&a.current)]
}

// AddUnwind symbolises every frame of an unwound stack and adds one
// weighted sample to the active document, per spec.md §4.5. Locations are
// added in call order: innermost first, base frame last, matching the
// order unwind.Unwinder.Walk returns frames in.
func (a *Aggregator) AddUnwind(pid int, frames []unwind.RawFrame, watcherPos int, period uint64) *perr.Error {
	locIDs := make([]int, 0, len(frames))
	for _, f := range frames {
		symIdx, mapIdx := a.resolveFrame(pid, f)
		locID := a.locations.Intern(Location{Address: f.IP, SymbolIdx: symIdx, MappingIdx: mapIdx})
		locIDs = append(locIDs, locID)
	}

	a.activeDoc().addSample(locIDs, watcherPos, period)

	a.mu.Lock()
	a.stats.SamplesAdded++
	a.mu.Unlock()
	return nil
}

// resolveFrame symbolises one frame per the four-step procedure in
// spec.md §4.5, returning its interned symbol and mapping indices.
func (a *Aggregator) resolveFrame(pid int, f unwind.RawFrame) (symIdx, mapIdx int) {
	if f.Truncated {
		return a.symbols.Intern(Symbol{DemangledName: "[truncated]"}), -1
	}

	if f.Dso == nil {
		return a.symbols.Intern(Symbol{DemangledName: "[unknown]"}), -1
	}

	mapIdx = a.mappingIndex(f.Dso)

	if f.Dso.Type == procmap.TypeUnhandled {
		return a.symbols.Intern(Symbol{DemangledName: fmt.Sprintf("[unhandled:%s]", f.Dso.Type)}), mapIdx
	}

	symIdx = a.symbolize(pid, f.Dso, f.IP)

	if f.Base {
		a.caches.storeBase(pid, symIdx)
	}

	return symIdx, mapIdx
}

// mappingIndex implements cache (iii), dso → mapping index.
func (a *Aggregator) mappingIndex(dso *procmap.Dso) int {
	key := dsoMappingKey{Low: dso.Start, High: dso.End, File: dso.Filename}
	if idx, ok := a.caches.lookupDsoMapping(key); ok {
		return idx
	}
	idx := a.mappings.Intern(Mapping{Low: dso.Start, High: dso.End, File: dso.Filename})
	a.caches.storeDsoMapping(key, idx)
	return idx
}

// symbolize implements the dwarf-cache / dso-cache fallback chain from
// spec.md §4.5 steps 1-3.
func (a *Aggregator) symbolize(pid int, dso *procmap.Dso, pc uint64) int {
	dwKey := dwarfAddrKey{ModuleLow: dso.Start, PC: pc, Pid: pid}
	if idx, ok := a.caches.lookupDwarfAddr(dwKey); ok {
		if a.validate {
			a.crossCheck(pid, dso, pc, idx)
		}
		return idx
	}

	if dso.Errored() {
		return a.dsoFallback(dso, pc)
	}

	info, err := a.sym.Symbolize(dso, pid, pc)
	if err != nil {
		a.mu.Lock()
		a.stats.SymbolisationErrors++
		a.mu.Unlock()
		return a.dsoFallback(dso, pc)
	}

	idx := a.symbols.Intern(Symbol{
		AddressOffset: info.Offset,
		DemangledName: demangle(info.MangledName),
		SourcePath:    info.Source,
		Line:          info.Line,
		MappingFile:   dso.Filename,
	})
	a.caches.storeDwarfAddr(dwKey, idx)
	return idx
}

// dsoFallback implements step 3: a synthetic address-only symbol when no
// module exists or symbolisation failed.
func (a *Aggregator) dsoFallback(dso *procmap.Dso, pc uint64) int {
	offset := pc - dso.Start + dso.Pgoff
	key := dsoSymbolKey{Filename: dso.Filename, Offset: offset}
	if idx, ok := a.caches.lookupDsoSymbol(key); ok {
		return idx
	}
	idx := a.symbols.Intern(Symbol{AddressOffset: offset, MappingFile: dso.Filename})
	a.caches.storeDsoSymbol(key, idx)
	return idx
}

// crossCheck re-symbolises via DWARF and compares against the cached
// symbol, counting a mismatch as a validation error per spec.md §4.5's
// "Validation mode" and §8's testable property.
func (a *Aggregator) crossCheck(pid int, dso *procmap.Dso, pc uint64, cachedIdx int) {
	fresh, err := a.sym.Symbolize(dso, pid, pc)
	if err != nil {
		return
	}
	cached := a.symbols.Get(cachedIdx)
	if cached.DemangledName != demangle(fresh.MangledName) || cached.Line != fresh.Line {
		a.mu.Lock()
		a.stats.ValidationMismatches++
		a.mu.Unlock()
		a.logger.Warn("aggregate: cache validation mismatch",
			slog.Uint64("pc", pc), slog.String("file", dso.Filename))
	}
}

// demangle is a placeholder for C++/Rust name demangling; DWARF DW_AT_name
// on most compiled-with-debug-info binaries is already a source-level
// name, so this is an identity transform kept as a named seam for a future
// real demangler (e.g. Itanium C++ ABI) without touching call sites.
func demangle(name string) string {
	return name
}

// Flip implements the double-buffered export from spec.md §4.5: it joins
// any export still in flight (bounded by the timeout below), atomically swaps the
// active document index, and dispatches the previously active document to
// exportFn on a helper goroutine.
//
// The bound is max(1s, 60s - uploadPeriod) per spec.md §4.5; timing out
// the join is itself a fatal error for the worker.
func (a *Aggregator) Flip(ctx context.Context, uploadPeriod time.Duration) *perr.Error {
	if err := a.joinPreviousExport(uploadPeriod); err != nil {
		return err
	}

	prevIdx := atomic.LoadInt32(&a.current)
	newIdx := 1 - prevIdx
	atomic.StoreInt32(&a.current, newIdx)

	doc := a.docs[prevIdx]
	prof, convErr := a.toPprof(doc)
	doc.reset()

	done := make(chan error, 1)
	a.exportDone = done
	go func() {
		if convErr != nil {
			done <- convErr
			return
		}
		done <- a.exportFn(ctx, prof)
	}()

	return nil
}

func (a *Aggregator) joinPreviousExport(uploadPeriod time.Duration) *perr.Error {
	if a.exportDone == nil {
		return nil
	}
	timeout := 60*time.Second - uploadPeriod
	if timeout < time.Second {
		timeout = time.Second
	}

	select {
	case err := <-a.exportDone:
		a.exportDone = nil
		if err != nil {
			return perr.Fatalf("aggregate", perr.KindExport, "export failed: %v", err)
		}
		return nil
	case <-time.After(timeout):
		return perr.Fatalf("aggregate", perr.KindExport, "export did not complete within %s", timeout)
	}
}

// toPprof converts an internal ProfileDoc plus the shared interning
// tables into a google/pprof/profile.Profile, the out-of-scope wire
// format this profiler hands to the exporter (spec.md §1, §6).
func (a *Aggregator) toPprof(doc *ProfileDoc) (*profile.Profile, error) {
	prof := &profile.Profile{
		TimeNanos:     0,
		DurationNanos: 0,
		Period:        doc.Period,
		PeriodType:    &profile.ValueType{Type: doc.PeriodType.Type, Unit: doc.PeriodType.Unit},
	}
	for _, vt := range doc.ValueTypes {
		prof.SampleType = append(prof.SampleType, &profile.ValueType{Type: vt.Type, Unit: vt.Unit})
	}

	mappingByIdx := make(map[int]*profile.Mapping, a.mappings.Len())
	for i := 0; i < a.mappings.Len(); i++ {
		m := a.mappings.Get(i)
		pm := &profile.Mapping{ID: uint64(i + 1), Start: m.Low, Limit: m.High, File: m.File}
		prof.Mapping = append(prof.Mapping, pm)
		mappingByIdx[i] = pm
	}

	functionByName := make(map[string]*profile.Function)
	locByID := make(map[int]*profile.Location, a.locations.Len())
	for id := 1; id <= a.locations.Len(); id++ {
		loc := a.locations.Get(id)
		sym := a.symbols.Get(loc.SymbolIdx)

		fn, ok := functionByName[sym.DemangledName]
		if !ok {
			fn = &profile.Function{
				ID:       uint64(len(prof.Function) + 1),
				Name:     sym.DemangledName,
				Filename: sym.SourcePath,
			}
			functionByName[sym.DemangledName] = fn
			prof.Function = append(prof.Function, fn)
		}

		pl := &profile.Location{
			ID:      uint64(id),
			Address: loc.Address,
			Line:    []profile.Line{{Function: fn, Line: int64(sym.Line)}},
		}
		if loc.MappingIdx >= 0 {
			pl.Mapping = mappingByIdx[loc.MappingIdx]
		}
		prof.Location = append(prof.Location, pl)
		locByID[id] = pl
	}

	for _, s := range doc.Samples {
		ps := &profile.Sample{Value: s.Values}
		for _, id := range s.LocationIDs {
			if pl, ok := locByID[id]; ok {
				ps.Location = append(ps.Location, pl)
			}
		}
		prof.Sample = append(prof.Sample, ps)
	}

	return prof, nil
}
