// Package aggregate implements the symbol & aggregation cache (C5): it
// canonicalises unwound frames into interned identifiers, folds them into
// a growing profile document, and double-buffers that document for
// asynchronous export, per spec.md §3 and §4.5.
package aggregate

import "sync"

// Symbol is one entry of the append-only symbol table, referenced
// everywhere by its small integer index.
type Symbol struct {
	AddressOffset uint64
	DemangledName string
	SourcePath    string
	Line          int
	MappingFile   string
}

// SymbolTable is the append-only, interning symbol store from spec.md §3:
// "Symbols and mapping entries are created on first symbolisation; they
// are never individually freed."
type SymbolTable struct {
	mu      sync.Mutex
	symbols []Symbol
	index   map[Symbol]int
}

// NewSymbolTable builds an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{index: make(map[Symbol]int)}
}

// Intern returns s's stable index, inserting it if this is the first
// occurrence. Two inserts of an equal Symbol value yield equal indices.
func (t *SymbolTable) Intern(s Symbol) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.index[s]; ok {
		return idx
	}
	idx := len(t.symbols)
	t.symbols = append(t.symbols, s)
	t.index[s] = idx
	return idx
}

// Get returns the symbol at idx.
func (t *SymbolTable) Get(idx int) Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbols[idx]
}

// Len reports how many symbols are interned.
func (t *SymbolTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.symbols)
}

// Reset clears the table as a whole; called when a worker is recycled, not
// on any individual symbol's lifecycle (spec.md §3).
func (t *SymbolTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols = nil
	t.index = make(map[Symbol]int)
}

// Mapping is one entry of the append-only mapping table.
type Mapping struct {
	Low  uint64
	High uint64
	File string
}

// MappingTable interns Mapping values the same way SymbolTable interns
// Symbol values.
type MappingTable struct {
	mu       sync.Mutex
	mappings []Mapping
	index    map[Mapping]int
}

// NewMappingTable builds an empty table.
func NewMappingTable() *MappingTable {
	return &MappingTable{index: make(map[Mapping]int)}
}

// Intern returns m's stable index, inserting it if new.
func (t *MappingTable) Intern(m Mapping) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.index[m]; ok {
		return idx
	}
	idx := len(t.mappings)
	t.mappings = append(t.mappings, m)
	t.index[m] = idx
	return idx
}

// Get returns the mapping at idx.
func (t *MappingTable) Get(idx int) Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mappings[idx]
}

// Len reports how many mappings are interned.
func (t *MappingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mappings)
}

// Reset clears the table as a whole.
func (t *MappingTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = nil
	t.index = make(map[Mapping]int)
}

// Location is one (address, symbol, mapping) triple, itself interned so
// repeated samples through the same call site share one location id — the
// shape google/pprof/profile.Location expects at export time.
type Location struct {
	Address    uint64
	SymbolIdx  int
	MappingIdx int
}

// LocationTable interns Location values.
type LocationTable struct {
	mu        sync.Mutex
	locations []Location
	index     map[Location]int
}

// NewLocationTable builds an empty table.
func NewLocationTable() *LocationTable {
	return &LocationTable{index: make(map[Location]int)}
}

// Intern returns l's stable index, 1-based to match pprof's location-id
// convention (0 is never a valid id).
func (t *LocationTable) Intern(l Location) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.index[l]; ok {
		return idx
	}
	idx := len(t.locations) + 1
	t.locations = append(t.locations, l)
	t.index[l] = idx
	return idx
}

// Get returns the location with the given 1-based id.
func (t *LocationTable) Get(id int) Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locations[id-1]
}

// Len reports how many locations are interned.
func (t *LocationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locations)
}

// Reset clears the table as a whole.
func (t *LocationTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locations = nil
	t.index = make(map[Location]int)
}
