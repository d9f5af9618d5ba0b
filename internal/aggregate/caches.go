package aggregate

import "sync"

// dwarfAddrKey is cache (i) from spec.md §3: DWARF address → symbol index,
// keyed by (module_low_addr, program_counter, pid).
type dwarfAddrKey struct {
	ModuleLow uint64
	PC        uint64
	Pid       int
}

// dsoSymbolKey is cache (ii): dso → symbol index, for frames that could
// not be symbolised against DWARF (synthetic address-only symbols).
type dsoSymbolKey struct {
	Filename string
	Offset   uint64
}

// dsoMappingKey is cache (iii): dso → mapping index.
type dsoMappingKey struct {
	Low  uint64
	High uint64
	File string
}

// unwindCaches bundles the four specialised C5 caches from spec.md §3.
// ClearPid invalidates the pid-keyed ones, (i) and (iv); caches (ii) and
// (iii) are keyed by file and address range, not pid, and are not cleared.
type unwindCaches struct {
	mu sync.Mutex

	dwarfAddr map[dwarfAddrKey]int
	dsoSymbol map[dsoSymbolKey]int
	dsoMap    map[dsoMappingKey]int
	base      map[int]int // (iv) pid → top-of-stack base symbol index
}

func newUnwindCaches() *unwindCaches {
	return &unwindCaches{
		dwarfAddr: make(map[dwarfAddrKey]int),
		dsoSymbol: make(map[dsoSymbolKey]int),
		dsoMap:    make(map[dsoMappingKey]int),
		base:      make(map[int]int),
	}
}

func (c *unwindCaches) lookupDwarfAddr(k dwarfAddrKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.dwarfAddr[k]
	return idx, ok
}

func (c *unwindCaches) storeDwarfAddr(k dwarfAddrKey, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dwarfAddr[k] = idx
}

func (c *unwindCaches) lookupDsoSymbol(k dsoSymbolKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.dsoSymbol[k]
	return idx, ok
}

func (c *unwindCaches) storeDsoSymbol(k dsoSymbolKey, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dsoSymbol[k] = idx
}

func (c *unwindCaches) lookupDsoMapping(k dsoMappingKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.dsoMap[k]
	return idx, ok
}

func (c *unwindCaches) storeDsoMapping(k dsoMappingKey, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dsoMap[k] = idx
}

func (c *unwindCaches) lookupBase(pid int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.base[pid]
	return idx, ok
}

func (c *unwindCaches) storeBase(pid, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base[pid] = idx
}

// ClearPid drops pid's entries from the DWARF-address cache (i) and the
// base cache (iv). The dso-symbol (ii) and dso-mapping (iii) caches are left
// untouched.
func (c *unwindCaches) ClearPid(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.dwarfAddr {
		if k.Pid == pid {
			delete(c.dwarfAddr, k)
		}
	}
	delete(c.base, pid)
}
