package unwind

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/ddtrace/cpuprof/internal/perr"
)

type moduleKey struct {
	Pid  int
	File string
}

// moduleEntry is the cached result of registering one (pid, file) module
// with the DWARF walker: its parsed frame description entries, or the
// error that made registration fail.
type moduleEntry struct {
	fdes frame.FrameDescriptionEntries
	err  error
}

// moduleCache registers modules lazily and remembers per-pid whether
// registration ever failed. A failure flags the pid "inconsistent": per
// spec.md §4.4, subsequent samples for that pid are dropped until the next
// pid clear.
type moduleCache struct {
	mu            sync.Mutex
	modules       map[moduleKey]*moduleEntry
	inconsistent  map[int]bool
}

func newModuleCache() *moduleCache {
	return &moduleCache{
		modules:      make(map[moduleKey]*moduleEntry),
		inconsistent: make(map[int]bool),
	}
}

// IsInconsistent reports whether pid's DWARF walker state was flagged
// inconsistent by a prior registration failure.
func (c *moduleCache) IsInconsistent(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inconsistent[pid]
}

// ClearPid forgets a pid's inconsistent flag and its registered modules,
// called when procmap clears the pid on COMM-EXEC.
func (c *moduleCache) ClearPid(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inconsistent, pid)
	for k := range c.modules {
		if k.Pid == pid {
			delete(c.modules, k)
		}
	}
}

// register returns the cached FDEs for (pid, file), loading and parsing the
// ELF .eh_frame section via the root-fs-relative /proc/<pid>/root/<file>
// path on first use. loadAddr is the module's mapped base address, used as
// the FDE table's static base for PC-range computation.
func (c *moduleCache) register(pid int, file string, loadAddr uint64) (frame.FrameDescriptionEntries, *perr.Error) {
	key := moduleKey{Pid: pid, File: file}

	c.mu.Lock()
	if e, ok := c.modules[key]; ok {
		c.mu.Unlock()
		if e.err != nil {
			return nil, perr.Warnf("unwind", perr.KindUnwind, "module %s: %v", file, e.err)
		}
		return e.fdes, nil
	}
	c.mu.Unlock()

	fdes, err := parseEhFrame(pid, file, loadAddr)

	c.mu.Lock()
	c.modules[key] = &moduleEntry{fdes: fdes, err: err}
	if err != nil {
		c.inconsistent[pid] = true
	}
	c.mu.Unlock()

	if err != nil {
		return nil, perr.Warnf("unwind", perr.KindUnwind, "register module %s: %v", file, err)
	}
	return fdes, nil
}

func parseEhFrame(pid int, file string, loadAddr uint64) (frame.FrameDescriptionEntries, error) {
	path := procRootPath(pid, file)
	obj, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer obj.Close()

	sec := obj.Section(".eh_frame")
	if sec == nil {
		return nil, fmt.Errorf("%s: no .eh_frame section", path)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%s: read .eh_frame: %w", path, err)
	}

	fdes, err := frame.Parse(data, obj.ByteOrder, loadAddr, pointerSize(obj.Machine), sec.Addr)
	if err != nil {
		return nil, fmt.Errorf("%s: parse .eh_frame: %w", path, err)
	}
	return fdes, nil
}

func procRootPath(pid int, file string) string {
	return fmt.Sprintf("/proc/%d/root%s", pid, file)
}

func pointerSize(arch elf.Machine) int {
	switch arch {
	case elf.EM_386:
		return 4
	case elf.EM_AARCH64, elf.EM_X86_64:
		return 8
	default:
		return 8
	}
}

// findFDE returns the frame description entry covering pc, or nil.
func findFDE(fdes frame.FrameDescriptionEntries, pc uint64) *frame.FrameDescriptionEntry {
	for _, fde := range fdes {
		if pc >= fde.Begin() && pc < fde.End() {
			return fde
		}
	}
	return nil
}
