package aggregate

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sync"

	"github.com/ddtrace/cpuprof/internal/procmap"
)

// SymbolInfo is what a Symbolizer resolves one program counter to: an
// offset into its module, a mangled function name, and source location.
type SymbolInfo struct {
	Offset      uint64
	MangledName string
	Line        int
	Source      string
}

// Symbolizer resolves a (dso, pc) pair to DWARF debug info. The production
// implementation is DwarfSymbolizer; tests substitute a stub.
type Symbolizer interface {
	Symbolize(dso *procmap.Dso, pid int, pc uint64) (SymbolInfo, error)
}

// moduleDebugInfo is the parsed DWARF line/function data for one on-disk
// file, cached so repeated symbolisation of the same module doesn't
// reopen and reparse its ELF/DWARF sections.
type moduleDebugInfo struct {
	data *dwarf.Data
	err  error
}

// DwarfSymbolizer resolves program counters against the DWARF debug_info
// and debug_line sections of each target's loaded binaries, read through
// /proc/<pid>/root/<file> so symbolisation works against the target's
// mount namespace. There is no third-party ELF/DWARF line-table reader in
// the example pack beyond the CFI-only go-delve/frame parser C4 uses, so
// this is built on the standard library's debug/dwarf and debug/elf.
type DwarfSymbolizer struct {
	mu      sync.Mutex
	modules map[string]*moduleDebugInfo
}

// NewDwarfSymbolizer builds an empty, lazily-populated symbolizer.
func NewDwarfSymbolizer() *DwarfSymbolizer {
	return &DwarfSymbolizer{modules: make(map[string]*moduleDebugInfo)}
}

func (s *DwarfSymbolizer) module(pid int, file string) (*dwarf.Data, error) {
	s.mu.Lock()
	if m, ok := s.modules[file]; ok {
		s.mu.Unlock()
		return m.data, m.err
	}
	s.mu.Unlock()

	path := fmt.Sprintf("/proc/%d/root%s", pid, file)
	obj, err := elf.Open(path)
	if err != nil {
		m := &moduleDebugInfo{err: fmt.Errorf("open elf %s: %w", path, err)}
		s.mu.Lock()
		s.modules[file] = m
		s.mu.Unlock()
		return nil, m.err
	}
	defer obj.Close()

	data, err := obj.DWARF()
	if err != nil {
		err = fmt.Errorf("%s: read dwarf: %w", path, err)
	}

	m := &moduleDebugInfo{data: data, err: err}
	s.mu.Lock()
	s.modules[file] = m
	s.mu.Unlock()
	return data, err
}

// Symbolize resolves pc (a virtual address in pid's address space) against
// file's DWARF info: it converts pc to a file offset with
// pc - dso.Start + dso.Pgoff, then walks the subprogram entries and line
// tables to find the covering function and source line.
func (s *DwarfSymbolizer) Symbolize(dso *procmap.Dso, pid int, pc uint64) (SymbolInfo, error) {
	data, err := s.module(pid, dso.Filename)
	if err != nil {
		return SymbolInfo{}, err
	}

	fileOffset := pc - dso.Start + dso.Pgoff

	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return SymbolInfo{}, fmt.Errorf("%s: dwarf entry iteration: %w", dso.Filename, err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		low, lowOK := entry.Val(dwarf.AttrLowpc).(uint64)
		high, highOK := attrHighpc(entry)
		if !lowOK || !highOK {
			continue
		}
		if fileOffset < low || fileOffset >= high {
			continue
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		line, source := s.lineFor(data, entry, fileOffset)
		return SymbolInfo{
			Offset:      fileOffset,
			MangledName: name,
			Line:        line,
			Source:      source,
		}, nil
	}

	return SymbolInfo{}, fmt.Errorf("%s: no subprogram covers offset %#x", dso.Filename, fileOffset)
}

// attrHighpc returns the subprogram's high PC, which DWARF encodes either
// as an absolute address or (more commonly in modern compilers) an offset
// from low PC.
func attrHighpc(entry *dwarf.Entry) (uint64, bool) {
	low, lowOK := entry.Val(dwarf.AttrLowpc).(uint64)
	switch h := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if lowOK && h < low {
			return low + h, true
		}
		return h, true
	case int64:
		if !lowOK {
			return 0, false
		}
		return low + uint64(h), true
	default:
		return 0, false
	}
}

// lineFor walks the compile unit's line table to find the source file and
// line covering fileOffset. Failure is non-fatal: it returns line 0 and an
// empty source path, and Symbolize still returns the named function.
func (s *DwarfSymbolizer) lineFor(data *dwarf.Data, fnEntry *dwarf.Entry, fileOffset uint64) (int, string) {
	// debug/dwarf only exposes a LineReader per compile-unit entry, so find
	// the subprogram's enclosing TagCompileUnit by re-scanning from the top.
	r := data.Reader()
	var lastCU *dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit {
			lastCU = e
		}
		if e.Offset == fnEntry.Offset {
			break
		}
	}
	if lastCU == nil {
		return 0, ""
	}

	lr, err := data.LineReader(lastCU)
	if err != nil || lr == nil {
		return 0, ""
	}

	var entry dwarf.LineEntry
	var bestLine int
	var bestFile string
	for {
		if err := lr.Next(&entry); err != nil {
			break
		}
		if entry.Address > fileOffset {
			continue
		}
		bestLine = entry.Line
		if entry.File != nil {
			bestFile = entry.File.Name
		}
	}
	return bestLine, bestFile
}
