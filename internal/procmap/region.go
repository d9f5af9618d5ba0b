package procmap

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ddtrace/cpuprof/internal/perr"
)

// regionHolder is a reference-counted read-only mapping of a file range.
// Multiple Dsos sharing the same (path, offset, size, type) share one
// holder; ReadAt is how internal/unwind's memory_read callback ultimately
// reads bytes the ring's stack copy didn't cover.
type regionHolder struct {
	key   regionKey
	refs  int
	data  []byte
	file  *os.File
	bound bool // true once mmap succeeded; vdso/vsyscall holders never bind
}

// ReadAt copies up to len(buf) bytes starting at the given file-relative
// offset into buf, returning the number of bytes read.
func (h *regionHolder) ReadAt(buf []byte, off uint64) (int, error) {
	if !h.bound {
		return 0, perr.Warnf("procmap", perr.KindTracker, "region %s has no backing mapping", h.key.Path)
	}
	if off >= uint64(len(h.data)) {
		return 0, perr.Warnf("procmap", perr.KindTracker, "offset %#x beyond region size %d", off, len(h.data))
	}
	n := copy(buf, h.data[off:])
	return n, nil
}

// openRegion mmaps the file range described by key, read-only. vdso and
// vsyscall regions have no backing file (they're fixed kernel pages the
// unwinder resolves separately) and are returned unbound.
func openRegion(key regionKey) (*regionHolder, error) {
	if key.Type == TypeVdso || key.Type == TypeVsyscall || key.Path == "" {
		return &regionHolder{key: key}, nil
	}

	f, err := os.Open(key.Path)
	if err != nil {
		return nil, perr.Warnf("procmap", perr.KindTracker, "open %s: %v", key.Path, err)
	}

	size := key.Size
	if size == 0 {
		f.Close()
		return nil, perr.Warnf("procmap", perr.KindTracker, "region %s has zero size", key.Path)
	}

	data, err := unix.Mmap(int(f.Fd()), int64(key.Offset), int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, perr.Warnf("procmap", perr.KindTracker, "mmap %s @%#x+%d: %v", key.Path, key.Offset, size, err)
	}

	return &regionHolder{key: key, data: data, file: f, bound: true}, nil
}

func (h *regionHolder) close() {
	if h.bound {
		_ = unix.Munmap(h.data)
		_ = h.file.Close()
	}
}

// regionTable is the tracker's keyed, refcounted pool of open regions.
type regionTable struct {
	mu      sync.Mutex
	regions map[regionKey]*regionHolder
}

func newRegionTable() *regionTable {
	return &regionTable{regions: make(map[regionKey]*regionHolder)}
}

// acquire looks up or opens the region for key and increments its refcount.
func (rt *regionTable) acquire(key regionKey) (*regionHolder, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if h, ok := rt.regions[key]; ok {
		h.refs++
		return h, nil
	}

	h, err := openRegion(key)
	if err != nil {
		return nil, err
	}
	h.refs = 1
	rt.regions[key] = h
	return h, nil
}

// release drops a reference to the region for key, unmapping it once the
// last referrer is gone.
func (rt *regionTable) release(key regionKey) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	h, ok := rt.regions[key]
	if !ok {
		return
	}
	h.refs--
	if h.refs <= 0 {
		h.close()
		delete(rt.regions, key)
	}
}

// lookup returns the region for key without changing its refcount, for
// read-only access from the unwinder's memory_read path.
func (rt *regionTable) lookup(key regionKey) (*regionHolder, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h, ok := rt.regions[key]
	return h, ok
}
