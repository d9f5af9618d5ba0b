// Package ringbuf implements the consumer side of the kernel's
// perf_event_mmap_page ring-buffer ABI: one memory-mapped meta page
// (head/tail counters) followed by a power-of-two data region, as published
// by perf_event_open(2) per-(watcher, cpu) file descriptor.
package ringbuf

import (
	"sync/atomic"
	"unsafe"

	"github.com/ddtrace/cpuprof/internal/perr"
)

// Record kinds from the kernel's perf_event_type enum (linux/perf_event.h).
// Never renumber; these are the wire values.
const (
	RecordMmap    uint32 = 1
	RecordLost    uint32 = 2
	RecordComm    uint32 = 3
	RecordExit    uint32 = 4
	RecordFork    uint32 = 7
	RecordSample  uint32 = 9
)

// CommMiscExec is the bit in Header.Misc that marks a COMM record as having
// been generated by an exec(2), as opposed to a plain thread rename.
const CommMiscExec uint16 = 1 << 13

// Header is the fixed-size record header every perf ring entry begins with.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

const headerSize = 8 // sizeof(Header), matches perf_event_header

// MmapPage mirrors struct perf_event_mmap_page, the shared meta page at
// offset 0 of the mmap'd region. Only the fields the reader needs are named;
// the rest of the kernel's layout is absorbed into padding so the struct's
// size and field offsets match the real ABI when cast over a raw mmap.
type MmapPage struct {
	Version       uint32
	CompatVersion uint32
	Lock          uint32
	Index         uint32
	Offset        int64
	TimeEnabled   uint64
	TimeRunning   uint64
	Capabilities  uint64
	PmcWidth      uint16
	TimeShift     uint16
	TimeMult      uint32
	TimeOffset    uint64
	TimeZero      uint64
	Size          uint32
	_             [948]byte // pad to the 1024-byte boundary where Data_head begins
	DataHead      uint64
	DataTail      uint64
	DataOffset    uint64
	DataSize      uint64
	AuxHead       uint64
	AuxTail       uint64
	AuxOffset     uint64
	AuxSize       uint64
}

// Record is one linearised ring entry: the header plus a contiguous copy (or
// zero-copy borrow, for non-wrapping records) of its payload.
type Record struct {
	Header  Header
	Payload []byte
}

// Ring is one perf_event ring region: the meta page plus its data area. A
// Ring does not own the underlying mmap; Close is provided by whatever
// opened it (see ringbuf_linux.go's OpenRing).
type Ring struct {
	meta    *MmapPage
	data    []byte
	mask    uint64
	scratch []byte

	// WatcherPos identifies which watcher this ring belongs to, and CPU which
	// core it was opened on; both are set by OpenRing.
	WatcherPos int
	CPU        int

	closer func() error
}

// maxRecordSize bounds the scratch buffer: header + max register set (34
// 8-byte registers on the richer of the two supported ISAs) + max stack copy
// + sample metadata. Conservative but fixed, matching the "scratch buffer
// sized regs_bytes + stack_bytes + sample_metadata" contract.
const maxRecordSize = headerSize + 34*8 + 65536 + 256

// newRing wraps an already-mmapped meta page and data region. dataSize must
// be a power of two; callers (ringbuf_linux.go) are responsible for mmapping
// with the correct PROT/MAP flags before calling this.
func newRing(meta *MmapPage, data []byte, closer func() error) (*Ring, error) {
	dataSize := uint64(len(data))
	if dataSize == 0 || dataSize&(dataSize-1) != 0 {
		return nil, perr.Fatalf("ringbuf", perr.KindRing, "data region size %d is not a power of two", dataSize)
	}
	return &Ring{
		meta:    meta,
		data:    data,
		mask:    dataSize - 1,
		scratch: make([]byte, maxRecordSize),
		closer:  closer,
	}, nil
}

// DrainOne performs the "non-blocking drain one available record" operation
// from the ring-reader contract: it loads head with acquire semantics,
// extracts the oldest unread record (copying into the ring's scratch buffer
// if the record straddles the wraparound point), advances tail with release
// semantics, and returns it. It reports (nil, nil) when the ring is empty.
func (r *Ring) DrainOne() (*Record, error) {
	// Read head first, with an acquire fence, before touching record bytes:
	// this is the barrier the kernel's producer side pairs with.
	head := atomic.LoadUint64(&r.meta.DataHead)
	tail := atomic.LoadUint64(&r.meta.DataTail)

	if head == tail {
		return nil, nil
	}

	if head < tail || head-tail > r.mask+1 {
		return nil, perr.Fatalf("ringbuf", perr.KindRing, "ring corruption: head=%d tail=%d mask=%d", head, tail, r.mask)
	}

	off := tail & r.mask
	if off+headerSize > uint64(len(r.data)) {
		// Header itself wraps; per-field reassembly via scratch copy.
		hdrBytes := r.copyWrapping(off, headerSize)
		hdr := *(*Header)(unsafe.Pointer(&hdrBytes[0]))
		return r.finishDrain(tail, off, hdr)
	}

	hdr := *(*Header)(unsafe.Pointer(&r.data[off]))
	return r.finishDrain(tail, off, hdr)
}

func (r *Ring) finishDrain(tail, off uint64, hdr Header) (*Record, error) {
	if hdr.Size < headerSize {
		return nil, perr.Fatalf("ringbuf", perr.KindRing, "record size %d smaller than header", hdr.Size)
	}
	payloadLen := uint64(hdr.Size) - headerSize
	payloadOff := (off + headerSize) & r.mask

	var payload []byte
	if payloadOff+payloadLen <= uint64(len(r.data)) {
		// Borrow: valid until the next call on this ring.
		payload = r.data[payloadOff : payloadOff+payloadLen]
	} else {
		payload = r.copyWrapping(payloadOff, payloadLen)
	}

	// Release-store: only after the record has been fully read do we let the
	// kernel reuse this space.
	atomic.StoreUint64(&r.meta.DataTail, tail+uint64(hdr.Size))

	return &Record{Header: hdr, Payload: payload}, nil
}

// copyWrapping copies n bytes starting at ring offset off into the ring's
// scratch buffer, handling the case where [off, off+n) straddles the end of
// the data region.
func (r *Ring) copyWrapping(off, n uint64) []byte {
	if n > uint64(len(r.scratch)) {
		r.scratch = make([]byte, n)
	}
	buf := r.scratch[:n]

	if off+n <= uint64(len(r.data)) {
		copy(buf, r.data[off:off+n])
		return buf
	}

	first := uint64(len(r.data)) - off
	copy(buf[:first], r.data[off:])
	copy(buf[first:], r.data[:n-first])
	return buf
}

// BytesAvailable reports how many unread bytes currently sit in the ring.
func (r *Ring) BytesAvailable() uint64 {
	head := atomic.LoadUint64(&r.meta.DataHead)
	tail := atomic.LoadUint64(&r.meta.DataTail)
	return head - tail
}

// Close releases the ring's underlying mmap, if any.
func (r *Ring) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
