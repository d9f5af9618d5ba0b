package ringbuf

import (
	"bytes"
	"sync/atomic"
	"testing"
	"unsafe"
)

// fakeRing builds a Ring over a plain byte slice, standing in for the
// kernel's mmap'd region, so the consumer-side logic can be exercised
// without perf_event_open.
func fakeRing(t *testing.T, dataSize int) (*Ring, *MmapPage, []byte) {
	t.Helper()
	meta := &MmapPage{}
	data := make([]byte, dataSize)
	r, err := newRing(meta, data, nil)
	if err != nil {
		t.Fatalf("newRing: %v", err)
	}
	return r, meta, data
}

// writeRecord writes one record (header + payload) into data at byte offset
// off&mask, wrapping as needed, and returns the new head value.
func writeRecord(data []byte, mask uint64, head uint64, recType uint32, payload []byte) uint64 {
	size := uint16(headerSize + len(payload))
	hdr := Header{Type: recType, Size: size}

	writeAt := func(pos uint64, b []byte) {
		off := pos & mask
		if off+uint64(len(b)) <= uint64(len(data)) {
			copy(data[off:], b)
			return
		}
		first := uint64(len(data)) - off
		copy(data[off:], b[:first])
		copy(data[0:], b[first:])
	}

	hdrBytes := make([]byte, headerSize)
	*(*Header)(unsafe.Pointer(&hdrBytes[0])) = hdr
	writeAt(head, hdrBytes)
	writeAt(head+headerSize, payload)

	return head + uint64(size)
}

func TestDrainOneEnqueueOrder(t *testing.T) {
	r, meta, data := fakeRing(t, 4096)

	var head uint64
	payloads := [][]byte{
		bytes.Repeat([]byte{0x11}, 16),
		bytes.Repeat([]byte{0x22}, 8),
		bytes.Repeat([]byte{0x33}, 40),
	}
	for _, p := range payloads {
		head = writeRecord(data, r.mask, head, RecordSample, p)
	}
	atomic.StoreUint64(&meta.DataHead, head)

	for i, want := range payloads {
		rec, err := r.DrainOne()
		if err != nil {
			t.Fatalf("DrainOne[%d]: %v", i, err)
		}
		if rec == nil {
			t.Fatalf("DrainOne[%d]: got nil record, want payload", i)
		}
		if !bytes.Equal(rec.Payload, want) {
			t.Fatalf("DrainOne[%d]: payload = %x, want %x", i, rec.Payload, want)
		}
		if rec.Header.Type != RecordSample {
			t.Fatalf("DrainOne[%d]: type = %d, want RecordSample", i, rec.Header.Type)
		}
	}

	rec, err := r.DrainOne()
	if err != nil {
		t.Fatalf("DrainOne on empty ring: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record on empty ring, got %+v", rec)
	}

	if got := atomic.LoadUint64(&meta.DataTail); got != head {
		t.Fatalf("DataTail = %d, want %d (== head after full drain)", got, head)
	}
}

func TestDrainOneWraparound(t *testing.T) {
	r, meta, data := fakeRing(t, 64)

	// Place the producer's head near the end of the ring so the next record
	// straddles the wrap boundary.
	payload := bytes.Repeat([]byte{0xAB}, 48)
	start := uint64(len(data)) - 4
	atomic.StoreUint64(&meta.DataTail, start)

	end := writeRecord(data, r.mask, start, RecordSample, payload)
	atomic.StoreUint64(&meta.DataHead, end)
	atomic.StoreUint64(&meta.DataTail, start)

	rec, err := r.DrainOne()
	if err != nil {
		t.Fatalf("DrainOne: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a record")
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Fatalf("wrapped payload mismatch:\ngot  %x\nwant %x", rec.Payload, payload)
	}
}

func TestDrainOneDetectsCorruption(t *testing.T) {
	r, meta, _ := fakeRing(t, 4096)
	atomic.StoreUint64(&meta.DataTail, 100)
	atomic.StoreUint64(&meta.DataHead, 50) // head before tail: impossible

	if _, err := r.DrainOne(); err == nil {
		t.Fatalf("expected ring corruption error when head < tail")
	}
}

func TestBytesAvailable(t *testing.T) {
	r, meta, _ := fakeRing(t, 4096)
	atomic.StoreUint64(&meta.DataTail, 10)
	atomic.StoreUint64(&meta.DataHead, 42)

	if got := r.BytesAvailable(); got != 32 {
		t.Fatalf("BytesAvailable = %d, want 32", got)
	}
}
