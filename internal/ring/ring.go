// Package ring implements the frame log ring buffer (C2): a fixed 4096-byte
// single-producer/single-consumer circular buffer holding length-tagged
// log records (internal/logrecord). The producer is the CAN receive
// interrupt path; the consumer is the main loop. Overwrite-on-overflow is
// rejected -- the producer drops the record instead -- and a record that
// does not fit contiguously before the physical end of the buffer is
// skipped past with zero-fill rather than split, per spec §3/§8/§9.
//
// The producer/consumer contract must survive interrupt semantics: the
// producer may be preempted at any instruction. The two position counters
// are atomic words with a single release-store on publish and a single
// acquire-load on read, exactly the design note in spec §9 calls for.
package ring

import (
	"sync/atomic"

	"github.com/canbadger/canbadger/internal/logrecord"
)

// DefaultCapacity is the buffer size mandated by spec §3.
const DefaultCapacity = 4096

// Ring is a fixed-capacity byte ring of length-tagged records.
type Ring struct {
	buf      []byte
	writePos atomic.Uint32 // monotonically increasing; index = writePos % cap
	readPos  atomic.Uint32

	dropped atomic.Uint64 // records dropped for lack of space (diagnostics only)
}

// New allocates a ring of the given capacity (spec: 4096).
func New(capacity int) *Ring {
	return &Ring{buf: make([]byte, capacity)}
}

func (r *Ring) cap() uint32 { return uint32(len(r.buf)) }

// Dropped returns the number of records the producer has skipped for lack
// of space since the ring was created.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// WriteRecord publishes an already-encoded record (internal/logrecord.
// Record.Marshal) into the ring. It is the ring's sole producer-facing
// entry point and is safe to call from an interrupt context: it performs
// no allocation and no blocking.
//
// Returns false if there was not enough free space for the record (and any
// zero-fill needed to avoid splitting it across the physical wraparound);
// the record is dropped entirely in that case, never partially written.
func (r *Ring) WriteRecord(record []byte) bool {
	n := uint32(len(record))
	capacity := r.cap()
	if n == 0 {
		return false
	}
	if n > capacity {
		r.dropped.Add(1)
		return false
	}

	writePos := r.writePos.Load()
	readPos := r.readPos.Load()
	free := capacity - (writePos - readPos)

	offset := writePos % capacity
	tailSpace := capacity - offset

	if tailSpace < n {
		// Record would straddle the physical end of the array. Pad the
		// remainder of the tail with zero bytes (the skip marker a reader
		// resynchronizes on) and restart the record at offset 0.
		if free < tailSpace+n {
			r.dropped.Add(1)
			return false
		}
		for i := uint32(0); i < tailSpace; i++ {
			r.buf[offset+i] = 0
		}
		copy(r.buf[0:n], record)
		r.writePos.Store(writePos + tailSpace + n) // release
		return true
	}

	if free < n {
		r.dropped.Add(1)
		return false
	}
	copy(r.buf[offset:offset+n], record)
	r.writePos.Store(writePos + n) // release
	return true
}

// ReadRecord returns the bytes of the next record (header + payload) if
// one is available, advancing the read position past it. It first
// advances past any run of zero skip bytes, per spec §3/§8.
//
// The returned slice aliases the ring's backing array and is only valid
// until the next call to ReadRecord; callers that need to retain it (e.g.
// internal/logrecord.Unmarshal keeps its own copies) should decode
// immediately.
func (r *Ring) ReadRecord() ([]byte, bool) {
	capacity := r.cap()
	readPos := r.readPos.Load() // acquire
	writePos := r.writePos.Load()

	// Skip zero filler bytes left by a wraparound.
	for readPos != writePos && r.buf[readPos%capacity] == 0 {
		readPos++
	}
	if readPos == writePos {
		r.readPos.Store(readPos)
		return nil, false
	}

	available := writePos - readPos
	const headerSize = logrecord.HeaderSize
	if available < headerSize {
		return nil, false
	}
	offset := readPos % capacity
	payloadLen := uint32(r.buf[offset+headerSize-1])
	total := headerSize + payloadLen
	if available < total {
		return nil, false
	}

	rec := r.buf[offset : offset+total]
	r.readPos.Store(readPos + total)
	return rec, true
}
