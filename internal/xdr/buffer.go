package xdr

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// minSegmentSize is the size of the first segment allocated for a growable
// Buffer, and the minimum size of every segment appended afterward. Real
// traffic is dominated by small control messages (RPC headers, NFS
// attribute replies), so a 4KiB first segment avoids over-allocating for
// the common case while still amortizing growth for bulk transfers.
const minSegmentSize = 4096

// Buffer is a growable, segmented byte buffer with independent read and
// write cursors and an implicit big-endian byte order, per the C1 byte
// buffer design: read cursor <= write cursor <= capacity at all times.
//
// Growth is implemented as a rope of segments rather than a single
// reallocated slice: EnsureCapacity appends a new segment at least as large
// as the buffer's current total capacity (so the total at least doubles)
// instead of copying the bytes already written. This keeps a single in-flight RPC message
// from pinning a large contiguous allocation once drained, and avoids the
// copy-on-grow cost a flat []byte would pay on every doubling.
//
// A Buffer is owned by exactly one Encoder or Decoder for the lifetime of
// one encode or decode operation and is never shared across goroutines.
type Buffer struct {
	segments [][]byte
	segSize  int

	// capacity is the sum of len(segments[i]) for all segments, i.e. the
	// total number of bytes currently allocated for writing.
	capacity int

	// readerIndex and writerIndex are absolute offsets into the logical
	// (concatenated) byte stream formed by segments.
	readerIndex int
	writerIndex int

	// growable is false for buffers created with a fixed ceiling (e.g. a
	// single UDP datagram); writes past capacity then return ErrOverflow
	// instead of allocating a new segment.
	growable bool
}

// NewBuffer creates an empty growable Buffer. The first segment is sized to
// at least minSegmentSize, or initialCapacity if larger.
func NewBuffer(initialCapacity int) *Buffer {
	if initialCapacity < minSegmentSize {
		initialCapacity = minSegmentSize
	}
	return &Buffer{
		segments: [][]byte{make([]byte, initialCapacity)},
		segSize:  initialCapacity,
		capacity: initialCapacity,
		growable: true,
	}
}

// newBufferWithSegmentSize creates a growable Buffer whose first segment is
// exactly segSize bytes, bypassing the minSegmentSize floor NewBuffer
// enforces. Used by tests that need to observe growth behavior without
// writing megabytes of data first.
func newBufferWithSegmentSize(segSize int) *Buffer {
	return &Buffer{
		segments: [][]byte{make([]byte, segSize)},
		segSize:  segSize,
		capacity: segSize,
		growable: true,
	}
}

// NewFixedBuffer creates a non-growable Buffer backed by a single segment of
// exactly capacity bytes, for an encoding that must never exceed a known
// size; a write past capacity returns ErrOverflow.
func NewFixedBuffer(capacity int) *Buffer {
	return &Buffer{
		segments: [][]byte{make([]byte, capacity)},
		segSize:  capacity,
		capacity: capacity,
		growable: false,
	}
}

// WrapBuffer creates a non-growable Buffer over an existing byte slice,
// with the write cursor positioned at the end (i.e. the whole slice is
// treated as already-written data ready to decode). Used to hand a fully
// assembled TCP record or UDP datagram to a Decoder without copying.
func WrapBuffer(data []byte) *Buffer {
	return &Buffer{
		segments:    [][]byte{data},
		segSize:     len(data),
		capacity:    len(data),
		writerIndex: len(data),
		growable:    false,
	}
}

// Remaining returns the number of unread bytes between the read cursor and
// the write cursor.
func (b *Buffer) Remaining() int {
	return b.writerIndex - b.readerIndex
}

// Position returns the current read cursor, i.e. how many bytes have
// already been consumed by Get* calls.
func (b *Buffer) Position() int {
	return b.readerIndex
}

// WritePosition returns the current write cursor, i.e. how many logical
// bytes have been written so far.
func (b *Buffer) WritePosition() int {
	return b.writerIndex
}

// Capacity returns the total number of bytes currently allocated across all
// segments, growable buffers included.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Flip resets the read cursor to the start of the buffer without disturbing
// the write cursor or the bytes already written, making a just-encoded
// buffer ready to decode: everything written becomes readable from byte 0.
func (b *Buffer) Flip() {
	b.readerIndex = 0
}

// Reset clears both cursors, logically emptying the buffer while retaining
// its allocated segments for reuse.
func (b *Buffer) Reset() {
	b.readerIndex = 0
	b.writerIndex = 0
}

// EnsureCapacity guarantees that at least n more bytes can be written after
// the current write cursor without a subsequent call failing. For a
// growable Buffer this appends one new segment at least as large as the
// buffer's total capacity, at least minSegmentSize, and large enough for
// the n bytes; for a non-growable
// Buffer it returns ErrOverflow if the request cannot be satisfied from the
// remaining capacity.
func (b *Buffer) EnsureCapacity(n int) error {
	available := b.capacity - b.writerIndex
	if available >= n {
		return nil
	}
	if !b.growable {
		return fmt.Errorf("%w: need %d more bytes, only %d available of %d capacity",
			ErrOverflow, n, available, b.capacity)
	}

	needed := n - available
	// At least double the existing capacity, per the C1 growth invariant,
	// but never allocate a segment smaller than minSegmentSize.
	growBy := b.capacity
	if growBy < minSegmentSize {
		growBy = minSegmentSize
	}
	if growBy < needed {
		growBy = 1 << bits.Len(uint(needed)) // next power of two >= needed
	}

	b.segments = append(b.segments, make([]byte, growBy))
	b.capacity += growBy
	return nil
}

// segmentFor returns the segment index and in-segment offset for an
// absolute logical offset. Segment sizes vary (first segment is
// minSegmentSize or the requested initial capacity; later segments double),
// so this walks the segment list rather than doing constant-size division.
func (b *Buffer) segmentFor(offset int) (segIdx int, segOff int) {
	for i, seg := range b.segments {
		if offset < len(seg) {
			return i, offset
		}
		offset -= len(seg)
	}
	// Offset is exactly at the end of the last segment (valid for a
	// zero-length read/write at EOF).
	last := len(b.segments) - 1
	return last, len(b.segments[last])
}

// putBytes writes data at the current write cursor, growing the buffer as
// needed, and advances the write cursor. It may split data across a segment
// boundary.
func (b *Buffer) putBytes(data []byte) error {
	if err := b.EnsureCapacity(len(data)); err != nil {
		return err
	}
	offset := b.writerIndex
	remaining := data
	for len(remaining) > 0 {
		segIdx, segOff := b.segmentFor(offset)
		seg := b.segments[segIdx]
		n := copy(seg[segOff:], remaining)
		remaining = remaining[n:]
		offset += n
	}
	b.writerIndex += len(data)
	return nil
}

// getBytes reads n bytes from the current read cursor and advances it,
// returning ErrUnderflow if fewer than n bytes remain. The returned slice
// is a fresh copy; callers that decode into a composite type own it
// exclusively.
func (b *Buffer) getBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrUnderflow, n)
	}
	if b.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, %d remaining", ErrUnderflow, n, b.Remaining())
	}
	out := make([]byte, n)
	offset := b.readerIndex
	remaining := out
	for len(remaining) > 0 {
		segIdx, segOff := b.segmentFor(offset)
		seg := b.segments[segIdx]
		c := copy(remaining, seg[segOff:])
		remaining = remaining[c:]
		offset += c
	}
	b.readerIndex += n
	return out, nil
}

// PutU32 writes a big-endian uint32 at the write cursor.
func (b *Buffer) PutU32(v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return b.putBytes(tmp[:])
}

// PutI32 writes a big-endian int32 at the write cursor.
func (b *Buffer) PutI32(v int32) error {
	return b.PutU32(uint32(v))
}

// PutU64 writes a big-endian uint64 (XDR hyper) at the write cursor.
func (b *Buffer) PutU64(v uint64) error {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return b.putBytes(tmp[:])
}

// PutI64 writes a big-endian int64 (XDR hyper) at the write cursor.
func (b *Buffer) PutI64(v int64) error {
	return b.PutU64(uint64(v))
}

// PutBytes writes raw bytes verbatim at the write cursor, without length
// prefix or padding -- callers composing opaque/string encodings add those
// separately (see Encoder).
func (b *Buffer) PutBytes(data []byte) error {
	return b.putBytes(data)
}

// GetU32 reads a big-endian uint32 from the read cursor.
func (b *Buffer) GetU32() (uint32, error) {
	data, err := b.getBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data), nil
}

// GetI32 reads a big-endian int32 from the read cursor.
func (b *Buffer) GetI32() (int32, error) {
	v, err := b.GetU32()
	return int32(v), err
}

// GetU64 reads a big-endian uint64 (XDR hyper) from the read cursor.
func (b *Buffer) GetU64() (uint64, error) {
	data, err := b.getBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

// GetI64 reads a big-endian int64 (XDR hyper) from the read cursor.
func (b *Buffer) GetI64() (int64, error) {
	v, err := b.GetU64()
	return int64(v), err
}

// GetBytes reads n raw bytes from the read cursor.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	return b.getBytes(n)
}

// Bytes returns the logical byte contents from offset 0 through the write
// cursor as a single contiguous slice, copying across segment boundaries if
// necessary. Used when handing a fully encoded buffer to a transport
// writer or framer.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.writerIndex)
	offset := 0
	remaining := b.writerIndex
	for _, seg := range b.segments {
		if remaining <= 0 {
			break
		}
		n := len(seg)
		if n > remaining {
			n = remaining
		}
		copy(out[offset:], seg[:n])
		offset += n
		remaining -= n
	}
	return out
}
