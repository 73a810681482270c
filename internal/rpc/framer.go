package rpc

import (
	"encoding/binary"
	"fmt"
)

// lastFragmentBit marks the final fragment of a record in a TCP record
// marking header (RFC 5531 Appendix A): the high bit of the 4-byte header
// word, with the low 31 bits giving the fragment's length.
const lastFragmentBit uint32 = 1 << 31

// fragmentLengthMask isolates the length field of a record marking header.
const fragmentLengthMask uint32 = lastFragmentBit - 1

// frameState is the TCPFramer's position in the record-marking state
// machine: AWAIT_HEADER while accumulating the 4-byte fragment header,
// AWAIT_PAYLOAD while accumulating that fragment's declared length of
// payload. Delivery of a completed record (the former S2 DELIVER state)
// happens inline as a transition back to AWAIT_HEADER with the last-
// fragment bit set, rather than as a state of its own, since it performs no
// further byte consumption.
type frameState int

const (
	stateAwaitHeader frameState = iota
	stateAwaitPayload
)

// TCPFramer implements RFC 5531 Appendix A record marking over a byte
// stream of arbitrary chunking: Feed may be called with any partition of
// the underlying bytes (one byte at a time, all at once, or anything in
// between) and produces exactly the same sequence of completed records
// either way, since state persists across calls instead of assuming a
// record or even a fragment header arrives whole in one read.
//
// A TCPFramer is owned by exactly one connection and is never shared
// across goroutines.
type TCPFramer struct {
	maxRecordSize int

	state        frameState
	headerBuf    [4]byte
	headerFilled int

	fragmentLen  uint32
	fragmentRead uint32
	isLast       bool

	assembly []byte
}

// NewTCPFramer creates a TCPFramer that rejects any record whose assembled
// length would exceed maxRecordSize. A value of 0 means unbounded.
func NewTCPFramer(maxRecordSize int) *TCPFramer {
	return &TCPFramer{maxRecordSize: maxRecordSize}
}

// Feed consumes data incrementally, maintaining fragment-assembly state
// across calls, and invokes onRecord once for each fully assembled record
// (the concatenation of every fragment up to and including one with the
// last-fragment bit set). onRecord's slice is only valid for the duration
// of the call; a handler that needs to retain it must copy.
//
// If onRecord returns an error, Feed stops and returns it immediately,
// leaving any unconsumed suffix of data undelivered -- the caller should
// treat the connection as done. A record marking violation (an oversized
// fragment or assembled record) is reported as ErrFraming and is always
// fatal to the stream: there is no way to resynchronize once a length
// field cannot be trusted.
func (f *TCPFramer) Feed(data []byte, onRecord func(record []byte) error) error {
	for len(data) > 0 {
		switch f.state {
		case stateAwaitHeader:
			n := copy(f.headerBuf[f.headerFilled:], data)
			f.headerFilled += n
			data = data[n:]
			if f.headerFilled < 4 {
				continue
			}
			header := binary.BigEndian.Uint32(f.headerBuf[:])
			f.headerFilled = 0
			f.isLast = header&lastFragmentBit != 0
			f.fragmentLen = header & fragmentLengthMask
			f.fragmentRead = 0

			if f.maxRecordSize > 0 && len(f.assembly)+int(f.fragmentLen) > f.maxRecordSize {
				return fmt.Errorf("%w: record would exceed %d bytes", ErrFraming, f.maxRecordSize)
			}
			f.state = stateAwaitPayload

		case stateAwaitPayload:
			need := f.fragmentLen - f.fragmentRead
			take := uint32(len(data))
			if take > need {
				take = need
			}
			f.assembly = append(f.assembly, data[:take]...)
			data = data[take:]
			f.fragmentRead += take

			if f.fragmentRead < f.fragmentLen {
				continue
			}
			f.state = stateAwaitHeader
			if f.isLast {
				record := f.assembly
				f.assembly = nil
				if err := onRecord(record); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// EncodeRecord splits body into one or more record-marked fragments, each
// at most maxFragmentSize bytes of payload, and returns them concatenated
// into a single byte slice ready for a single write to the connection. A
// zero-length body still produces one (empty) fragment, since RFC 5531
// does not allow a record to be represented by zero fragments.
func EncodeRecord(body []byte, maxFragmentSize int) []byte {
	if maxFragmentSize <= 0 {
		maxFragmentSize = len(body)
		if maxFragmentSize == 0 {
			maxFragmentSize = 1
		}
	}

	out := make([]byte, 0, len(body)+4*(len(body)/maxFragmentSize+1))
	offset := 0
	for {
		end := offset + maxFragmentSize
		last := end >= len(body)
		if last {
			end = len(body)
		}
		chunk := body[offset:end]

		header := uint32(len(chunk))
		if last {
			header |= lastFragmentBit
		}
		var headerBytes [4]byte
		binary.BigEndian.PutUint32(headerBytes[:], header)

		out = append(out, headerBytes[:]...)
		out = append(out, chunk...)

		offset = end
		if last {
			break
		}
	}
	return out
}
