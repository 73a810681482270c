// Package xdr implements the External Data Representation codec defined by
// RFC 4506: a big-endian, 4-byte-aligned binary format for structured data.
//
// The codec is split into a growable segmented byte buffer (Buffer), which
// owns cursor and capacity bookkeeping, and an Encoder/Decoder pair layered
// on top of it that know how to read and write the XDR primitive and
// composite types. Encoding a primitive value allocates only when the
// Buffer grows; every Buffer read, primitive or not, copies the bytes it
// reads into a freshly allocated slice.
package xdr

import "errors"

// ErrUnderflow is returned when a read would consume more bytes than are
// available between the read cursor and the write cursor of a Buffer.
//
// Per spec: recoverable -- the caller may retry once more bytes have
// arrived from the transport (TCP) or must silently drop the record (UDP).
var ErrUnderflow = errors.New("xdr: buffer underflow")

// ErrOverflow is returned when a write would exceed the capacity of a
// Buffer that was declared non-growable.
var ErrOverflow = errors.New("xdr: buffer overflow")

// ErrGarbageArgs is returned when a decoded length prefix (opaque, string,
// or array count) declares more data than remains in the buffer. Per
// RFC 5531 this maps to the GARBAGE_ARGS accept_stat at the RPC layer.
var ErrGarbageArgs = errors.New("xdr: garbage arguments")

// ErrInvalidBool is returned by DecodeBool in strict mode when the wire
// value is neither 0 nor 1. See BoolPolicy.
var ErrInvalidBool = errors.New("xdr: invalid boolean value")

// ErrInvalidUTF8 is returned by DecodeString in strict mode when the
// decoded bytes are not valid UTF-8.
var ErrInvalidUTF8 = errors.New("xdr: invalid utf-8 in string")
