package xdr

import (
	"math"
	"unicode/utf8"
)

// BoolPolicy controls how Decoder.DecodeBool treats a wire value that is
// neither 0 nor 1.
//
// RFC 4506 Section 4.4 only defines 0 (false) and 1 (true); strictly a
// decoder should reject anything else. The reference implementation this
// codec is modeled on observably treats any non-zero value as true, and
// real clients on the wire occasionally send such values. BoolLenient
// preserves that compatibility behavior and is the default; BoolStrict
// recovers the RFC-exact behavior for callers that want it.
type BoolPolicy int

const (
	// BoolLenient accepts any non-zero uint32 as true. Default policy.
	BoolLenient BoolPolicy = iota
	// BoolStrict rejects any value other than 0 or 1 with ErrInvalidBool.
	BoolStrict
)

// UTF8Policy controls how Decoder.DecodeString treats malformed UTF-8.
type UTF8Policy int

const (
	// UTF8Strict returns ErrInvalidUTF8 for malformed input. Default policy.
	UTF8Strict UTF8Policy = iota
	// UTF8Replace substitutes the Unicode replacement character for each
	// malformed byte instead of failing.
	UTF8Replace
)

// maxOpaqueLength bounds a single variable-length opaque/string decode,
// independent of how much the buffer itself could hold, to protect against
// a maliciously large length prefix in an otherwise small message body.
const maxOpaqueLength = 64 << 20 // 64 MiB, comfortably above NFS WRITE/READ payloads

// Encoder serializes Go values onto a Buffer in XDR wire format per
// RFC 4506. It is stateless beyond the buffer's own cursor: encoding a
// value never allocates except when the composite being written requires a
// result container (it does not, since Encoder only ever writes).
type Encoder struct {
	buf *Buffer
}

// NewEncoder wraps buf for XDR encoding.
func NewEncoder(buf *Buffer) *Encoder {
	return &Encoder{buf: buf}
}

// Buffer returns the underlying Buffer, e.g. to Flip it once encoding is
// complete.
func (e *Encoder) Buffer() *Buffer { return e.buf }

// EncodeInt32 writes a signed 32-bit integer (RFC 4506 Section 4.1).
func (e *Encoder) EncodeInt32(v int32) error { return e.buf.PutI32(v) }

// EncodeUint32 writes an unsigned 32-bit integer (RFC 4506 Section 4.1).
func (e *Encoder) EncodeUint32(v uint32) error { return e.buf.PutU32(v) }

// EncodeInt64 writes a signed 64-bit hyper integer (RFC 4506 Section 4.5).
func (e *Encoder) EncodeInt64(v int64) error { return e.buf.PutI64(v) }

// EncodeUint64 writes an unsigned 64-bit hyper integer (RFC 4506 Section 4.5).
func (e *Encoder) EncodeUint64(v uint64) error { return e.buf.PutU64(v) }

// EncodeBool writes a boolean as a 4-octet integer, 0 or 1
// (RFC 4506 Section 4.4).
func (e *Encoder) EncodeBool(v bool) error {
	var n uint32
	if v {
		n = 1
	}
	return e.buf.PutU32(n)
}

// EncodeFloat32 writes an IEEE-754 single-precision float
// (RFC 4506 Section 4.6).
func (e *Encoder) EncodeFloat32(v float32) error {
	return e.buf.PutU32(math.Float32bits(v))
}

// EncodeFloat64 writes an IEEE-754 double-precision float
// (RFC 4506 Section 4.7).
func (e *Encoder) EncodeFloat64(v float64) error {
	return e.buf.PutU64(math.Float64bits(v))
}

// pad writes the zero-padding octets that bring dataLen up to the next
// multiple of 4, per RFC 4506 Section 4.9.
func (e *Encoder) pad(dataLen int) error {
	n := (4 - dataLen%4) % 4
	if n == 0 {
		return nil
	}
	var zeros [4]byte
	return e.buf.PutBytes(zeros[:n])
}

// EncodeOpaqueFixed writes n octets of fixed-length opaque data
// (RFC 4506 Section 4.9). len(data) must equal n; the caller is
// responsible for that invariant since the wire format carries no length
// prefix for fixed opaque.
func (e *Encoder) EncodeOpaqueFixed(data []byte) error {
	if err := e.buf.PutBytes(data); err != nil {
		return err
	}
	return e.pad(len(data))
}

// EncodeOpaque writes variable-length opaque data: a uint32 length prefix,
// the data, and zero-padding to a 4-octet boundary (RFC 4506 Section 4.10).
func (e *Encoder) EncodeOpaque(data []byte) error {
	if err := e.buf.PutU32(uint32(len(data))); err != nil {
		return err
	}
	if err := e.buf.PutBytes(data); err != nil {
		return err
	}
	return e.pad(len(data))
}

// EncodeString writes a string as variable-length opaque UTF-8 octets
// (RFC 4506 Section 4.11). A null/empty Go string encodes as length 0,
// matching the null-input round-trip contract.
func (e *Encoder) EncodeString(s string) error {
	return e.EncodeOpaque([]byte(s))
}

// EncodeFixedArray encodes n elements of a fixed-size array by invoking
// encodeElem once per index in order (RFC 4506 Section 4.12): no count
// prefix, just n concatenated encodings.
func (e *Encoder) EncodeFixedArray(n int, encodeElem func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := encodeElem(i); err != nil {
			return err
		}
	}
	return nil
}

// EncodeVarArray encodes a variable-length array: a uint32 count followed
// by count concatenated element encodings (RFC 4506 Section 4.13).
func (e *Encoder) EncodeVarArray(n int, encodeElem func(i int) error) error {
	if err := e.buf.PutU32(uint32(n)); err != nil {
		return err
	}
	return e.EncodeFixedArray(n, encodeElem)
}

// EncodeOptional encodes an XDR optional-data union (RFC 4506 Section 4.19):
// a bool discriminant, followed by encodeValue only when present is true.
func (e *Encoder) EncodeOptional(present bool, encodeValue func() error) error {
	if err := e.EncodeBool(present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	return encodeValue()
}

// Decoder deserializes XDR wire format from a Buffer into Go values, per
// RFC 4506. It holds no state beyond the buffer cursor and the two
// leniency policies (BoolPolicy, UTF8Policy).
type Decoder struct {
	buf        *Buffer
	boolPolicy BoolPolicy
	utf8Policy UTF8Policy
}

// NewDecoder wraps buf for XDR decoding with the default (lenient bool,
// strict UTF-8) policies.
func NewDecoder(buf *Buffer) *Decoder {
	return &Decoder{buf: buf}
}

// WithBoolPolicy returns the Decoder configured with the given BoolPolicy.
func (d *Decoder) WithBoolPolicy(p BoolPolicy) *Decoder {
	d.boolPolicy = p
	return d
}

// WithUTF8Policy returns the Decoder configured with the given UTF8Policy.
func (d *Decoder) WithUTF8Policy(p UTF8Policy) *Decoder {
	d.utf8Policy = p
	return d
}

// Buffer returns the underlying Buffer.
func (d *Decoder) Buffer() *Buffer { return d.buf }

// DecodeInt32 reads a signed 32-bit integer.
func (d *Decoder) DecodeInt32() (int32, error) { return d.buf.GetI32() }

// DecodeUint32 reads an unsigned 32-bit integer.
func (d *Decoder) DecodeUint32() (uint32, error) { return d.buf.GetU32() }

// DecodeInt64 reads a signed 64-bit hyper integer.
func (d *Decoder) DecodeInt64() (int64, error) { return d.buf.GetI64() }

// DecodeUint64 reads an unsigned 64-bit hyper integer.
func (d *Decoder) DecodeUint64() (uint64, error) { return d.buf.GetU64() }

// DecodeBool reads a boolean per the Decoder's BoolPolicy: BoolLenient
// treats any non-zero value as true (matching the corpus's observed
// behavior); BoolStrict rejects anything but 0 or 1 with ErrInvalidBool.
func (d *Decoder) DecodeBool() (bool, error) {
	v, err := d.buf.GetU32()
	if err != nil {
		return false, err
	}
	if d.boolPolicy == BoolStrict && v != 0 && v != 1 {
		return false, ErrInvalidBool
	}
	return v != 0, nil
}

// DecodeFloat32 reads an IEEE-754 single-precision float.
func (d *Decoder) DecodeFloat32() (float32, error) {
	v, err := d.buf.GetU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// DecodeFloat64 reads an IEEE-754 double-precision float.
func (d *Decoder) DecodeFloat64() (float64, error) {
	v, err := d.buf.GetU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// skipPad consumes the zero-padding octets following a dataLen-byte opaque
// payload, without inspecting their contents (RFC 4506 Section 4.9:
// decoders must skip padding, not validate it).
func (d *Decoder) skipPad(dataLen int) error {
	n := (4 - dataLen%4) % 4
	if n == 0 {
		return nil
	}
	_, err := d.buf.GetBytes(n)
	return err
}

// DecodeOpaqueFixed reads n octets of fixed-length opaque data followed by
// its padding.
func (d *Decoder) DecodeOpaqueFixed(n int) ([]byte, error) {
	data, err := d.buf.GetBytes(n)
	if err != nil {
		return nil, err
	}
	if err := d.skipPad(n); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeOpaque reads variable-length opaque data: a uint32 length prefix,
// the data, and its padding. A length prefix that would consume more bytes
// than remain in the buffer, or that exceeds an absolute safety ceiling, is
// reported as ErrGarbageArgs.
func (d *Decoder) DecodeOpaque() ([]byte, error) {
	length, err := d.buf.GetU32()
	if err != nil {
		return nil, err
	}
	if int(length) > maxOpaqueLength || int64(length) > int64(d.buf.Remaining()) {
		return nil, ErrGarbageArgs
	}
	return d.DecodeOpaqueFixed(int(length))
}

// DecodeString reads variable-length opaque data and interprets it as a
// UTF-8 string. A zero-length encoding (including one produced by encoding
// a null/empty string) decodes to "". Malformed UTF-8 is rejected under
// UTF8Strict (the default) and replaced under UTF8Replace.
func (d *Decoder) DecodeString() (string, error) {
	data, err := d.DecodeOpaque()
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	if !utf8.Valid(data) {
		if d.utf8Policy == UTF8Replace {
			return strings_ToValidUTF8(data), nil
		}
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

// strings_ToValidUTF8 replaces each invalid UTF-8 byte with the Unicode
// replacement character. Unlike strings.ToValidUTF8, which it does not
// call, a run of invalid bytes becomes one replacement character per byte;
// it is written by hand to keep the import list in this file limited to
// unicode/utf8.
func strings_ToValidUTF8(b []byte) string {
	buf := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		buf = append(buf, r)
		b = b[size:]
	}
	return string(buf)
}

// DecodeFixedArray decodes n elements of a fixed-size array by invoking
// decodeElem once per index in order: no count prefix is read.
func (d *Decoder) DecodeFixedArray(n int, decodeElem func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := decodeElem(i); err != nil {
			return err
		}
	}
	return nil
}

// maxArrayCount bounds a variable array's decoded element count to protect
// against a length prefix that would otherwise drive an enormous number of
// decodeElem invocations from a small wire message.
const maxArrayCount = 1 << 20

// DecodeVarArray decodes a variable-length array: a uint32 count, validated
// against maxArrayCount and the buffer's remaining bytes (a count that
// could not possibly be satisfied is ErrGarbageArgs), followed by count
// invocations of decodeElem.
func (d *Decoder) DecodeVarArray(decodeElem func(i int) error) (int, error) {
	count, err := d.buf.GetU32()
	if err != nil {
		return 0, err
	}
	if count > maxArrayCount || int64(count) > int64(d.buf.Remaining()) {
		return 0, ErrGarbageArgs
	}
	if err := d.DecodeFixedArray(int(count), decodeElem); err != nil {
		return 0, err
	}
	return int(count), nil
}

// DecodeOptional decodes an XDR optional-data union: a bool discriminant,
// followed by decodeValue only when the discriminant is true. Returns
// whether the value was present.
func (d *Decoder) DecodeOptional(decodeValue func() error) (bool, error) {
	present, err := d.DecodeBool()
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	if err := decodeValue(); err != nil {
		return false, err
	}
	return true, nil
}
