package portmap

import (
	"fmt"

	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// encodeMapping writes a mapping struct: four consecutive uint32 fields,
// no padding (RFC 1833 Section 3).
func encodeMapping(enc *xdr.Encoder, m Mapping) error {
	for _, v := range []uint32{m.Program, m.Version, m.Protocol, m.Port} {
		if err := enc.EncodeUint32(v); err != nil {
			return err
		}
	}
	return nil
}

// decodeMapping reads one mapping struct.
func decodeMapping(dec *xdr.Decoder) (Mapping, error) {
	var m Mapping
	var err error
	if m.Program, err = dec.DecodeUint32(); err != nil {
		return Mapping{}, err
	}
	if m.Version, err = dec.DecodeUint32(); err != nil {
		return Mapping{}, err
	}
	if m.Protocol, err = dec.DecodeUint32(); err != nil {
		return Mapping{}, err
	}
	if m.Port, err = dec.DecodeUint32(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// decodeBoolResult reads an XDR bool result, as returned by SET and UNSET.
func decodeBoolResult(dec *xdr.Decoder) (bool, error) {
	v, err := dec.DecodeBool()
	if err != nil {
		return false, fmt.Errorf("decode bool result: %w", err)
	}
	return v, nil
}

// encodeDumpResult writes a DUMP reply: an XDR optional-data linked list of
// mappings, terminated by a value_follows discriminant of 0. Used by
// testserver's in-process portmapper double.
func encodeDumpResult(enc *xdr.Encoder, mappings []Mapping) error {
	for _, m := range mappings {
		if err := enc.EncodeBool(true); err != nil {
			return err
		}
		if err := encodeMapping(enc, m); err != nil {
			return err
		}
	}
	return enc.EncodeBool(false)
}

// decodeDumpResult reads a DUMP reply: an XDR optional-data linked list of
// mappings, terminated by a value_follows discriminant of 0 (RFC 1833
// Section 3).
func decodeDumpResult(dec *xdr.Decoder) ([]Mapping, error) {
	var mappings []Mapping
	for {
		present, err := dec.DecodeBool()
		if err != nil {
			return nil, fmt.Errorf("decode value_follows: %w", err)
		}
		if !present {
			return mappings, nil
		}
		m, err := decodeMapping(dec)
		if err != nil {
			return nil, fmt.Errorf("decode mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
}
