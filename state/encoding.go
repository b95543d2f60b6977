package state

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Records are encoded with the protobuf wire format. Encodings are canonical: fields are written
// once, in ascending order, and signatures are computed over the same bytes on every node.

var ErrMalformed = errors.New("malformed record")

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendEmbedded(b []byte, num protowire.Number, inner []byte) []byte {
	return appendBytesField(b, num, inner)
}

// rangeFields calls fn for every varint and length-delimited field in b. Other wire types are
// skipped so newer peers can add fields.
func rangeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func expectType(num protowire.Number, typ, want protowire.Type) error {
	if typ != want {
		return fmt.Errorf("%w: field %d has wire type %d, expected %d", ErrMalformed, num, typ, want)
	}
	return nil
}

func decodeKeyField(num protowire.Number, typ protowire.Type, v []byte) (PublicKey, error) {
	if err := expectType(num, typ, protowire.BytesType); err != nil {
		return PublicKey{}, err
	}
	k, err := ParsePublicKey(v)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, err)
	}
	return k, nil
}

func decodeSigField(num protowire.Number, typ protowire.Type, v []byte) (Signature, error) {
	if err := expectType(num, typ, protowire.BytesType); err != nil {
		return Signature{}, err
	}
	s, err := ParseSignature(v)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, err)
	}
	return s, nil
}

func decodeVarintField(num protowire.Number, typ protowire.Type, u uint64) (uint64, error) {
	if err := expectType(num, typ, protowire.VarintType); err != nil {
		return 0, err
	}
	return u, nil
}

// present tracks which required fields a decoder has seen.
type present uint32

func (p *present) set(num protowire.Number) { *p |= 1 << num }

func (p present) require(name string, nums ...protowire.Number) error {
	for _, num := range nums {
		if p&(1<<num) == 0 {
			return fmt.Errorf("%w: %s is missing field %d", ErrMalformed, name, num)
		}
	}
	return nil
}
