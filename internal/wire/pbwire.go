// Package wire implements the PeerLinks wire schema as hand-written
// protobuf-wire-format encode/decode functions. Field numbers and wire types
// are fixed and match the schema bit-for-bit; this file holds the low-level
// varint/tag primitives shared by every message in types.go.
package wire

import (
	"errors"
	"math"

	"github.com/multiformats/go-varint"
)

const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

var (
	ErrTruncated    = errors.New("wire: truncated message")
	ErrBadWireType  = errors.New("wire: unexpected wire type")
	ErrUnknownField = errors.New("wire: field out of range")
)

func putTag(buf []byte, field int, wireType int) []byte {
	return varint.ToUvarint(uint64(field)<<3 | uint64(wireType))
}

func appendTag(dst []byte, field int, wireType int) []byte {
	return append(dst, putTag(nil, field, wireType)...)
}

func appendVarint(dst []byte, field int, v uint64) []byte {
	if v == 0 {
		return dst
	}
	dst = appendTag(dst, field, wireVarint)
	return append(dst, varint.ToUvarint(v)...)
}

// appendVarintAlways writes field/v even when v is zero — required for oneof
// members, where presence is tracked independently of the value (unlike a
// plain proto3 scalar, where a zero value is simply omitted).
func appendVarintAlways(dst []byte, field int, v uint64) []byte {
	dst = appendTag(dst, field, wireVarint)
	return append(dst, varint.ToUvarint(v)...)
}

func appendBool(dst []byte, field int, v bool) []byte {
	if !v {
		return dst
	}
	return appendVarint(dst, field, 1)
}

func appendInt64(dst []byte, field int, v int64) []byte {
	return appendVarint(dst, field, uint64(v))
}

func appendDouble(dst []byte, field int, v float64) []byte {
	if v == 0 {
		return dst
	}
	dst = appendTag(dst, field, wireFixed64)
	bits := math.Float64bits(v)
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * uint(i)))
	}
	return append(dst, b[:]...)
}

func appendBytes(dst []byte, field int, b []byte) []byte {
	if len(b) == 0 {
		return dst
	}
	dst = appendTag(dst, field, wireBytes)
	dst = append(dst, varint.ToUvarint(uint64(len(b)))...)
	return append(dst, b...)
}

func appendString(dst []byte, field int, s string) []byte {
	if s == "" {
		return dst
	}
	return appendBytes(dst, field, []byte(s))
}

func appendMessage(dst []byte, field int, sub []byte) []byte {
	return appendBytes(dst, field, sub)
}

// rawField is one decoded (tag, value) pair from a length-delimited message.
type rawField struct {
	num      int
	wireType int
	varint   uint64
	fixed64  uint64
	bytes    []byte
}

// parseFields splits data into its top-level (field, value) pairs in order,
// exactly mirroring protobuf's wire-format parse loop. Varint, fixed64 and
// length-delimited fields are kept whatever their field number, so callers
// can decide whether to reject; fixed32 fields are skipped.
func parseFields(data []byte) ([]rawField, error) {
	var out []rawField
	for len(data) > 0 {
		tag, n, err := varint.FromUvarint(data)
		if err != nil {
			return nil, ErrTruncated
		}
		data = data[n:]
		field := int(tag >> 3)
		wt := int(tag & 0x7)
		switch wt {
		case wireVarint:
			v, n, err := varint.FromUvarint(data)
			if err != nil {
				return nil, ErrTruncated
			}
			data = data[n:]
			out = append(out, rawField{num: field, wireType: wt, varint: v})
		case wireFixed64:
			if len(data) < 8 {
				return nil, ErrTruncated
			}
			var v uint64
			for i := 0; i < 8; i++ {
				v |= uint64(data[i]) << (8 * uint(i))
			}
			data = data[8:]
			out = append(out, rawField{num: field, wireType: wt, fixed64: v})
		case wireBytes:
			l, n, err := varint.FromUvarint(data)
			if err != nil {
				return nil, ErrTruncated
			}
			data = data[n:]
			if uint64(len(data)) < l {
				return nil, ErrTruncated
			}
			out = append(out, rawField{num: field, wireType: wt, bytes: data[:l]})
			data = data[l:]
		case wireFixed32:
			if len(data) < 4 {
				return nil, ErrTruncated
			}
			data = data[4:]
		default:
			return nil, ErrBadWireType
		}
	}
	return out, nil
}

func fieldDouble(f rawField) float64 {
	return math.Float64frombits(f.fixed64)
}
