// Package keyspace provides typed, order-preserving key construction for
// the kv substrate: tuple packing, subspaces, and chunked storage of
// oversize values.
//
// Tuple encoding preserves lexicographic order: packed tuples sort the same
// way the unpacked element sequences would. Every key in the system starts
// with a string domain tag (for example "workflow", "wake") followed by a
// subspace tag and embedded identifiers, so a single range scan fetches all
// values for an entity.
package keyspace

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/gantryio/gantry/internal/kv"
)

// Type codes. Chosen so that packed elements sort by (type, content):
// nil < bytes < string < negative int < zero < positive int < uuid.
const (
	codeNil     = 0x00
	codeBytes   = 0x01
	codeString  = 0x02
	codeIntMin  = 0x0c // int64 encoded in 8..1 bytes, negative
	codeIntZero = 0x14
	codeUUID    = 0x30
)

// Tuple is an ordered sequence of elements to be packed into a key.
// Supported element types: nil, []byte, string, int, int64, uint32, uint64
// (must fit int64), uuid.UUID.
type Tuple []any

// Pack encodes the tuple into a key.
func (t Tuple) Pack() kv.Key {
	var out []byte
	for _, el := range t {
		out = appendElement(out, el)
	}
	return out
}

func appendElement(out []byte, el any) []byte {
	switch v := el.(type) {
	case nil:
		return append(out, codeNil)
	case []byte:
		return appendBytes(out, codeBytes, v)
	case string:
		return appendBytes(out, codeString, []byte(v))
	case int:
		return appendInt(out, int64(v))
	case int64:
		return appendInt(out, v)
	case uint32:
		return appendInt(out, int64(v))
	case uint64:
		if v > 1<<62 {
			panic(fmt.Sprintf("keyspace: uint64 element %d overflows int64", v))
		}
		return appendInt(out, int64(v))
	case uuid.UUID:
		out = append(out, codeUUID)
		return append(out, v[:]...)
	default:
		panic(fmt.Sprintf("keyspace: unsupported tuple element type %T", el))
	}
}

// appendBytes writes a length-independent, order-preserving byte string:
// 0x00 bytes are escaped as 0x00 0xff and the element ends with a bare 0x00.
func appendBytes(out []byte, code byte, b []byte) []byte {
	out = append(out, code)
	for _, c := range b {
		out = append(out, c)
		if c == 0x00 {
			out = append(out, 0xff)
		}
	}
	return append(out, 0x00)
}

// appendInt writes a variable-width big-endian integer whose type code
// offsets by byte width, preserving numeric order across widths and signs.
func appendInt(out []byte, v int64) []byte {
	if v == 0 {
		return append(out, codeIntZero)
	}
	if v > 0 {
		n := byteWidth(uint64(v))
		out = append(out, byte(codeIntZero+n))
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		return append(out, buf[8-n:]...)
	}
	// Negative: offset-encode so larger (closer to zero) sorts later.
	n := byteWidth(uint64(-v))
	out = append(out, byte(codeIntZero-n))
	var buf [8]byte
	max := uint64(1)<<(8*uint(n)) - 1
	binary.BigEndian.PutUint64(buf[:], max-uint64(-v))
	return append(out, buf[8-n:]...)
}

func byteWidth(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	return n
}

// Unpack decodes a packed key back into a tuple. Integers decode as int64,
// byte strings as []byte, strings as string, uuids as uuid.UUID.
func Unpack(key kv.Key) (Tuple, error) {
	var out Tuple
	i := 0
	for i < len(key) {
		code := key[i]
		switch {
		case code == codeNil:
			out = append(out, nil)
			i++
		case code == codeBytes || code == codeString:
			b, n, err := readBytes(key[i+1:])
			if err != nil {
				return nil, fmt.Errorf("keyspace: element %d: %w", len(out), err)
			}
			if code == codeBytes {
				out = append(out, b)
			} else {
				out = append(out, string(b))
			}
			i += 1 + n
		case code >= codeIntMin && code <= codeIntZero+8:
			v, n, err := readInt(code, key[i+1:])
			if err != nil {
				return nil, fmt.Errorf("keyspace: element %d: %w", len(out), err)
			}
			out = append(out, v)
			i += 1 + n
		case code == codeUUID:
			if len(key)-i-1 < 16 {
				return nil, fmt.Errorf("keyspace: element %d: truncated uuid", len(out))
			}
			var id uuid.UUID
			copy(id[:], key[i+1:i+17])
			out = append(out, id)
			i += 17
		default:
			return nil, fmt.Errorf("keyspace: element %d: unknown type code 0x%02x", len(out), code)
		}
	}
	return out, nil
}

func readBytes(data []byte) ([]byte, int, error) {
	var out []byte
	i := 0
	for i < len(data) {
		c := data[i]
		if c != 0x00 {
			out = append(out, c)
			i++
			continue
		}
		if i+1 < len(data) && data[i+1] == 0xff {
			out = append(out, 0x00)
			i += 2
			continue
		}
		return out, i + 1, nil
	}
	return nil, 0, fmt.Errorf("unterminated byte string")
}

func readInt(code byte, data []byte) (int64, int, error) {
	if code == codeIntZero {
		return 0, 0, nil
	}
	if code > codeIntZero {
		n := int(code - codeIntZero)
		if len(data) < n {
			return 0, 0, fmt.Errorf("truncated positive int")
		}
		var buf [8]byte
		copy(buf[8-n:], data[:n])
		return int64(binary.BigEndian.Uint64(buf[:])), n, nil
	}
	n := int(codeIntZero - code)
	if len(data) < n {
		return 0, 0, fmt.Errorf("truncated negative int")
	}
	var buf [8]byte
	copy(buf[8-n:], data[:n])
	max := uint64(1)<<(8*uint(n)) - 1
	return -int64(max - binary.BigEndian.Uint64(buf[:])), n, nil
}

// Subspace is a packed key prefix under which further tuples nest.
type Subspace struct {
	prefix kv.Key
}

// Sub creates a subspace from tuple elements.
func Sub(els ...any) Subspace {
	return Subspace{prefix: Tuple(els).Pack()}
}

// Sub returns a nested subspace.
func (s Subspace) Sub(els ...any) Subspace {
	return Subspace{prefix: s.Pack(els...)}
}

// Pack appends tuple elements under the subspace prefix.
func (s Subspace) Pack(els ...any) kv.Key {
	out := make(kv.Key, len(s.prefix), len(s.prefix)+16)
	copy(out, s.prefix)
	return append(out, Tuple(els).Pack()...)
}

// Key returns the raw prefix.
func (s Subspace) Key() kv.Key { return s.prefix }

// Range returns the key range covering everything in the subspace.
func (s Subspace) Range() kv.KeyRange {
	return kv.PrefixRange(s.prefix)
}

// ByteElementRange returns the range covering keys whose next element under
// the subspace is a byte string. Byte strings have the lowest non-nil type
// code, so this isolates them from sibling elements of other types.
func (s Subspace) ByteElementRange() kv.KeyRange {
	begin := append(append(kv.Key{}, s.prefix...), codeBytes)
	end := append(append(kv.Key{}, s.prefix...), codeBytes+1)
	return kv.KeyRange{Begin: begin, End: end}
}

// Unpack strips the subspace prefix and decodes the remainder.
func (s Subspace) Unpack(key kv.Key) (Tuple, error) {
	if len(key) < len(s.prefix) || string(key[:len(s.prefix)]) != string(s.prefix) {
		return nil, fmt.Errorf("keyspace: key does not start with subspace prefix")
	}
	return Unpack(key[len(s.prefix):])
}
