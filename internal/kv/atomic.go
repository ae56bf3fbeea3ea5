package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ApplyMutation computes the result of an atomic mutation over the existing
// value. A nil result means the key ends up cleared (CompareAndClear).
//
// Numeric operations treat operands as little-endian unsigned integers of
// the parameter's width, matching the substrate contract. Byte operations
// compare lexicographically. Bitwise operations zero-extend the shorter
// operand.
func ApplyMutation(op MutationType, existing Value, param Value) (Value, error) {
	switch op {
	case MutationAdd:
		return addLE(existing, param), nil
	case MutationMin:
		if existing == nil {
			// Min against an absent key stores the param.
			return append(Value{}, param...), nil
		}
		if leCompare(existing, param) <= 0 {
			return truncOrPad(existing, len(param)), nil
		}
		return append(Value{}, param...), nil
	case MutationMax:
		if existing == nil {
			return append(Value{}, param...), nil
		}
		if leCompare(existing, param) >= 0 {
			return truncOrPad(existing, len(param)), nil
		}
		return append(Value{}, param...), nil
	case MutationBitAnd:
		if existing == nil {
			// AND with an absent key stores zeroes of param width.
			return make(Value, len(param)), nil
		}
		return bitwise(existing, param, func(a, b byte) byte { return a & b }), nil
	case MutationBitOr:
		return bitwise(existing, param, func(a, b byte) byte { return a | b }), nil
	case MutationBitXor:
		return bitwise(existing, param, func(a, b byte) byte { return a ^ b }), nil
	case MutationByteMin:
		if existing == nil || bytes.Compare(param, existing) < 0 {
			return append(Value{}, param...), nil
		}
		return existing, nil
	case MutationByteMax:
		if existing == nil || bytes.Compare(param, existing) > 0 {
			return append(Value{}, param...), nil
		}
		return existing, nil
	case MutationCompareAndClear:
		if bytes.Equal(existing, param) {
			return nil, nil
		}
		return existing, nil
	case MutationAppendIfFits:
		if len(existing)+len(param) > ValueSizeLimit {
			return existing, nil
		}
		out := make(Value, 0, len(existing)+len(param))
		out = append(out, existing...)
		out = append(out, param...)
		return out, nil
	default:
		return nil, fmt.Errorf("kv: mutation %d cannot be applied in place", op)
	}
}

// SubstituteVersionstamp replaces the 10-byte placeholder inside data with
// the commit versionstamp. The final 4 bytes of data are a little-endian
// offset locating the placeholder; they are stripped from the result.
func SubstituteVersionstamp(data []byte, stamp [VersionstampLength]byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("kv: versionstamped operand too short (%d bytes)", len(data))
	}
	offset := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	body := data[:len(data)-4]
	if offset < 0 || offset+VersionstampLength > len(body) {
		return nil, fmt.Errorf("kv: versionstamp offset %d out of range for %d byte operand", offset, len(body))
	}
	out := append([]byte{}, body...)
	copy(out[offset:], stamp[:])
	return out, nil
}

// Versionstamp builds a 10-byte stamp from a commit version and an
// intra-commit order counter.
func Versionstamp(commitVersion uint64, order uint16) [VersionstampLength]byte {
	var s [VersionstampLength]byte
	binary.BigEndian.PutUint64(s[:8], commitVersion)
	binary.BigEndian.PutUint16(s[8:], order)
	return s
}

func addLE(existing, param Value) Value {
	width := len(param)
	out := make(Value, width)
	var carry uint16
	for i := 0; i < width; i++ {
		var e byte
		if i < len(existing) {
			e = existing[i]
		}
		sum := uint16(e) + uint16(param[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

// leCompare compares two little-endian unsigned integers of possibly
// different widths.
func leCompare(a, b Value) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := n - 1; i >= 0; i-- {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func truncOrPad(v Value, width int) Value {
	out := make(Value, width)
	copy(out, v)
	return out
}

func bitwise(existing, param Value, f func(a, b byte) byte) Value {
	n := len(existing)
	if len(param) > n {
		n = len(param)
	}
	out := make(Value, n)
	for i := 0; i < n; i++ {
		var a, b byte
		if i < len(existing) {
			a = existing[i]
		}
		if i < len(param) {
			b = param[i]
		}
		out[i] = f(a, b)
	}
	return out
}
