// Package history implements the workflow event history: the sparse
// ordinal coordinate system that addresses steps, the event model, the
// replay cursor, and the durable store that persists events, workflow rows,
// signals and wake conditions on the kv substrate.
package history

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordinate identifies one step within a history depth. It is an ordered
// sequence of integers with cardinality >= 1. Coordinate [0] is reserved as
// a left-most bound sentinel; no real event uses it.
type Coordinate []uint32

// SimpleCoord returns a single-element coordinate.
func SimpleCoord(n uint32) Coordinate {
	return Coordinate{n}
}

// Head returns the first element.
func (c Coordinate) Head() uint32 { return c[0] }

// Tail returns the last element.
func (c Coordinate) Tail() uint32 { return c[len(c)-1] }

// WithTail returns a copy with the last element replaced.
func (c Coordinate) WithTail(t uint32) Coordinate {
	out := append(Coordinate{}, c...)
	out[len(out)-1] = t
	return out
}

// Clone returns a deep copy.
func (c Coordinate) Clone() Coordinate {
	return append(Coordinate{}, c...)
}

// Compare orders coordinates lexicographically; a prefix sorts before any
// extension of itself.
func (c Coordinate) Compare(o Coordinate) int {
	for i := 0; i < len(c) && i < len(o); i++ {
		if c[i] != o[i] {
			if c[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(c) < len(o):
		return -1
	case len(c) > len(o):
		return 1
	default:
		return 0
	}
}

// Equal reports element-wise equality.
func (c Coordinate) Equal(o Coordinate) bool { return c.Compare(o) == 0 }

// String renders "2.1" style.
func (c Coordinate) String() string {
	parts := make([]string, len(c))
	for i, n := range c {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return strings.Join(parts, ".")
}

// ParseCoordinate parses the String form.
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(s, ".")
	out := make(Coordinate, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("history: bad coordinate %q: %w", s, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

// Location addresses a position inside a nested history: a sequence of
// coordinates, one per nesting depth (branches inside loops inside
// branches). The empty location is the root.
type Location []Coordinate

// RootLocation is the empty location.
func RootLocation() Location { return Location{} }

// Join returns the location extended by one coordinate.
func (l Location) Join(c Coordinate) Location {
	out := make(Location, 0, len(l)+1)
	for _, e := range l {
		out = append(out, e.Clone())
	}
	return append(out, c.Clone())
}

// Parent returns the location with the last coordinate removed; ok is false
// at the root.
func (l Location) Parent() (Location, bool) {
	if len(l) == 0 {
		return nil, false
	}
	return l[:len(l)-1], true
}

// Tail returns the last coordinate; ok is false at the root.
func (l Location) Tail() (Coordinate, bool) {
	if len(l) == 0 {
		return nil, false
	}
	return l[len(l)-1], true
}

// Compare orders locations lexicographically by coordinate.
func (l Location) Compare(o Location) int {
	for i := 0; i < len(l) && i < len(o); i++ {
		if c := l[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(l) < len(o):
		return -1
	case len(l) > len(o):
		return 1
	default:
		return 0
	}
}

// Equal reports element-wise equality.
func (l Location) Equal(o Location) bool { return l.Compare(o) == 0 }

// String renders "{2.1},{3}" style.
func (l Location) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = "{" + c.String() + "}"
	}
	return strings.Join(parts, ",")
}

// MapKey returns a stable string usable as a map key.
func (l Location) MapKey() string { return l.String() }

// ParseLocation parses the String form.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return RootLocation(), nil
	}
	var out Location
	for _, part := range strings.Split(s, ",") {
		if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
			return nil, fmt.Errorf("history: bad location %q", s)
		}
		c, err := ParseCoordinate(part[1 : len(part)-1])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// KeyElements encodes the location as tuple elements for the keyspace
// layer. Each coordinate becomes one byte-string element whose contents
// preserve coordinate order, so history range scans return events in
// history order.
func (l Location) KeyElements() []any {
	out := make([]any, len(l))
	for i, c := range l {
		out[i] = c.keyBytes()
	}
	return out
}

// keyBytes encodes a coordinate as big-endian 4-byte integers. Fixed width
// keeps byte order equal to numeric order; a shorter coordinate remains a
// byte prefix of its extensions.
func (c Coordinate) keyBytes() []byte {
	out := make([]byte, 0, len(c)*4)
	for _, n := range c {
		out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return out
}

// CoordinateFromKeyBytes decodes keyBytes.
func CoordinateFromKeyBytes(b []byte) (Coordinate, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("history: bad coordinate key bytes (%d bytes)", len(b))
	}
	out := make(Coordinate, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		out = append(out, uint32(b[i])<<24|uint32(b[i+1])<<16|uint32(b[i+2])<<8|uint32(b[i+3]))
	}
	return out, nil
}
