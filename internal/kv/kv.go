// Package kv defines the transactional key/value substrate that the
// workflow engine uses as its source of truth.
//
// The contract is deliberately close to FoundationDB's: serializable
// read/write transactions with explicit conflict ranges, atomic mutations,
// key selectors, range scans and commit-time versionstamps. Backends live in
// the memkv, sqlitekv and pgkv subpackages.
package kv

import (
	"bytes"
	"context"
)

// Key is an opaque byte string. Ordering is plain lexicographic byte order.
type Key []byte

// Value is an opaque byte string.
type Value []byte

// KeyValue is a single key/value pair returned from a range read.
type KeyValue struct {
	Key   Key
	Value Value
}

// KeyRange is a half-open range [Begin, End).
type KeyRange struct {
	Begin Key
	End   Key
}

// Contains reports whether k falls inside the range.
func (r KeyRange) Contains(k Key) bool {
	return bytes.Compare(k, r.Begin) >= 0 && bytes.Compare(k, r.End) < 0
}

// Overlaps reports whether two half-open ranges intersect.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return bytes.Compare(r.Begin, o.End) < 0 && bytes.Compare(o.Begin, r.End) < 0
}

// Selector resolves to a key in the database relative to a reference key.
// Semantics follow the usual key-selector rules: starting from the reference
// key, resolve to the first key >= (or > when OrEqual is false) the
// reference, then walk Offset keys forward (or backward for negative
// offsets).
type Selector struct {
	Key     Key
	OrEqual bool
	Offset  int
}

// FirstGreaterOrEqual selects the first key >= k.
func FirstGreaterOrEqual(k Key) Selector {
	return Selector{Key: k, OrEqual: false, Offset: 1}
}

// FirstGreaterThan selects the first key > k.
func FirstGreaterThan(k Key) Selector {
	return Selector{Key: k, OrEqual: true, Offset: 1}
}

// LastLessOrEqual selects the last key <= k.
func LastLessOrEqual(k Key) Selector {
	return Selector{Key: k, OrEqual: true, Offset: 0}
}

// LastLessThan selects the last key < k.
func LastLessThan(k Key) Selector {
	return Selector{Key: k, OrEqual: false, Offset: 0}
}

// RangeOptions controls a range read.
type RangeOptions struct {
	// Limit bounds the number of returned pairs. Zero means no limit.
	Limit int
	// Reverse returns pairs in descending key order.
	Reverse bool
}

// ConflictType distinguishes read from write conflict ranges.
type ConflictType int

const (
	ConflictRead ConflictType = iota
	ConflictWrite
)

// MutationType enumerates atomic operations applied at commit time.
type MutationType int

const (
	MutationAdd MutationType = iota
	MutationMin
	MutationMax
	MutationBitAnd
	MutationBitOr
	MutationBitXor
	MutationByteMin
	MutationByteMax
	MutationSetVersionstampedKey
	MutationSetVersionstampedValue
	MutationCompareAndClear
	MutationAppendIfFits
)

// ValueSizeLimit is the maximum size of a single value. AppendIfFits is a
// no-op once a value would exceed it; larger logical values are chunked by
// the keyspace layer.
const ValueSizeLimit = 100_000

// VersionstampLength is the size of a commit versionstamp: 8 bytes of commit
// version plus 2 bytes of intra-commit order.
const VersionstampLength = 10

// Tx is a single transaction. Transactions are not safe for concurrent use.
//
// Reads observe a snapshot taken when the transaction begins, overlaid with
// the transaction's own writes. Commit either applies all writes atomically
// or fails; a failure with code 1020 means the caller should retry from
// scratch (see RunTx).
type Tx interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(ctx context.Context, key Key) (Value, error)

	// GetKey resolves a key selector against the snapshot.
	// Returns nil when no key satisfies the selector.
	GetKey(ctx context.Context, sel Selector) (Key, error)

	// GetRange returns pairs between the resolved begin (inclusive) and end
	// (exclusive) selectors.
	GetRange(ctx context.Context, begin, end Selector, opts RangeOptions) ([]KeyValue, error)

	// GetEstimatedRangeSize returns an estimate of the byte size of the range.
	GetEstimatedRangeSize(ctx context.Context, begin, end Key) (int64, error)

	// Set buffers a write of value under key.
	Set(key Key, value Value)

	// Clear buffers a delete of key.
	Clear(key Key)

	// ClearRange buffers a delete of all keys in [begin, end).
	ClearRange(begin, end Key)

	// Atomic buffers an atomic mutation of key with the given parameter.
	Atomic(key Key, param Value, op MutationType)

	// AddConflictRange explicitly adds a conflict range. Reads and writes
	// performed through the transaction add their own ranges already; this is
	// for callers that need serialization on keys they did not touch.
	AddConflictRange(begin, end Key, typ ConflictType)

	// Commit atomically applies the buffered writes. On a retryable conflict
	// it returns an error with code 1020; the transaction is then dead and
	// the caller must start over.
	Commit(ctx context.Context) error

	// Cancel discards the transaction. Safe to call after Commit.
	Cancel()
}

// DB opens transactions.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// KeyAfter returns the immediate successor of k in key order.
func KeyAfter(k Key) Key {
	out := make(Key, len(k)+1)
	copy(out, k)
	return out
}

// PrefixEnd returns the key that sorts immediately after every key with the
// given prefix, for use as a range end. Returns nil if no such key exists
// (prefix is empty or all 0xff).
func PrefixEnd(prefix Key) Key {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			out := make(Key, i+1)
			copy(out, prefix[:i+1])
			out[i]++
			return out
		}
	}
	return nil
}

// PrefixRange returns the range covering every key with the given prefix.
func PrefixRange(prefix Key) KeyRange {
	return KeyRange{Begin: append(Key{}, prefix...), End: PrefixEnd(prefix)}
}
