package keyspace

import (
	"context"
	"fmt"

	"github.com/gantryio/gantry/internal/kv"
)

// ChunkSize is the maximum number of value bytes stored under a single key.
// Larger values are split into numbered sibling keys and reassembled on
// read. This is the only oversize-value mechanism in the system.
const ChunkSize = 10_000

// WriteChunked stores value under the subspace, splitting into numbered
// chunks when it exceeds ChunkSize. Existing chunks are cleared first so a
// shrinking value leaves no stale tail.
func WriteChunked(tx kv.Tx, sub Subspace, value []byte) {
	r := sub.Range()
	tx.ClearRange(r.Begin, r.End)
	for i := 0; i*ChunkSize < len(value) || i == 0; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(value) {
			end = len(value)
		}
		tx.Set(sub.Pack(i), value[start:end])
	}
}

// ReadChunked range-scans the subspace and concatenates chunks in order.
// Returns nil when no chunks exist.
func ReadChunked(ctx context.Context, tx kv.Tx, sub Subspace) ([]byte, error) {
	r := sub.Range()
	kvs, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(r.Begin),
		kv.FirstGreaterOrEqual(r.End),
		kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	out := []byte{}
	for i, p := range kvs {
		t, err := sub.Unpack(p.Key)
		if err != nil {
			return nil, err
		}
		if len(t) != 1 {
			return nil, fmt.Errorf("keyspace: unexpected chunk key shape %v", t)
		}
		if idx, ok := t[0].(int64); !ok || int(idx) != i {
			return nil, fmt.Errorf("keyspace: chunk %d missing or out of order", i)
		}
		out = append(out, p.Value...)
	}
	return out, nil
}

// ClearChunked removes all chunks of a value.
func ClearChunked(tx kv.Tx, sub Subspace) {
	r := sub.Range()
	tx.ClearRange(r.Begin, r.End)
}
