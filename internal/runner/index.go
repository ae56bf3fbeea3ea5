package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

// Directory maintains the per-datacenter allocation index mapping runners
// to their remaining memory, so actor placement can pick the least loaded
// runner with one reverse range scan.
type Directory struct {
	db kv.DB
}

func NewDirectory(db kv.DB) *Directory { return &Directory{db: db} }

// allocEntry is the value stored at the index key; the key itself carries
// the sort fields.
type allocEntry struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TotalSlots int       `json:"total_slots"`
}

// Candidate is one allocatable runner.
type Candidate struct {
	RunnerID     uuid.UUID
	WorkflowID   uuid.UUID
	RemainingMem int64
	TotalSlots   int
}

// Publish inserts or moves the runner's index entry. Safe to call again
// with updated remaining memory; the previous entry is removed.
func (d *Directory) Publish(ctx context.Context, datacenter, flavor string, runnerID, workflowID uuid.UUID, remainingMem, lastPingTs int64, totalSlots int) error {
	return kv.RunTx(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		if err := d.removeInTx(ctx, tx, runnerID); err != nil {
			return err
		}
		entry, err := json.Marshal(allocEntry{WorkflowID: workflowID, TotalSlots: totalSlots})
		if err != nil {
			return err
		}
		key := allocKey(datacenter, flavor, remainingMem, lastPingTs, runnerID)
		tx.Set(key, entry)
		tx.Set(runnerAllocKeyKey(runnerID), key)
		return nil
	})
}

// Remove drops the runner from the allocation index, used on drain and on
// loss. Idempotent.
func (d *Directory) Remove(ctx context.Context, runnerID uuid.UUID) error {
	return kv.RunTx(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		return d.removeInTx(ctx, tx, runnerID)
	})
}

func (d *Directory) removeInTx(ctx context.Context, tx kv.Tx, runnerID uuid.UUID) error {
	old, err := tx.Get(ctx, runnerAllocKeyKey(runnerID))
	if err != nil {
		return err
	}
	if old != nil {
		tx.Clear(kv.Key(old))
		tx.Clear(runnerAllocKeyKey(runnerID))
	}
	return nil
}

// PickBest returns the runner with the most remaining memory, or nil when
// the index is empty.
func (d *Directory) PickBest(ctx context.Context, datacenter, flavor string) (*Candidate, error) {
	var candidate *Candidate
	err := kv.ReadTx(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		candidate = nil
		r := allocSub(datacenter, flavor).Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End),
			kv.RangeOptions{Reverse: true, Limit: 1})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		tup, err := allocSub(datacenter, flavor).Unpack(entries[0].Key)
		if err != nil {
			return err
		}
		if len(tup) != 3 {
			return fmt.Errorf("runner: bad allocation index key shape")
		}
		mem, _ := tup[0].(int64)
		id, ok := tup[2].(uuid.UUID)
		if !ok {
			return fmt.Errorf("runner: bad allocation index runner id")
		}
		var entry allocEntry
		if err := json.Unmarshal(entries[0].Value, &entry); err != nil {
			return err
		}
		candidate = &Candidate{
			RunnerID:     id,
			WorkflowID:   entry.WorkflowID,
			RemainingMem: mem,
			TotalSlots:   entry.TotalSlots,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidate, nil
}

// ReserveMem shifts the runner's index entry down by deltaMB, keeping
// placement decisions roughly balanced between pings.
func (d *Directory) ReserveMem(ctx context.Context, runnerID uuid.UUID, deltaMB int64) error {
	return kv.RunTx(ctx, d.db, func(ctx context.Context, tx kv.Tx) error {
		old, err := tx.Get(ctx, runnerAllocKeyKey(runnerID))
		if err != nil {
			return err
		}
		if old == nil {
			// Drained or lost; nothing to reserve against.
			return nil
		}
		entryRaw, err := tx.Get(ctx, kv.Key(old))
		if err != nil {
			return err
		}
		if entryRaw == nil {
			return fmt.Errorf("runner: dangling allocation pointer for runner %s", runnerID)
		}

		// Full key shape: domain, dc, index name, flavor, mem, ping, id.
		tup, err := keyspace.Unpack(kv.Key(old))
		if err != nil {
			return err
		}
		if len(tup) != 7 {
			return fmt.Errorf("runner: bad allocation index key shape")
		}
		dc, _ := tup[1].(string)
		flavor, _ := tup[3].(string)
		mem, _ := tup[4].(int64)
		ping, _ := tup[5].(int64)

		tx.Clear(kv.Key(old))
		next := allocKey(dc, flavor, mem-deltaMB, ping, runnerID)
		tx.Set(next, entryRaw)
		tx.Set(runnerAllocKeyKey(runnerID), next)
		return nil
	})
}
