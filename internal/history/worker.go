package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/kv"
)

// UpdateWorkerPing records a worker instance heartbeat.
func (s *Store) UpdateWorkerPing(ctx context.Context, workerInstanceID uuid.UUID) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(workerPingKey(workerInstanceID), encodeInt64(nowMs()))
		return nil
	})
}

// WorkerLastPing returns the last recorded heartbeat, 0 when never pinged.
func (s *Store) WorkerLastPing(ctx context.Context, workerInstanceID uuid.UUID) (int64, error) {
	var ts int64
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		raw, err := tx.Get(ctx, workerPingKey(workerInstanceID))
		if err != nil {
			return err
		}
		ts = decodeInt64(raw)
		return nil
	})
	return ts, err
}

// ClearExpiredLeases fails over workflows whose lease expired, scheduling
// them for immediate pickup by another worker. Returns the number of leases
// cleared.
func (s *Store) ClearExpiredLeases(ctx context.Context) (int, error) {
	cleared := 0
	err := kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		cleared = 0
		now := nowMs()

		r := leaseSub().Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var l lease
			if err := json.Unmarshal(entry.Value, &l); err != nil {
				return err
			}
			if l.ExpireTs > now {
				continue
			}
			tup, err := leaseSub().Unpack(entry.Key)
			if err != nil {
				return err
			}
			workflowID, ok := tup[0].(uuid.UUID)
			if !ok {
				return fmt.Errorf("history: bad lease key")
			}

			tx.Clear(entry.Key)
			wake, err := s.readWake(ctx, tx, workflowID)
			if err != nil {
				return err
			}
			wake.Immediate = true
			if err := s.writeWake(tx, workflowID, wake); err != nil {
				return err
			}
			cleared++

			s.log.Warn().
				Stringer("workflow_id", workflowID).
				Stringer("worker_instance_id", l.WorkerInstanceID).
				Msg("cleared expired lease, failing over workflow")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}
