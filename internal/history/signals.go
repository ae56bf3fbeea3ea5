package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

// SignalRow is the durable record of a published signal.
type SignalRow struct {
	SignalID   uuid.UUID         `json:"signal_id"`
	Name       string            `json:"name"`
	Tags       map[string]string `json:"tags,omitempty"`
	WorkflowID *uuid.UUID        `json:"workflow_id,omitempty"`
	CreateTs   int64             `json:"create_ts"`
	ConsumedTs int64             `json:"consumed_ts,omitempty"`
}

// PublishSignalInput addresses a signal either directly at a workflow id or
// at a tag set. Tagged signals match sleeping listeners whose tags contain
// every signal tag.
type PublishSignalInput struct {
	SignalID         uuid.UUID
	Name             string
	Body             json.RawMessage
	TargetWorkflowID *uuid.UUID
	TargetTags       map[string]string
}

func (in PublishSignalInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("history: publish signal with empty name")
	}
	if (in.TargetWorkflowID == nil) == (in.TargetTags == nil) {
		return fmt.Errorf("history: signal target must be exactly one of workflow id or tags")
	}
	return nil
}

// PublishSignal writes the signal row and delivers it to matching inboxes in
// one transaction. A directly addressed signal is durable even when the
// target is not currently listening; a tagged signal matches registered
// listeners at send time.
func (s *Store) PublishSignal(ctx context.Context, in PublishSignalInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	if in.SignalID == uuid.Nil {
		in.SignalID = uuid.New()
	}
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.publishSignal(ctx, tx, in)
	})
}

// publishSignal delivers inside the caller's transaction so a signal send
// can commit atomically with other rows, such as its history event.
// in.SignalID must already be set.
func (s *Store) publishSignal(ctx context.Context, tx kv.Tx, in PublishSignalInput) error {
	ts := nowMs()
	row := SignalRow{
		SignalID:   in.SignalID,
		Name:       in.Name,
		Tags:       in.TargetTags,
		WorkflowID: in.TargetWorkflowID,
		CreateTs:   ts,
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	tx.Set(signalRowKey(in.SignalID), raw)
	keyspace.WriteChunked(tx, signalBodySub(in.SignalID), in.Body)

	var targets []uuid.UUID
	if in.TargetWorkflowID != nil {
		targets = append(targets, *in.TargetWorkflowID)
	} else {
		targets, err = s.matchTaggedListeners(ctx, tx, in.Name, in.TargetTags)
		if err != nil {
			return err
		}
	}

	for _, target := range targets {
		tx.Set(inboxKey(target, in.Name, ts, in.SignalID), presenceValue)
		listening, err := tx.Get(ctx, wakeSignalKey(in.Name, target))
		if err != nil {
			return err
		}
		// Value presence distinguishes nothing here; a registered
		// listener row may carry a nil value.
		if listening != nil || in.TargetWorkflowID == nil {
			tx.Set(wakeImmediateKey(target), presenceValue)
		}
	}
	return nil
}

// matchTaggedListeners scans the listener index for a signal name and keeps
// workflows whose tags contain every signal tag.
func (s *Store) matchTaggedListeners(ctx context.Context, tx kv.Tx, name string, signalTags map[string]string) ([]uuid.UUID, error) {
	r := wakeSignalSub(name).Range()
	entries, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	var targets []uuid.UUID
	for _, entry := range entries {
		tup, err := wakeSignalSub(name).Unpack(entry.Key)
		if err != nil {
			return nil, err
		}
		id, ok := tup[0].(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("history: bad signal listener key")
		}
		wfTags, err := s.readTags(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if tagsSubset(signalTags, wfTags) {
			targets = append(targets, id)
		}
	}
	return targets, nil
}

// PullNextSignal consumes the oldest pending signal matching one of the
// given names and commits it as a Signal event at the location, all in one
// transaction. Returns nil when no signal is pending.
func (s *Store) PullNextSignal(ctx context.Context, workflowID uuid.UUID, names []string, loc Location, version int) (*SignalEvent, error) {
	var pulled *SignalEvent
	err := kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		pulled = nil

		var (
			oldest    *SignalRow
			oldestKey kv.Key
		)
		for _, name := range names {
			r := inboxNameSub(workflowID, name).Range()
			entries, err := tx.GetRange(ctx,
				kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End),
				kv.RangeOptions{Limit: 1})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				continue
			}
			tup, err := inboxNameSub(workflowID, name).Unpack(entries[0].Key)
			if err != nil {
				return err
			}
			if len(tup) != 2 {
				return fmt.Errorf("history: bad inbox key shape")
			}
			createTs, _ := tup[0].(int64)
			signalID, ok := tup[1].(uuid.UUID)
			if !ok {
				return fmt.Errorf("history: bad inbox key signal id")
			}
			if oldest == nil || createTs < oldest.CreateTs {
				oldest = &SignalRow{SignalID: signalID, Name: name, CreateTs: createTs}
				oldestKey = entries[0].Key
			}
		}
		if oldest == nil {
			return nil
		}

		body, err := keyspace.ReadChunked(ctx, tx, signalBodySub(oldest.SignalID))
		if err != nil {
			return err
		}

		// Consume: tombstone the row, delete the inbox entry.
		raw, err := tx.Get(ctx, signalRowKey(oldest.SignalID))
		if err != nil {
			return err
		}
		if raw != nil {
			var row SignalRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return err
			}
			row.ConsumedTs = nowMs()
			updated, err := json.Marshal(row)
			if err != nil {
				return err
			}
			tx.Set(signalRowKey(oldest.SignalID), updated)
		}
		tx.Clear(oldestKey)

		event := SignalEvent{SignalID: oldest.SignalID, Name: oldest.Name, Body: body}
		if err := s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data:    event,
		}); err != nil {
			return err
		}
		pulled = &event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pulled, nil
}

// GetSignal loads a signal row with its body, for debugging.
func (s *Store) GetSignal(ctx context.Context, id uuid.UUID) (*SignalRow, json.RawMessage, error) {
	var (
		row  *SignalRow
		body json.RawMessage
	)
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		raw, err := tx.Get(ctx, signalRowKey(id))
		if err != nil {
			return err
		}
		if raw == nil {
			return fmt.Errorf("history: signal %s not found", id)
		}
		row = &SignalRow{}
		if err := json.Unmarshal(raw, row); err != nil {
			return err
		}
		body, err = keyspace.ReadChunked(ctx, tx, signalBodySub(id))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return row, body, nil
}
