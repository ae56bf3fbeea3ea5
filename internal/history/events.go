package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

// commitEvent writes one event's chunked envelope at a location in the
// active history.
func (s *Store) commitEvent(tx kv.Tx, workflowID uuid.UUID, loc Location, event *Event) error {
	if len(loc) == 0 {
		return fmt.Errorf("history: commit event at root location")
	}
	event.Coordinate = loc[len(loc)-1]
	encoded, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	keyspace.WriteChunked(tx, eventSub(workflowID, historyVariantActive, loc), encoded)
	return nil
}

// CommitActivityEvent records a successful activity with its output.
func (s *Store) CommitActivityEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int, eventID EventID, input, output json.RawMessage) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data: ActivityEvent{
				EventID: eventID,
				Input:   input,
				Output:  output,
			},
		})
	})
}

// activityErrorRow aggregates repeated failures of one activity invocation.
type activityErrorRow struct {
	Count    int64 `json:"count"`
	LatestTs int64 `json:"latest_ts"`
}

// CommitActivityError upserts the error row for an activity invocation,
// aggregated per (location, message) with count and latest timestamp.
func (s *Store) CommitActivityError(ctx context.Context, workflowID uuid.UUID, loc Location, message string) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		key := activityErrorKey(workflowID, loc, message)
		var row activityErrorRow
		if raw, err := tx.Get(ctx, key); err != nil {
			return err
		} else if raw != nil {
			if err := json.Unmarshal(raw, &row); err != nil {
				return err
			}
		}
		row.Count++
		row.LatestTs = nowMs()
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		tx.Set(key, raw)
		return nil
	})
}

// ActivityError is one aggregated activity failure.
type ActivityError struct {
	Location Location
	Message  string
	Count    int64
	LatestTs int64
}

// GetActivityErrors lists a workflow's aggregated activity failures.
func (s *Store) GetActivityErrors(ctx context.Context, workflowID uuid.UUID) ([]ActivityError, error) {
	var out []ActivityError
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		out = out[:0]
		sub := errorHistorySub(workflowID)
		r := sub.Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			tup, err := sub.Unpack(entry.Key)
			if err != nil {
				return err
			}
			if len(tup) < 2 {
				return fmt.Errorf("history: bad activity error key shape")
			}
			loc := make(Location, 0, len(tup)-1)
			for _, el := range tup[:len(tup)-1] {
				raw, ok := el.([]byte)
				if !ok {
					return fmt.Errorf("history: bad activity error key coordinate")
				}
				coord, err := CoordinateFromKeyBytes(raw)
				if err != nil {
					return err
				}
				loc = append(loc, coord)
			}
			message, ok := tup[len(tup)-1].(string)
			if !ok {
				return fmt.Errorf("history: bad activity error key message")
			}
			var row activityErrorRow
			if err := json.Unmarshal(entry.Value, &row); err != nil {
				return err
			}
			out = append(out, ActivityError{
				Location: loc,
				Message:  message,
				Count:    row.Count,
				LatestTs: row.LatestTs,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommitSignalSendEvent records an outgoing signal and publishes it in the
// same transaction.
func (s *Store) CommitSignalSendEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int, in PublishSignalInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	if in.SignalID == uuid.Nil {
		in.SignalID = uuid.New()
	}
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if err := s.publishSignal(ctx, tx, in); err != nil {
			return err
		}
		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data: SignalSendEvent{
				SignalID: in.SignalID,
				Name:     in.Name,
				Tags:     in.TargetTags,
				Body:     in.Body,
			},
		})
	})
}

// CommitMessageSendEvent records a fire-and-forget message for replay audit.
func (s *Store) CommitMessageSendEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int, name string, tags map[string]string, body json.RawMessage) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data: MessageSendEvent{
				Name: name,
				Tags: orEmptyTags(tags),
				Body: body,
			},
		})
	})
}

// CommitSubWorkflowEvent dispatches a child workflow and records the event
// in one transaction.
func (s *Store) CommitSubWorkflowEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int, in DispatchWorkflowInput) (uuid.UUID, error) {
	if in.WorkflowID == uuid.Nil {
		in.WorkflowID = uuid.New()
	}
	subID := in.WorkflowID
	err := kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		ts := nowMs()
		tx.Set(workflowNameKey(subID), []byte(in.Name))
		tx.Set(workflowCreateTsKey(subID), encodeInt64(ts))
		tags, err := json.Marshal(orEmptyTags(in.Tags))
		if err != nil {
			return err
		}
		tx.Set(workflowTagsKey(subID), tags)
		keyspace.WriteChunked(tx, workflowInputSub(subID), in.Input)
		tx.Set(workflowByNameKey(in.Name, ts, subID), presenceValue)
		if err := s.writeWake(tx, subID, WakeConditions{Immediate: true}); err != nil {
			return err
		}

		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data: SubWorkflowEvent{
				SubWorkflowID: subID,
				Name:          in.Name,
				Tags:          in.Tags,
				Input:         in.Input,
			},
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return subID, nil
}

// CommitSleepEvent records a new sleep with its deadline.
func (s *Store) CommitSleepEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int, deadlineTs int64, state SleepState) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data: SleepEvent{
				DeadlineTs: deadlineTs,
				State:      state,
			},
		})
	})
}

// UpdateSleepEventState rewrites the state of a recorded sleep after it
// resolves (interrupted by a signal or expired while listening).
func (s *Store) UpdateSleepEventState(ctx context.Context, workflowID uuid.UUID, loc Location, state SleepState) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		sub := eventSub(workflowID, historyVariantActive, loc)
		raw, err := keyspace.ReadChunked(ctx, tx, sub)
		if err != nil {
			return err
		}
		if raw == nil {
			return fmt.Errorf("history: no sleep event at %s for workflow %s", loc, workflowID)
		}
		event, err := DecodeEvent(loc[len(loc)-1], raw)
		if err != nil {
			return err
		}
		sleep, ok := event.Data.(SleepEvent)
		if !ok {
			return fmt.Errorf("history: event at %s is %s, not sleep", loc, event.Data.EventType())
		}
		sleep.State = state
		event.Data = sleep
		return s.commitEvent(tx, workflowID, loc, event)
	})
}

// CommitBranchEvent records a branch marker, opening a nested scope.
func (s *Store) CommitBranchEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data:    BranchEvent{},
		})
	})
}

// CommitRemovedEvent tombstones a step kind removed from the workflow code.
func (s *Store) CommitRemovedEvent(ctx context.Context, workflowID uuid.UUID, loc Location, removedType EventType, name string) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.commitEvent(tx, workflowID, loc, &Event{
			Data: RemovedEvent{
				RemovedEventType: removedType,
				Name:             name,
			},
		})
	})
}

// CommitVersionCheckEvent records a zero-width version marker.
func (s *Store) CommitVersionCheckEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		return s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data:    VersionCheckEvent{},
		})
	})
}

// UpsertLoopEvent writes or rewrites a loop event and, when the iteration
// advanced, moves the loop's recorded children into the forgotten history so
// replay cost stays bounded.
func (s *Store) UpsertLoopEvent(ctx context.Context, workflowID uuid.UUID, loc Location, version int, state, output json.RawMessage, iteration int) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if err := s.commitEvent(tx, workflowID, loc, &Event{
			Version: version,
			Data: LoopEvent{
				State:     state,
				Output:    output,
				Iteration: iteration,
			},
		}); err != nil {
			return err
		}
		if iteration > 0 {
			return s.forgetLoopChildren(ctx, tx, workflowID, loc)
		}
		return nil
	})
}

// forgetLoopChildren moves every event under the loop's branch subspace from
// active to forgotten history, then prunes the forgotten history to its
// retention bound.
func (s *Store) forgetLoopChildren(ctx context.Context, tx kv.Tx, workflowID uuid.UUID, loopLoc Location) error {
	activePrefix := historySub(workflowID, historyVariantActive).Sub(loopLoc.KeyElements()...).Key()
	forgottenPrefix := historySub(workflowID, historyVariantForgotten).Sub(loopLoc.KeyElements()...).Key()
	forgottenRoot := historySub(workflowID, historyVariantForgotten)

	// Only the loop's children move; the loop's own payload stays active.
	r := eventChildrenRange(workflowID, historyVariantActive, loopLoc)
	entries, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		suffix := entry.Key[len(activePrefix):]
		forgottenKey := append(append(kv.Key{}, forgottenPrefix...), suffix...)
		tx.Set(forgottenKey, entry.Value)
	}
	tx.ClearRange(r.Begin, r.End)

	// Retain only the most recent forgotten entries.
	fr := forgottenRoot.Range()
	forgotten, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(fr.Begin), kv.FirstGreaterOrEqual(fr.End), kv.RangeOptions{})
	if err != nil {
		return err
	}
	if excess := len(forgotten) - forgottenRetainCount; excess > 0 {
		tx.ClearRange(fr.Begin, kv.KeyAfter(forgotten[excess-1].Key))
	}
	return nil
}
