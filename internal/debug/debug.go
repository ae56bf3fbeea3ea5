// Package debug provides read-only introspection over workflow state plus
// the two operator mutations, silence and wake.
package debug

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/history"
)

type Inspector struct {
	store *history.Store
	log   zerolog.Logger
}

func NewInspector(store *history.Store, log zerolog.Logger) *Inspector {
	return &Inspector{store: store, log: log.With().Str("component", "debug").Logger()}
}

func (i *Inspector) ListWorkflows(ctx context.Context, filter history.ListWorkflowsFilter) ([]*history.Workflow, error) {
	return i.store.ListWorkflows(ctx, filter)
}

func (i *Inspector) GetWorkflow(ctx context.Context, id uuid.UUID) (*history.Workflow, error) {
	return i.store.GetWorkflow(ctx, id)
}

func (i *Inspector) ActivityErrors(ctx context.Context, id uuid.UUID) ([]history.ActivityError, error) {
	return i.store.GetActivityErrors(ctx, id)
}

// Silence hides a workflow from default listings without touching its
// execution.
func (i *Inspector) Silence(ctx context.Context, id uuid.UUID) error {
	i.log.Info().Stringer("workflow_id", id).Msg("silencing workflow")
	return i.store.SilenceWorkflow(ctx, id)
}

// Wake schedules an immediate re-entry, the operator path for reviving a
// dead workflow after the underlying fault is fixed.
func (i *Inspector) Wake(ctx context.Context, id uuid.UUID) error {
	i.log.Info().Stringer("workflow_id", id).Msg("waking workflow")
	return i.store.WakeWorkflow(ctx, id)
}

// RenderedEvent is one history event flattened for display.
type RenderedEvent struct {
	Location  string
	Depth     int
	Type      string
	Version   int
	Forgotten bool
	Detail    string
}

// DumpHistory flattens a workflow's event tree into location order. With
// includeForgotten set, forgotten events are loaded and ordinal gaps are
// filled with empty placeholders so the rendered tree is contiguous.
func (i *Inspector) DumpHistory(ctx context.Context, id uuid.UUID, includeForgotten bool) ([]RenderedEvent, error) {
	h, err := i.store.GetHistory(ctx, id, includeForgotten)
	if err != nil {
		return nil, err
	}

	type located struct {
		loc   history.Location
		event *history.Event
	}
	var all []located
	for key, branch := range h {
		root, err := history.ParseLocation(key)
		if err != nil {
			return nil, fmt.Errorf("debug: bad branch key %q: %w", key, err)
		}
		for _, e := range branch {
			all = append(all, located{loc: root.Join(e.Coordinate), event: e})
		}
	}
	sort.Slice(all, func(a, b int) bool {
		return all[a].loc.Compare(all[b].loc) < 0
	})

	out := make([]RenderedEvent, 0, len(all))
	for _, le := range all {
		out = append(out, RenderedEvent{
			Location:  le.loc.String(),
			Depth:     len(le.loc) - 1,
			Type:      le.event.Data.EventType().String(),
			Version:   le.event.Version,
			Forgotten: le.event.Forgotten,
			Detail:    eventDetail(le.event),
		})
	}
	return out, nil
}

func eventDetail(e *history.Event) string {
	switch data := e.Data.(type) {
	case history.ActivityEvent:
		return fmt.Sprintf("activity %q input_hash=%x", data.EventID.Name, data.EventID.InputHash)
	case history.SignalEvent:
		return fmt.Sprintf("signal %q id=%s", data.Name, data.SignalID)
	case history.SignalSendEvent:
		return fmt.Sprintf("signal send %q id=%s", data.Name, data.SignalID)
	case history.MessageSendEvent:
		return fmt.Sprintf("message %q", data.Name)
	case history.SubWorkflowEvent:
		return fmt.Sprintf("sub workflow %q id=%s", data.Name, data.SubWorkflowID)
	case history.LoopEvent:
		done := "running"
		if data.Output != nil {
			done = "complete"
		}
		return fmt.Sprintf("loop iteration=%d %s", data.Iteration, done)
	case history.SleepEvent:
		return fmt.Sprintf("sleep deadline_ts=%d state=%d", data.DeadlineTs, data.State)
	case history.RemovedEvent:
		return fmt.Sprintf("removed %s %q", data.RemovedEventType, data.Name)
	default:
		return ""
	}
}
