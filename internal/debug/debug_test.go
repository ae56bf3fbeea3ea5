package debug

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv/memkv"
)

func newInspector(t *testing.T) (*Inspector, *history.Store) {
	t.Helper()
	store := history.NewStore(memkv.New(), zerolog.Nop())
	return NewInspector(store, zerolog.Nop()), store
}

func loc(coords ...uint32) history.Location {
	out := history.RootLocation()
	for _, c := range coords {
		out = out.Join(history.SimpleCoord(c))
	}
	return out
}

func TestDumpHistoryOrdersAndFillsGaps(t *testing.T) {
	insp, store := newInspector(t)
	ctx := context.Background()

	id, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "inspected",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)

	// Events at ordinals 1 and 3, plus a nested one, leaving a gap at 2.
	require.NoError(t, store.CommitActivityEvent(ctx, id, loc(1), 1,
		history.NewEventID("setup", nil), nil, json.RawMessage(`"ok"`)))
	require.NoError(t, store.CommitActivityEvent(ctx, id, loc(3), 1,
		history.NewEventID("teardown", nil), nil, json.RawMessage(`"ok"`)))
	require.NoError(t, store.CommitBranchEvent(ctx, id, loc(4), 1))
	require.NoError(t, store.CommitActivityEvent(ctx, id, loc(4, 1), 1,
		history.NewEventID("nested", nil), nil, json.RawMessage(`"ok"`)))

	// Without the audit flag the dump shows exactly what replay sees.
	events, err := insp.DumpHistory(ctx, id, false)
	require.NoError(t, err)
	locations := make([]string, len(events))
	for i, e := range events {
		locations[i] = e.Location
	}
	require.Equal(t, []string{"{1}", "{3}", "{4}", "{4},{1}"}, locations)
	require.Equal(t, 1, events[3].Depth)
	require.Contains(t, events[0].Detail, "setup")

	// Audit mode fills the ordinal gap with an empty placeholder.
	events, err = insp.DumpHistory(ctx, id, true)
	require.NoError(t, err)
	locations = locations[:0]
	for _, e := range events {
		locations = append(locations, e.Location)
	}
	require.Equal(t, []string{"{1}", "{2}", "{3}", "{4}", "{4},{1}"}, locations)
	require.Equal(t, "empty", events[1].Type)
}

func TestSilenceAndWake(t *testing.T) {
	insp, store := newInspector(t)
	ctx := context.Background()

	id, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "quiet",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)

	require.NoError(t, insp.Silence(ctx, id))
	listed, err := insp.ListWorkflows(ctx, history.ListWorkflowsFilter{Name: "quiet"})
	require.NoError(t, err)
	require.Empty(t, listed)

	listed, err = insp.ListWorkflows(ctx, history.ListWorkflowsFilter{Name: "quiet", IncludeSilenced: true})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, insp.Wake(ctx, id))
	wf, err := insp.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.True(t, wf.Wake.Immediate)
}
