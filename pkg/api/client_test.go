package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv/memkv"
)

func newClient(t *testing.T) (*Client, *history.Store, *engine.Engine, *engine.Registry) {
	t.Helper()
	store := history.NewStore(memkv.New(), zerolog.Nop())
	reg := engine.NewRegistry()
	return NewClient(store, zerolog.Nop()), store, engine.New(store, reg, zerolog.Nop()), reg
}

func runDue(t *testing.T, store *history.Store, eng *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	workerID := uuid.New()
	pulled, err := store.PullWorkflows(ctx, workerID, nil, time.Minute, 16)
	require.NoError(t, err)
	for _, wf := range pulled {
		outcome := eng.RunWorkflow(ctx, wf)
		switch {
		case outcome.Err != nil:
			t.Fatalf("run failed: %v", outcome.Err)
		case outcome.Wake != nil:
			require.NoError(t, store.SuspendWorkflow(ctx, wf.WorkflowID, workerID, *outcome.Wake, outcome.ErrMsg))
		default:
			require.NoError(t, store.CompleteWorkflow(ctx, wf.WorkflowID, workerID, outcome.Output))
		}
	}
}

func TestClientDispatchSignalWait(t *testing.T) {
	ctx := context.Background()
	client, store, eng, reg := newClient(t)

	require.NoError(t, reg.RegisterWorkflow("echo_signal", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		sig, err := c.Listen("value")
		if err != nil {
			return nil, err
		}
		return sig.Body, nil
	}))

	id, err := client.Dispatch(ctx, "echo_signal", nil, DispatchOptions{
		Tags: map[string]string{"env": "prod"},
	})
	require.NoError(t, err)
	runDue(t, store, eng)

	require.NoError(t, client.Signal(ctx, id, "value", map[string]int{"n": 7}))
	runDue(t, store, eng)

	out, err := WaitInto[map[string]int](ctx, client, id)
	require.NoError(t, err)
	require.Equal(t, 7, out["n"])

	wf, err := client.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "prod", wf.Tags["env"])

	listed, err := client.List(ctx, history.ListWorkflowsFilter{Name: "echo_signal"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestClientUniqueDispatchReturnsExisting(t *testing.T) {
	ctx := context.Background()
	client, _, _, reg := newClient(t)
	require.NoError(t, reg.RegisterWorkflow("singleton", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		sig, err := c.Listen("stop")
		if err != nil {
			return nil, err
		}
		return sig.Body, nil
	}))

	opts := DispatchOptions{Tags: map[string]string{"k": "v"}, Unique: true}
	first, err := client.Dispatch(ctx, "singleton", nil, opts)
	require.NoError(t, err)
	second, err := client.Dispatch(ctx, "singleton", nil, opts)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestClientSilenceAndWake(t *testing.T) {
	ctx := context.Background()
	client, store, eng, reg := newClient(t)
	require.NoError(t, reg.RegisterWorkflow("noop", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	}))

	id, err := client.Dispatch(ctx, "noop", nil, DispatchOptions{})
	require.NoError(t, err)
	require.NoError(t, client.Silence(ctx, id))

	// Silenced workflows are not pulled.
	pulled, err := store.PullWorkflows(ctx, uuid.New(), nil, time.Minute, 16)
	require.NoError(t, err)
	require.Empty(t, pulled)

	require.NoError(t, client.Wake(ctx, id))
	runDue(t, store, eng)

	out, err := client.Wait(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(out))
}
