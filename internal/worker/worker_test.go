package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv/memkv"
	"github.com/gantryio/gantry/internal/metrics"
)

func newWorker(t *testing.T, reg *engine.Registry, cfg Config) (*Worker, *history.Store) {
	t.Helper()
	store := history.NewStore(memkv.New(), zerolog.Nop())
	eng := engine.New(store, reg, zerolog.Nop())
	m := metrics.New(prometheus.NewRegistry())
	return New(cfg, store, eng, m, zerolog.Nop()), store
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWorkerRunsWorkflowToCompletion(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, reg.RegisterActivity("greet", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"hello"`), nil
	}))
	require.NoError(t, reg.RegisterWorkflow("greeter", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		if _, err := c.Activity("greet", nil); err != nil {
			return nil, err
		}
		sig, err := c.Listen("reply")
		if err != nil {
			return nil, err
		}
		return sig.Body, nil
	}))

	w, store := newWorker(t, reg, Config{
		PollInterval: 5 * time.Millisecond,
		PingInterval: 5 * time.Millisecond,
	})
	startWorker(t, w)
	ctx := context.Background()

	id, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "greeter",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)

	// The worker claims the workflow and suspends it on the signal.
	require.Eventually(t, func() bool {
		wf, err := store.GetWorkflow(ctx, id)
		return err == nil && len(wf.Wake.Signals) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, store.PublishSignal(ctx, history.PublishSignalInput{
		Name:             "reply",
		Body:             json.RawMessage(`"done"`),
		TargetWorkflowID: &id,
	}))

	require.Eventually(t, func() bool {
		wf, err := store.GetWorkflow(ctx, id)
		return err == nil && wf.Output != nil
	}, 2*time.Second, 5*time.Millisecond)

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(wf.Output))

	ping, err := store.WorkerLastPing(ctx, w.WorkerInstanceID())
	require.NoError(t, err)
	require.Greater(t, ping, int64(0))
}

func TestWorkerMarksDeadAfterConsecutiveFailures(t *testing.T) {
	reg := engine.NewRegistry()
	runs := make(chan struct{}, 16)
	require.NoError(t, reg.RegisterWorkflow("doomed", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		runs <- struct{}{}
		return nil, errors.New("boom")
	}))

	w, store := newWorker(t, reg, Config{
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		RetryBackoffBase:       time.Millisecond,
	})
	startWorker(t, w)
	ctx := context.Background()

	id, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "doomed",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)

	// Run 1 requeues with backoff, run 2 hits the budget and marks dead.
	require.Eventually(t, func() bool {
		wf, err := store.GetWorkflow(ctx, id)
		return err == nil && wf.Status() == history.WorkflowStateDead
	}, 2*time.Second, 5*time.Millisecond)

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Contains(t, wf.Error, "boom")
	require.Len(t, runs, 2)

	// Dead workflows stay dead until an operator wakes them.
	time.Sleep(30 * time.Millisecond)
	require.Len(t, runs, 2)
	require.NoError(t, store.WakeWorkflow(ctx, id))
	require.Eventually(t, func() bool {
		return len(runs) > 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFailureBudgetSurvivesWorkerRestart(t *testing.T) {
	reg := engine.NewRegistry()
	runs := make(chan struct{}, 16)
	require.NoError(t, reg.RegisterWorkflow("doomed", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		runs <- struct{}{}
		return nil, errors.New("boom")
	}))

	store := history.NewStore(memkv.New(), zerolog.Nop())
	eng := engine.New(store, reg, zerolog.Nop())
	cfg := Config{
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		RetryBackoffBase:       200 * time.Millisecond,
	}
	newInstance := func() *Worker {
		return New(cfg, store, eng, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	}

	stopFirst := startWorker(t, newInstance())
	ctx := context.Background()

	id, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "doomed",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)

	// First failure lands on the row before the retry backoff elapses.
	require.Eventually(t, func() bool {
		wf, err := store.GetWorkflow(ctx, id)
		return err == nil && wf.ConsecutiveFailures == 1
	}, 2*time.Second, 5*time.Millisecond)
	stopFirst()

	// A fresh instance inherits the count and the second failure exhausts
	// the budget.
	startWorker(t, newInstance())
	require.Eventually(t, func() bool {
		wf, err := store.GetWorkflow(ctx, id)
		return err == nil && wf.Status() == history.WorkflowStateDead
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, runs, 2)
}

func TestWorkerSkipsUnregisteredWorkflows(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("known", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}))

	w, store := newWorker(t, reg, Config{PollInterval: 5 * time.Millisecond})
	startWorker(t, w)
	ctx := context.Background()

	otherID, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "other",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)
	knownID, err := store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  "known",
		Input: json.RawMessage(`null`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := store.GetWorkflow(ctx, knownID)
		return err == nil && wf.Output != nil
	}, 2*time.Second, 5*time.Millisecond)

	// The pull filter leaves foreign workflows for a worker that knows them.
	wf, err := store.GetWorkflow(ctx, otherID)
	require.NoError(t, err)
	require.Nil(t, wf.Output)
	require.True(t, wf.Wake.Immediate)
}
