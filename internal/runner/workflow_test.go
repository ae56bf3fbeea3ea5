package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/kv/memkv"
	"github.com/gantryio/gantry/internal/metrics"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

type runnerEnv struct {
	db     kv.DB
	store  *history.Store
	eng    *engine.Engine
	dir    *Directory
	deps   *Deps
	lostMs time.Duration
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	db := memkv.New()
	store := history.NewStore(db, zerolog.Nop())
	reg := engine.NewRegistry()
	dir := NewDirectory(db)
	deps := &Deps{
		DB:            db,
		Directory:     dir,
		Metrics:       metrics.New(prometheus.NewRegistry()),
		LostThreshold: 200 * time.Millisecond,
	}
	require.NoError(t, Register(reg, deps))

	// Stands in for an actor workflow: collects state update kinds and
	// completes once the runner reports it lost.
	require.NoError(t, reg.RegisterWorkflow("fake_actor", func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		return c.Loop(json.RawMessage(`[]`), func(c *engine.WorkflowCtx, state json.RawMessage) (engine.LoopResult, error) {
			var kinds []string
			if err := json.Unmarshal(state, &kinds); err != nil {
				return engine.LoopResult{}, err
			}
			sig, err := c.Listen(SignalActorStateUpdate)
			if err != nil {
				return engine.LoopResult{}, err
			}
			var u StateUpdate
			if err := json.Unmarshal(sig.Body, &u); err != nil {
				return engine.LoopResult{}, err
			}
			kinds = append(kinds, u.Kind)
			next, err := json.Marshal(kinds)
			if err != nil {
				return engine.LoopResult{}, err
			}
			if u.Kind == StateLost {
				return engine.Break(next), nil
			}
			return engine.Continue(next), nil
		})
	}))

	return &runnerEnv{
		db:     db,
		store:  store,
		eng:    engine.New(store, reg, zerolog.Nop()),
		dir:    dir,
		deps:   deps,
		lostMs: deps.LostThreshold,
	}
}

func (e *runnerEnv) runOnce(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	workerID := uuid.New()
	pulled, err := e.store.PullWorkflows(ctx, workerID, nil, time.Minute, 16)
	require.NoError(t, err)
	for _, wf := range pulled {
		outcome := e.eng.RunWorkflow(ctx, wf)
		switch {
		case outcome.Err != nil:
			t.Fatalf("workflow %s run failed: %v", wf.Name, outcome.Err)
		case outcome.Wake != nil:
			require.NoError(t, e.store.SuspendWorkflow(ctx, wf.WorkflowID, workerID, *outcome.Wake, outcome.ErrMsg))
		default:
			require.NoError(t, e.store.CompleteWorkflow(ctx, wf.WorkflowID, workerID, outcome.Output))
		}
	}
	return len(pulled)
}

// runUntil drives the engine until cond holds, failing the test after a
// generous deadline.
func (e *runnerEnv) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.runOnce(t)
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func (e *runnerEnv) signal(t *testing.T, target uuid.UUID, name string, body any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, e.store.PublishSignal(context.Background(), history.PublishSignalInput{
		Name:             name,
		Body:             raw,
		TargetWorkflowID: &target,
	}))
}

func (e *runnerEnv) dispatchRunner(t *testing.T, runnerID uuid.UUID) uuid.UUID {
	t.Helper()
	input, err := json.Marshal(WorkflowInput{RunnerID: runnerID})
	require.NoError(t, err)
	id, err := e.store.DispatchWorkflow(context.Background(), history.DispatchWorkflowInput{
		Name:   WorkflowName,
		Tags:   map[string]string{"runner_id": runnerID.String()},
		Input:  input,
		Unique: true,
	})
	require.NoError(t, err)
	return id
}

func (e *runnerEnv) initRunner(t *testing.T, wfID, runnerID uuid.UUID) {
	t.Helper()
	e.signal(t, wfID, SignalInit, protocol.Init{
		RunnerID:       runnerID,
		LastCommandIdx: protocol.FullResendIdx,
		Config: protocol.RunnerConfig{
			Datacenter:       "dc-1",
			Flavor:           "basic",
			TotalSlots:       8,
			TotalMemoryMB:    4096,
			ReservedMemoryMB: 512,
		},
		SystemInfo: protocol.SystemInfo{OS: "linux", Arch: "amd64", Hostname: "runner-test"},
	})
	require.Equal(t, 1, e.runOnce(t))
}

func startCommand(actorID uuid.UUID, memoryMB int64) protocol.Command {
	return protocol.Command{
		Kind:    protocol.CommandStartActor,
		ActorID: actorID,
		Start: &protocol.StartActor{
			ArtifactURL: "https://artifacts.test/app.tar.lz4",
			Args:        []string{"/app/server"},
			MemoryMB:    memoryMB,
		},
	}
}

func eventBatch(idx int64, actorID uuid.UUID, kind protocol.EventKind) []protocol.EventWrapper {
	return []protocol.EventWrapper{
		{Index: idx, Event: protocol.ActorEvent{ActorID: actorID, Kind: kind, Ts: time.Now().UnixMilli()}},
	}
}

func TestRunnerLostMarksEachOwnedActorOnce(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)

	actorWfA, err := env.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{Name: "fake_actor", Input: json.RawMessage(`null`)})
	require.NoError(t, err)
	actorWfB, err := env.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{Name: "fake_actor", Input: json.RawMessage(`null`)})
	require.NoError(t, err)
	require.Equal(t, 2, env.runOnce(t))

	runnerID := uuid.New()
	wfID := env.dispatchRunner(t, runnerID)
	require.Equal(t, 1, env.runOnce(t))
	env.initRunner(t, wfID, runnerID)

	best, err := env.dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, int64(3584), best.RemainingMem)

	actorA, actorB := uuid.New(), uuid.New()
	env.signal(t, wfID, SignalCommand, CommandRequest{
		ActorWorkflowID: actorWfA,
		Command:         startCommand(actorA, 256),
	})
	require.Equal(t, 1, env.runOnce(t))
	env.signal(t, wfID, SignalCommand, CommandRequest{
		ActorWorkflowID: actorWfB,
		Command:         startCommand(actorB, 256),
	})
	require.Equal(t, 1, env.runOnce(t))

	cmds, err := CommandsAfter(ctx, env.db, runnerID, -1)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, int64(0), cmds[0].Index)
	require.Equal(t, int64(1), cmds[1].Index)

	// A runs; then the same event index is delivered again and dropped.
	env.signal(t, wfID, SignalForward, eventBatch(0, actorA, "running"))
	require.GreaterOrEqual(t, env.runOnce(t), 1)
	env.signal(t, wfID, SignalForward, eventBatch(0, actorA, "running"))
	require.GreaterOrEqual(t, env.runOnce(t), 1)
	require.Equal(t, float64(1), testutil.ToFloat64(env.deps.Metrics.DuplicateRunnerEvents))

	// Let actor A consume the forwarded update before the runner goes quiet.
	env.runOnce(t)

	time.Sleep(env.lostMs + 50*time.Millisecond)
	require.GreaterOrEqual(t, env.runOnce(t), 1)

	wf, err := env.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	var out WorkflowOutput
	require.NoError(t, json.Unmarshal(wf.Output, &out))
	require.True(t, out.Lost)
	require.Equal(t, 2, out.ActorsMarkedLost)

	// Lost signals wake both actors; each sees exactly one lost update.
	env.runOnce(t)
	for _, actorWf := range []uuid.UUID{actorWfA, actorWfB} {
		actor, err := env.store.GetWorkflow(ctx, actorWf)
		require.NoError(t, err)
		var kinds []string
		require.NoError(t, json.Unmarshal(actor.Output, &kinds))
		lost := 0
		for _, k := range kinds {
			if k == StateLost {
				lost++
			}
		}
		require.Equal(t, 1, lost, "actor workflow %s saw %v", actorWf, kinds)
	}

	best, err = env.dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.Nil(t, best)
}

func TestRunnerStoppedActorNotMarkedLost(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)

	actorWf, err := env.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{Name: "fake_actor", Input: json.RawMessage(`null`)})
	require.NoError(t, err)
	require.Equal(t, 1, env.runOnce(t))

	runnerID := uuid.New()
	wfID := env.dispatchRunner(t, runnerID)
	require.Equal(t, 1, env.runOnce(t))
	env.initRunner(t, wfID, runnerID)

	actorID := uuid.New()
	env.signal(t, wfID, SignalCommand, CommandRequest{
		ActorWorkflowID: actorWf,
		Command:         startCommand(actorID, 256),
	})
	require.Equal(t, 1, env.runOnce(t))

	// The actor stops cleanly; ownership ends with the stopped event.
	env.signal(t, wfID, SignalForward, eventBatch(0, actorID, "stopped"))
	require.GreaterOrEqual(t, env.runOnce(t), 1)
	env.runOnce(t)

	time.Sleep(env.lostMs + 50*time.Millisecond)
	require.GreaterOrEqual(t, env.runOnce(t), 1)

	wf, err := env.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	var out WorkflowOutput
	require.NoError(t, json.Unmarshal(wf.Output, &out))
	require.True(t, out.Lost)
	require.Equal(t, 0, out.ActorsMarkedLost)
}

func TestRunnerDrainRemovesAndUndrainRestores(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)

	runnerID := uuid.New()
	wfID := env.dispatchRunner(t, runnerID)
	require.Equal(t, 1, env.runOnce(t))
	env.initRunner(t, wfID, runnerID)

	env.signal(t, wfID, SignalDrain, struct{}{})
	require.Equal(t, 1, env.runOnce(t))
	best, err := env.dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.Nil(t, best)

	// Draining twice is a no-op.
	env.signal(t, wfID, SignalDrain, struct{}{})
	require.Equal(t, 1, env.runOnce(t))

	env.signal(t, wfID, SignalUndrain, struct{}{})
	require.Equal(t, 1, env.runOnce(t))
	best, err = env.dir.PickBest(ctx, "dc-1", "basic")
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, runnerID, best.RunnerID)
	require.Equal(t, int64(3584), best.RemainingMem)
}

func TestRunnerRejectsNilRunnerID(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)

	input, err := json.Marshal(WorkflowInput{})
	require.NoError(t, err)
	wfID, err := env.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:  WorkflowName,
		Input: input,
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.runOnce(t))

	wf, err := env.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.Contains(t, string(wf.Output), "validation_error")
}
