package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv/memkv"
)

func newEnv(t *testing.T) (*history.Store, *Registry, *Engine) {
	t.Helper()
	store := history.NewStore(memkv.New(), zerolog.Nop())
	reg := NewRegistry()
	return store, reg, New(store, reg, zerolog.Nop())
}

// runOnce pulls every due workflow, runs it once and applies the outcome.
// Returns how many workflows were pulled. Fails the test on a fatal run
// error; tests that expect one drive the engine directly.
func runOnce(t *testing.T, store *history.Store, eng *Engine) int {
	t.Helper()
	ctx := context.Background()
	workerID := uuid.New()
	pulled, err := store.PullWorkflows(ctx, workerID, nil, time.Minute, 16)
	require.NoError(t, err)
	for _, wf := range pulled {
		outcome := eng.RunWorkflow(ctx, wf)
		switch {
		case outcome.Err != nil:
			t.Fatalf("workflow %s run failed: %v", wf.Name, outcome.Err)
		case outcome.Wake != nil:
			require.NoError(t, store.SuspendWorkflow(ctx, wf.WorkflowID, workerID, *outcome.Wake, outcome.ErrMsg))
		default:
			require.NoError(t, store.CompleteWorkflow(ctx, wf.WorkflowID, workerID, outcome.Output))
		}
	}
	return len(pulled)
}

func dispatch(t *testing.T, store *history.Store, name string, input string) uuid.UUID {
	t.Helper()
	id, err := store.DispatchWorkflow(context.Background(), history.DispatchWorkflowInput{
		Name:  name,
		Input: json.RawMessage(input),
	})
	require.NoError(t, err)
	return id
}

func signal(t *testing.T, store *history.Store, target uuid.UUID, name, body string) {
	t.Helper()
	err := store.PublishSignal(context.Background(), history.PublishSignalInput{
		Name:             name,
		Body:             json.RawMessage(body),
		TargetWorkflowID: &target,
	})
	require.NoError(t, err)
}

func TestActivityReplayAcrossSuspension(t *testing.T) {
	store, reg, eng := newEnv(t)

	aRuns, bRuns := 0, 0
	require.NoError(t, reg.RegisterActivity("step_a", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		aRuns++
		return json.RawMessage(`"a"`), nil
	}))
	require.NoError(t, reg.RegisterActivity("step_b", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		bRuns++
		return json.RawMessage(`"b"`), nil
	}))
	require.NoError(t, reg.RegisterWorkflow("two_step", func(c *WorkflowCtx) (json.RawMessage, error) {
		if _, err := c.Activity("step_a", nil); err != nil {
			return nil, err
		}
		sig, err := c.Listen("go")
		if err != nil {
			return nil, err
		}
		if _, err := c.Activity("step_b", nil); err != nil {
			return nil, err
		}
		return sig.Body, nil
	}))

	id := dispatch(t, store, "two_step", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))
	require.Equal(t, 1, aRuns)

	// Suspended on the signal; nothing is due.
	require.Equal(t, 0, runOnce(t, store, eng))

	signal(t, store, id, "go", `{"n":1}`)
	require.Equal(t, 1, runOnce(t, store, eng))

	wf, err := store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(wf.Output))

	// The first activity replayed from history on the second entry.
	require.Equal(t, 1, aRuns)
	require.Equal(t, 1, bRuns)
}

func TestActivityRetryExhaustion(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, reg.RegisterActivityWithPolicy("flaky", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		attempts++
		return nil, context.DeadlineExceeded
	}, RetryPolicy{
		MaxAttempts:   3,
		Interval:      time.Millisecond,
		Multiplier:    1,
		RetryInterval: time.Minute,
	}))
	require.NoError(t, reg.RegisterWorkflow("always_fails", func(c *WorkflowCtx) (json.RawMessage, error) {
		return c.Activity("flaky", 7)
	}))

	id := dispatch(t, store, "always_fails", `null`)
	workerID := uuid.New()
	pulled, err := store.PullWorkflows(ctx, workerID, nil, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	before := time.Now().UnixMilli()
	outcome := eng.RunWorkflow(ctx, pulled[0])
	require.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Wake)
	require.GreaterOrEqual(t, outcome.Wake.DeadlineTs, before+time.Minute.Milliseconds())
	require.Contains(t, outcome.ErrMsg, "flaky")
	require.Equal(t, 3, attempts)

	require.NoError(t, store.SuspendWorkflow(ctx, id, workerID, *outcome.Wake, outcome.ErrMsg))

	// All three failures aggregate into one error row.
	errRows, err := store.GetActivityErrors(ctx, id)
	require.NoError(t, err)
	require.Len(t, errRows, 1)
	require.Equal(t, int64(3), errRows[0].Count)

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Contains(t, wf.Error, "flaky")
	require.Equal(t, history.WorkflowStateSleeping, wf.Status())
}

func TestVersionInsertion(t *testing.T) {
	store, regV1, engV1 := newEnv(t)
	ctx := context.Background()

	noop := func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}
	require.NoError(t, regV1.RegisterActivity("first", noop))
	require.NoError(t, regV1.RegisterActivity("last", noop))
	require.NoError(t, regV1.RegisterWorkflow("versioned", func(c *WorkflowCtx) (json.RawMessage, error) {
		if _, err := c.Activity("first", nil); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate"); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate2"); err != nil {
			return nil, err
		}
		return c.Activity("last", nil)
	}))

	id := dispatch(t, store, "versioned", `null`)
	require.Equal(t, 1, runOnce(t, store, engV1))
	signal(t, store, id, "gate", `1`)
	require.Equal(t, 1, runOnce(t, store, engV1))

	// Redeploy: a new step pinned to version 2 now sits between "first" and
	// the gate. Replay must insert it, not diverge.
	regV2 := NewRegistry()
	engV2 := New(store, regV2, zerolog.Nop())
	insertedRuns, lastRuns := 0, 0
	require.NoError(t, regV2.RegisterActivity("first", noop))
	require.NoError(t, regV2.RegisterActivity("inserted", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		insertedRuns++
		return json.RawMessage(`"ins"`), nil
	}))
	require.NoError(t, regV2.RegisterActivity("last", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		lastRuns++
		return json.RawMessage(`"done"`), nil
	}))
	require.NoError(t, regV2.RegisterWorkflow("versioned", func(c *WorkflowCtx) (json.RawMessage, error) {
		if _, err := c.Activity("first", nil); err != nil {
			return nil, err
		}
		if _, err := c.V(2).Activity("inserted", nil); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate"); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate2"); err != nil {
			return nil, err
		}
		return c.Activity("last", nil)
	}))

	require.NoError(t, store.WakeWorkflow(ctx, id))
	require.Equal(t, 1, runOnce(t, store, engV2))
	require.Equal(t, 1, insertedRuns)

	// The inserted step took a coordinate between "first" at 1 and the gate
	// signal at 2.
	h, err := store.GetHistory(ctx, id, false)
	require.NoError(t, err)
	var insertedCoord string
	for _, e := range h.Branch(history.RootLocation()) {
		if a, ok := e.Data.(history.ActivityEvent); ok && a.EventID.Name == "inserted" {
			insertedCoord = e.Coordinate.String()
			require.Equal(t, 2, e.Version)
		}
	}
	require.Equal(t, "1.1", insertedCoord)

	signal(t, store, id, "gate2", `2`)
	require.Equal(t, 1, runOnce(t, store, engV2))
	require.Equal(t, 1, insertedRuns)
	require.Equal(t, 1, lastRuns)

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(wf.Output))
}

func TestLoopCheckpointAndForgetting(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	workRuns := 0
	require.NoError(t, reg.RegisterActivity("work", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		workRuns++
		return in, nil
	}))
	require.NoError(t, reg.RegisterWorkflow("looper", func(c *WorkflowCtx) (json.RawMessage, error) {
		return c.Loop(json.RawMessage(`0`), func(c *WorkflowCtx, state json.RawMessage) (LoopResult, error) {
			var n int
			if err := json.Unmarshal(state, &n); err != nil {
				return LoopResult{}, err
			}
			if _, err := c.Activity("work", n); err != nil {
				return LoopResult{}, err
			}
			n++
			next, err := json.Marshal(n)
			if err != nil {
				return LoopResult{}, err
			}
			if n >= 3 {
				return Break(next), nil
			}
			return Continue(next), nil
		})
	}))

	id := dispatch(t, store, "looper", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))
	require.Equal(t, 3, workRuns)

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `3`, string(wf.Output))

	// Active history keeps only the loop event with its final state; the
	// iteration branches were forgotten as the loop advanced.
	active, err := store.GetHistory(ctx, id, false)
	require.NoError(t, err)
	root := active.Branch(history.RootLocation())
	require.Len(t, root, 1)
	loopEvent, ok := root[0].Data.(history.LoopEvent)
	require.True(t, ok)
	require.Equal(t, 2, loopEvent.Iteration)
	require.NotNil(t, loopEvent.Output)

	audit, err := store.GetHistory(ctx, id, true)
	require.NoError(t, err)
	forgotten := 0
	for _, branch := range audit {
		for _, e := range branch {
			if e.Forgotten {
				forgotten++
			}
		}
	}
	require.Greater(t, forgotten, 0)
}

func TestListenWithTimeoutExpires(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterWorkflow("patient", func(c *WorkflowCtx) (json.RawMessage, error) {
		sig, err := c.ListenWithTimeout(10*time.Millisecond, "evt")
		if err != nil {
			return nil, err
		}
		if sig == nil {
			return json.RawMessage(`"timeout"`), nil
		}
		return sig.Body, nil
	}))

	id := dispatch(t, store, "patient", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, runOnce(t, store, eng))

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `"timeout"`, string(wf.Output))

	h, err := store.GetHistory(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, history.SleepStateExpired, findSleep(t, h).State)
}

func TestListenWithTimeoutInterrupted(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterWorkflow("patient", func(c *WorkflowCtx) (json.RawMessage, error) {
		sig, err := c.ListenWithTimeout(time.Hour, "evt")
		if err != nil {
			return nil, err
		}
		if sig == nil {
			return json.RawMessage(`"timeout"`), nil
		}
		return sig.Body, nil
	}))

	id := dispatch(t, store, "patient", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))

	signal(t, store, id, "evt", `"hello"`)
	require.Equal(t, 1, runOnce(t, store, eng))

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `"hello"`, string(wf.Output))

	h, err := store.GetHistory(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, history.SleepStateInterrupted, findSleep(t, h).State)
}

func findSleep(t *testing.T, h history.History) *history.SleepEvent {
	t.Helper()
	for _, branch := range h {
		for _, e := range branch {
			if s, ok := e.Data.(history.SleepEvent); ok {
				return &s
			}
		}
	}
	t.Fatal("no sleep event in history")
	return nil
}

func TestJoinBranches(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	leftRuns := 0
	require.NoError(t, reg.RegisterActivity("left", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		leftRuns++
		return json.RawMessage(`"left"`), nil
	}))
	require.NoError(t, reg.RegisterWorkflow("forked", func(c *WorkflowCtx) (json.RawMessage, error) {
		var got json.RawMessage
		err := c.Join(
			func(b *WorkflowCtx) error {
				_, err := b.Activity("left", nil)
				return err
			},
			func(b *WorkflowCtx) error {
				sig, err := b.Listen("ping")
				if err != nil {
					return err
				}
				got = sig.Body
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		return got, nil
	}))

	id := dispatch(t, store, "forked", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))
	require.Equal(t, 1, leftRuns)

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, wf.Wake.Signals)

	signal(t, store, id, "ping", `"pong"`)
	require.Equal(t, 1, runOnce(t, store, eng))
	require.Equal(t, 1, leftRuns)

	wf, err = store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(wf.Output))
}

func TestSubWorkflowDispatchAndWait(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterActivity("double", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(in, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	}))
	require.NoError(t, reg.RegisterWorkflow("child", func(c *WorkflowCtx) (json.RawMessage, error) {
		n, err := Input[int](c)
		if err != nil {
			return nil, err
		}
		return c.Activity("double", n)
	}))
	require.NoError(t, reg.RegisterWorkflow("parent", func(c *WorkflowCtx) (json.RawMessage, error) {
		childID, err := c.Dispatch("child", nil, 21)
		if err != nil {
			return nil, err
		}
		return c.WaitForWorkflow(childID)
	}))

	id := dispatch(t, store, "parent", `null`)
	// Entry 1: parent dispatches the child and suspends on it. Entry 2: the
	// child completes, waking the parent. Entry 3: parent completes.
	require.Equal(t, 1, runOnce(t, store, eng))
	require.Equal(t, 1, runOnce(t, store, eng))
	require.Equal(t, 1, runOnce(t, store, eng))

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(wf.Output))
}

func TestHistoryDivergenceDetected(t *testing.T) {
	store, regV1, engV1 := newEnv(t)
	ctx := context.Background()

	noop := func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}
	require.NoError(t, regV1.RegisterActivity("one", noop))
	require.NoError(t, regV1.RegisterWorkflow("drift", func(c *WorkflowCtx) (json.RawMessage, error) {
		if _, err := c.Activity("one", nil); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate"); err != nil {
			return nil, err
		}
		return nil, nil
	}))

	id := dispatch(t, store, "drift", `null`)
	require.Equal(t, 1, runOnce(t, store, engV1))

	// A different activity at the same position and version is a bug in the
	// deploy, not an insertion.
	regV2 := NewRegistry()
	engV2 := New(store, regV2, zerolog.Nop())
	require.NoError(t, regV2.RegisterActivity("two", noop))
	require.NoError(t, regV2.RegisterWorkflow("drift", func(c *WorkflowCtx) (json.RawMessage, error) {
		if _, err := c.Activity("two", nil); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate"); err != nil {
			return nil, err
		}
		return nil, nil
	}))

	require.NoError(t, store.WakeWorkflow(ctx, id))
	workerID := uuid.New()
	pulled, err := store.PullWorkflows(ctx, workerID, nil, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	outcome := engV2.RunWorkflow(ctx, pulled[0])
	require.Error(t, outcome.Err)
	require.True(t, history.IsDiverged(outcome.Err))
}

func TestCheckVersionRecordsMarker(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	vaRuns := 0
	require.NoError(t, reg.RegisterActivity("va", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		vaRuns++
		return in, nil
	}))
	require.NoError(t, reg.RegisterWorkflow("marked", func(c *WorkflowCtx) (json.RawMessage, error) {
		v, err := c.CheckVersion(3)
		if err != nil {
			return nil, err
		}
		if _, err := c.Activity("va", v); err != nil {
			return nil, err
		}
		if _, err := c.Listen("gate"); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}))

	id := dispatch(t, store, "marked", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))
	signal(t, store, id, "gate", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `3`, string(wf.Output))
	require.Equal(t, 1, vaRuns)
}

func TestValidationErrorCompletesImmediately(t *testing.T) {
	store, reg, eng := newEnv(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterWorkflow("strict", func(c *WorkflowCtx) (json.RawMessage, error) {
		return nil, NewValidationError("bad input %d", 9)
	}))

	id := dispatch(t, store, "strict", `null`)
	require.Equal(t, 1, runOnce(t, store, eng))

	wf, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, history.WorkflowStateComplete, wf.Status())
	require.JSONEq(t, `{"validation_error":"bad input 9"}`, string(wf.Output))
}
