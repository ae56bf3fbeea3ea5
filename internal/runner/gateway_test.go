package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

func dialGateway(t *testing.T, env *runnerEnv) (*websocket.Conn, func()) {
	t.Helper()
	gw := NewGateway(env.store, env.db, zerolog.Nop())
	srv := httptest.NewServer(gw)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func writeWsEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	frame, err := protocol.EncodeFrame(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func readWsEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ReadFrame(bytes.NewReader(payload))
	require.NoError(t, err)
	return env
}

func TestGatewayBridgesRunnerToWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)
	// Keep the lifecycle from timing out between websocket exchanges.
	env.deps.LostThreshold = 30 * time.Second
	conn, cleanup := dialGateway(t, env)
	defer cleanup()

	actorWf, err := env.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{Name: "fake_actor", Input: json.RawMessage(`null`)})
	require.NoError(t, err)
	require.Equal(t, 1, env.runOnce(t))

	runnerID := uuid.New()
	writeWsEnvelope(t, conn, &protocol.Envelope{Init: &protocol.Init{
		RunnerID:       runnerID,
		LastCommandIdx: protocol.FullResendIdx,
		Config: protocol.RunnerConfig{
			Datacenter:       "dc-1",
			Flavor:           "basic",
			TotalSlots:       8,
			TotalMemoryMB:    4096,
			ReservedMemoryMB: 512,
		},
	}})

	// The gateway dispatches the lifecycle workflow and relays the init
	// signal; once a worker runs it, the runner shows up as allocatable.
	env.runUntil(t, func() bool {
		best, err := env.dir.PickBest(ctx, "dc-1", "basic")
		return err == nil && best != nil
	})

	// Dispatching again with the same tag resolves the same workflow.
	wfID := env.dispatchRunner(t, runnerID)

	actorID := uuid.New()
	env.signal(t, wfID, SignalCommand, CommandRequest{
		ActorWorkflowID: actorWf,
		Command:         startCommand(actorID, 256),
	})
	env.runUntil(t, func() bool {
		cmds, err := CommandsAfter(ctx, env.db, runnerID, -1)
		return err == nil && len(cmds) == 1
	})

	// The command pump streams the recorded command back to the runner.
	got := readWsEnvelope(t, conn)
	require.Len(t, got.Commands, 1)
	require.Equal(t, int64(0), got.Commands[0].Index)
	require.Equal(t, protocol.CommandStartActor, got.Commands[0].Command.Kind)
	require.Equal(t, actorID, got.Commands[0].Command.ActorID)

	// Events flow the other way, ending up as actor state update signals.
	// The fake actor's loop checkpoints after consuming the signal, which
	// moves it to forgotten history, so scan the audit range.
	writeWsEnvelope(t, conn, &protocol.Envelope{Events: []protocol.EventWrapper{
		{Index: 0, Event: protocol.ActorEvent{ActorID: actorID, Kind: protocol.EventRunning, Ts: time.Now().UnixMilli()}},
	}})
	env.runUntil(t, func() bool {
		hist, err := env.store.GetHistory(ctx, actorWf, true)
		if err != nil {
			return false
		}
		for _, branch := range hist {
			for _, ev := range branch {
				if sig, ok := ev.Data.(history.SignalEvent); ok && sig.Name == SignalActorStateUpdate {
					return true
				}
			}
		}
		return false
	})
}

func TestGatewayResendsCommandTailOnReconnect(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)

	runnerID := uuid.New()
	for idx := int64(0); idx < 3; idx++ {
		require.NoError(t, AppendCommand(ctx, env.db, runnerID, idx, protocol.Command{
			Kind:  protocol.CommandPrewarmImage,
			Image: "registry/app:1",
		}))
	}

	conn, cleanup := dialGateway(t, env)
	defer cleanup()

	// The runner already acked command 0, so only the tail comes back.
	writeWsEnvelope(t, conn, &protocol.Envelope{Init: &protocol.Init{
		RunnerID:       runnerID,
		LastCommandIdx: 0,
		Config:         protocol.RunnerConfig{Datacenter: "dc-1", Flavor: "basic"},
	}})

	got := readWsEnvelope(t, conn)
	require.Len(t, got.Commands, 2)
	require.Equal(t, int64(1), got.Commands[0].Index)
	require.Equal(t, int64(2), got.Commands[1].Index)
}
