package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

// Gateway terminates runner websocket connections. Each connection carries
// length-prefixed frames inside binary websocket messages: the runner sends
// an init handshake followed by event batches, the gateway relays both as
// signals into the runner's lifecycle workflow and streams recorded commands
// back from where the runner left off.
type Gateway struct {
	store        *history.Store
	db           kv.DB
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	pollInterval time.Duration
}

func NewGateway(store *history.Store, db kv.DB, log zerolog.Logger) *Gateway {
	return &Gateway{
		store: store,
		db:    db,
		log:   log.With().Str("component", "runner_gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pollInterval: 250 * time.Millisecond,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	// The request context dies when this handler returns; the hijacked
	// connection lives until the runner disconnects.
	go func() {
		defer conn.Close()
		if err := g.serve(context.Background(), conn); err != nil &&
			!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			g.log.Debug().Err(err).Msg("runner connection closed")
		}
	}()
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn) error {
	init, err := readEnvelope(conn)
	if err != nil {
		return err
	}
	if init.Init == nil {
		return fmt.Errorf("runner: first frame must be init")
	}
	runnerID := init.Init.RunnerID
	if runnerID == uuid.Nil {
		return fmt.Errorf("runner: init without runner id")
	}
	log := g.log.With().Stringer("runner_id", runnerID).Logger()

	input, err := json.Marshal(WorkflowInput{RunnerID: runnerID})
	if err != nil {
		return err
	}
	wfID, err := g.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		Name:   WorkflowName,
		Tags:   map[string]string{"runner_id": runnerID.String()},
		Input:  input,
		Unique: true,
	})
	if err != nil {
		return err
	}
	if err := g.signal(ctx, wfID, SignalInit, init.Init); err != nil {
		return err
	}
	log.Info().Stringer("workflow_id", wfID).Msg("runner connected")

	// The runner resumes the command stream from its last acknowledged
	// index; a runner that lost state, or that last talked to a different
	// workflow, asks for a full resend.
	resumeFrom := init.Init.LastCommandIdx
	if init.Init.LastWorkflowID != nil && *init.Init.LastWorkflowID != wfID {
		resumeFrom = protocol.FullResendIdx
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	pumpErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		pumpErr <- g.pumpCommands(pumpCtx, conn, runnerID, resumeFrom)
	}()

	readErr := g.readLoop(ctx, conn, wfID, log)
	cancel()
	wg.Wait()
	if readErr != nil {
		return readErr
	}
	return <-pumpErr
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, wfID uuid.UUID, log zerolog.Logger) error {
	for {
		env, err := readEnvelope(conn)
		if err != nil {
			return err
		}
		switch {
		case env.Events != nil:
			if err := g.signal(ctx, wfID, SignalForward, env.Events); err != nil {
				return err
			}
		case env.Init != nil:
			if err := g.signal(ctx, wfID, SignalInit, env.Init); err != nil {
				return err
			}
		default:
			log.Warn().Msg("dropping unexpected frame from runner")
		}
	}
}

// pumpCommands is the connection's only websocket writer.
func (g *Gateway) pumpCommands(ctx context.Context, conn *websocket.Conn, runnerID uuid.UUID, afterIdx int64) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		cmds, err := CommandsAfter(ctx, g.db, runnerID, afterIdx)
		if err != nil {
			return err
		}
		if len(cmds) > 0 {
			if err := writeEnvelope(conn, &protocol.Envelope{Commands: cmds}); err != nil {
				return err
			}
			afterIdx = cmds[len(cmds)-1].Index
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *Gateway) signal(ctx context.Context, wfID uuid.UUID, name string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return g.store.PublishSignal(ctx, history.PublishSignalInput{
		Name:             name,
		Body:             raw,
		TargetWorkflowID: &wfID,
	})
}

func readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	msgType, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("runner: expected binary frame, got type %d", msgType)
	}
	return protocol.ReadFrame(r)
}

func writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(w, env); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
