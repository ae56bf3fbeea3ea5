// Package agent is the node-side runner process. It connects to the control
// plane's websocket gateway, announces capacity, executes start/stop/prewarm
// commands against the local container runtime, and reports actor state
// transitions back as indexed events.
package agent

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/runner/protocol"
)

// Config identifies the runner and its advertised capacity.
type Config struct {
	RunnerID  uuid.UUID
	ServerURL string

	Datacenter       string
	Flavor           string
	TotalSlots       int
	TotalMemoryMB    int64
	ReservedMemoryMB int64

	Hostname string

	// ReconnectBackoff between dial attempts. Zero means one second.
	ReconnectBackoff time.Duration
}

func (c Config) reconnectBackoff() time.Duration {
	if c.ReconnectBackoff > 0 {
		return c.ReconnectBackoff
	}
	return time.Second
}

// Agent drives one runner connection. Command indices are tracked in memory;
// after a restart the agent asks for a full resend and skips indices it has
// already executed this lifetime.
type Agent struct {
	cfg     Config
	runtime Runtime
	log     zerolog.Logger

	mu             sync.Mutex
	lastCommandIdx int64
	nextEventIdx   int64
	workflowID     *uuid.UUID
}

func New(cfg Config, rt Runtime, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:            cfg,
		runtime:        rt,
		log:            log.With().Str("component", "agent").Stringer("runner_id", cfg.RunnerID).Logger(),
		lastCommandIdx: protocol.FullResendIdx,
	}
}

// Run dials the gateway and serves the connection, reconnecting with backoff
// until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, nil)
		if err != nil {
			a.log.Warn().Err(err).Str("server", a.cfg.ServerURL).Msg("dial failed")
		} else {
			// Reads have no deadline; closing the connection is what
			// unblocks serve when ctx is canceled.
			stop := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-stop:
				}
			}()
			err = a.serve(ctx, conn)
			close(stop)
			conn.Close()
			if err != nil && ctx.Err() == nil {
				a.log.Warn().Err(err).Msg("connection lost")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.reconnectBackoff()):
		}
	}
}

func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	if err := writeEnvelope(conn, &protocol.Envelope{Init: a.buildInit()}); err != nil {
		return err
	}
	a.log.Info().Msg("connected")

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			return err
		}
		if env.Commands == nil {
			return fmt.Errorf("agent: unexpected frame from gateway")
		}
		for _, wrapper := range env.Commands {
			a.mu.Lock()
			seen := wrapper.Index <= a.lastCommandIdx
			if !seen {
				a.lastCommandIdx = wrapper.Index
			}
			a.mu.Unlock()
			if seen {
				continue
			}
			if err := a.handleCommand(ctx, conn, wrapper.Command); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) buildInit() *protocol.Init {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &protocol.Init{
		RunnerID:       a.cfg.RunnerID,
		LastCommandIdx: a.lastCommandIdx,
		LastWorkflowID: a.workflowID,
		Config: protocol.RunnerConfig{
			Datacenter:       a.cfg.Datacenter,
			Flavor:           a.cfg.Flavor,
			TotalSlots:       a.cfg.TotalSlots,
			TotalMemoryMB:    a.cfg.TotalMemoryMB,
			ReservedMemoryMB: a.cfg.ReservedMemoryMB,
		},
		SystemInfo: protocol.SystemInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Hostname: a.cfg.Hostname,
		},
	}
}

func (a *Agent) handleCommand(ctx context.Context, conn *websocket.Conn, cmd protocol.Command) error {
	log := a.log.With().Str("command", string(cmd.Kind)).Stringer("actor_id", cmd.ActorID).Logger()
	switch cmd.Kind {
	case protocol.CommandStartActor:
		if cmd.Start == nil {
			log.Error().Msg("start command without payload")
			return nil
		}
		if err := a.sendEvent(conn, cmd.ActorID, protocol.EventStarting, nil); err != nil {
			return err
		}
		if err := a.runtime.StartActor(ctx, cmd.ActorID, *cmd.Start); err != nil {
			log.Error().Err(err).Msg("actor start failed")
			return a.sendEvent(conn, cmd.ActorID, protocol.EventFailed, nil)
		}
		return a.sendEvent(conn, cmd.ActorID, protocol.EventRunning, nil)

	case protocol.CommandStopActor:
		if err := a.sendEvent(conn, cmd.ActorID, protocol.EventStopping, nil); err != nil {
			return err
		}
		exitCode := 0
		if err := a.runtime.StopActor(ctx, cmd.ActorID); err != nil {
			log.Error().Err(err).Msg("actor stop failed")
			exitCode = 1
		}
		return a.sendEvent(conn, cmd.ActorID, protocol.EventStopped, &exitCode)

	case protocol.CommandPrewarmImage:
		if err := a.runtime.PrewarmImage(ctx, cmd.Image); err != nil {
			// Prewarm is an optimization; the next start fetches cold.
			log.Warn().Err(err).Str("image", cmd.Image).Msg("prewarm failed")
		}
		return nil

	default:
		log.Warn().Msg("unknown command kind")
		return nil
	}
}

func (a *Agent) sendEvent(conn *websocket.Conn, actorID uuid.UUID, kind protocol.EventKind, exitCode *int) error {
	a.mu.Lock()
	idx := a.nextEventIdx
	a.nextEventIdx++
	a.mu.Unlock()
	return writeEnvelope(conn, &protocol.Envelope{Events: []protocol.EventWrapper{{
		Index: idx,
		Event: protocol.ActorEvent{
			ActorID:  actorID,
			Kind:     kind,
			ExitCode: exitCode,
			Ts:       time.Now().UnixMilli(),
		},
	}}})
}

func readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	msgType, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("agent: expected binary frame, got type %d", msgType)
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
