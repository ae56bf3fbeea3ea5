package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/metrics"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

// WorkflowName is the runner lifecycle workflow, dispatched uniquely per
// runner id.
const WorkflowName = "runner_lifecycle"

// Signals consumed by the runner workflow.
const (
	SignalInit    = "runner_init"
	SignalForward = "runner_forward"
	SignalCommand = "runner_command"
	SignalPrewarm = "runner_prewarm"
	SignalDrain   = "runner_drain"
	SignalUndrain = "runner_undrain"
)

// SignalActorStateUpdate is emitted by the runner workflow toward actor
// workflows as runner events arrive.
const SignalActorStateUpdate = "actor_state_update"

// StateLost marks an actor whose runner stopped reporting.
const StateLost = "lost"

// StateUpdate is the body of SignalActorStateUpdate.
type StateUpdate struct {
	ActorID  uuid.UUID `json:"actor_id"`
	Kind     string    `json:"kind"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Ts       int64     `json:"ts"`
}

// CommandRequest is the body of SignalCommand: a command to relay to the
// runner process plus the workflow that owns the target actor, so runner
// events and loss can be routed back.
type CommandRequest struct {
	ActorWorkflowID uuid.UUID        `json:"actor_workflow_id"`
	Command         protocol.Command `json:"command"`
}

// PrewarmRequest is the body of SignalPrewarm.
type PrewarmRequest struct {
	Image string `json:"image"`
}

// DefaultLostThreshold is how long a runner may stay silent before its
// actors are marked lost.
const DefaultLostThreshold = 2 * time.Minute

// WorkflowInput starts a runner lifecycle.
type WorkflowInput struct {
	RunnerID uuid.UUID `json:"runner_id"`
}

// WorkflowOutput is produced when the lifecycle ends.
type WorkflowOutput struct {
	RunnerID         uuid.UUID `json:"runner_id"`
	Lost             bool      `json:"lost"`
	ActorsMarkedLost int       `json:"actors_marked_lost"`
}

// Deps wires the runner workflow's activities.
type Deps struct {
	DB            kv.DB
	Directory     *Directory
	Metrics       *metrics.Metrics
	LostThreshold time.Duration
}

func (d *Deps) lostThreshold() time.Duration {
	if d.LostThreshold > 0 {
		return d.LostThreshold
	}
	return DefaultLostThreshold
}

// loopState is the runner workflow's checkpointed loop state. Indices start
// at -1 so index 0 is accepted.
type loopState struct {
	Initialized    bool              `json:"initialized"`
	Datacenter     string            `json:"datacenter,omitempty"`
	Flavor         string            `json:"flavor,omitempty"`
	TotalSlots     int               `json:"total_slots,omitempty"`
	RemainingMem   int64             `json:"remaining_mem,omitempty"`
	Draining       bool              `json:"draining,omitempty"`
	LastEventIdx   int64             `json:"last_event_idx"`
	LastCommandIdx int64             `json:"last_command_idx"`
	OwnedActors    map[string]string `json:"owned_actors"`
}

// Register adds the runner lifecycle workflow and its activities.
func Register(reg *engine.Registry, deps *Deps) error {
	if err := reg.RegisterWorkflow(WorkflowName, runnerWorkflow(deps)); err != nil {
		return err
	}
	acts := map[string]engine.ActivityFn{
		"runner_record_init":            deps.recordInit,
		"runner_append_command":         deps.appendCommand,
		"runner_remove_alloc":           deps.removeAlloc,
		"runner_publish_alloc":          deps.publishAlloc,
		"runner_record_prewarm":         deps.recordPrewarm,
		"runner_record_duplicate_event": deps.recordDuplicateEvent,
	}
	for name, fn := range acts {
		if err := reg.RegisterActivity(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func runnerWorkflow(deps *Deps) engine.WorkflowFn {
	return func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		in, err := engine.Input[WorkflowInput](c)
		if err != nil {
			return nil, err
		}
		if in.RunnerID == uuid.Nil {
			return nil, engine.NewValidationError("runner workflow requires a runner id")
		}

		initial, err := json.Marshal(loopState{
			LastEventIdx:   -1,
			LastCommandIdx: -1,
			OwnedActors:    map[string]string{},
		})
		if err != nil {
			return nil, err
		}

		return c.Loop(initial, func(c *engine.WorkflowCtx, raw json.RawMessage) (engine.LoopResult, error) {
			var s loopState
			if err := json.Unmarshal(raw, &s); err != nil {
				return engine.LoopResult{}, err
			}

			sig, err := c.ListenWithTimeout(deps.lostThreshold(),
				SignalInit, SignalForward, SignalCommand, SignalPrewarm, SignalDrain, SignalUndrain)
			if err != nil {
				return engine.LoopResult{}, err
			}
			if sig == nil {
				return deps.handleLost(c, in.RunnerID, &s)
			}

			switch sig.Name {
			case SignalInit:
				err = deps.handleInit(c, in.RunnerID, sig.Body, &s)
			case SignalForward:
				err = deps.handleForward(c, in.RunnerID, sig.Body, &s)
			case SignalCommand:
				err = deps.handleCommand(c, in.RunnerID, sig.Body, &s)
			case SignalPrewarm:
				_, err = c.Activity("runner_record_prewarm", prewarmActivityInput{RunnerID: in.RunnerID, Body: sig.Body})
			case SignalDrain:
				err = deps.handleDrain(c, in.RunnerID, &s)
			case SignalUndrain:
				err = deps.handleUndrain(c, in.RunnerID, &s)
			default:
				err = fmt.Errorf("runner: unexpected signal %q", sig.Name)
			}
			if err != nil {
				return engine.LoopResult{}, err
			}

			next, err := json.Marshal(s)
			if err != nil {
				return engine.LoopResult{}, err
			}
			return engine.Continue(next), nil
		})
	}
}

func (d *Deps) handleInit(c *engine.WorkflowCtx, runnerID uuid.UUID, body json.RawMessage, s *loopState) error {
	var init protocol.Init
	if err := json.Unmarshal(body, &init); err != nil {
		return fmt.Errorf("runner: decode init: %w", err)
	}

	out, err := engine.As[recordInitOutput](c.Activity("runner_record_init", recordInitInput{
		RunnerID:   runnerID,
		WorkflowID: c.WorkflowID(),
		Config:     init.Config,
		SystemInfo: init.SystemInfo,
	}))
	if err != nil {
		return err
	}

	s.Initialized = true
	s.Datacenter = init.Config.Datacenter
	s.Flavor = init.Config.Flavor
	s.TotalSlots = init.Config.TotalSlots
	s.RemainingMem = out.RemainingMem
	s.Draining = false
	// A restarted runner re-inits with a stale or reset command index; the
	// gateway replays the recorded command tail, the workflow keeps counting
	// from its own high-water mark.
	return nil
}

func (d *Deps) handleForward(c *engine.WorkflowCtx, runnerID uuid.UUID, body json.RawMessage, s *loopState) error {
	var events []protocol.EventWrapper
	if err := json.Unmarshal(body, &events); err != nil {
		return fmt.Errorf("runner: decode events: %w", err)
	}

	for _, w := range events {
		if w.Index <= s.LastEventIdx {
			if _, err := c.Activity("runner_record_duplicate_event", duplicateEventInput{
				RunnerID: runnerID,
				Index:    w.Index,
			}); err != nil {
				return err
			}
			continue
		}
		s.LastEventIdx = w.Index

		actorWf, ok := s.OwnedActors[w.Event.ActorID.String()]
		if !ok {
			continue
		}
		wfID, err := uuid.Parse(actorWf)
		if err != nil {
			return err
		}
		if _, err := c.Signal(wfID, SignalActorStateUpdate, StateUpdate{
			ActorID:  w.Event.ActorID,
			Kind:     string(w.Event.Kind),
			ExitCode: w.Event.ExitCode,
			Ts:       w.Event.Ts,
		}); err != nil {
			return err
		}
		if w.Event.Kind == protocol.EventStopped || w.Event.Kind == protocol.EventFailed {
			delete(s.OwnedActors, w.Event.ActorID.String())
		}
	}
	return nil
}

func (d *Deps) handleCommand(c *engine.WorkflowCtx, runnerID uuid.UUID, body json.RawMessage, s *loopState) error {
	var req CommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("runner: decode command request: %w", err)
	}

	idx := s.LastCommandIdx + 1
	if _, err := c.Activity("runner_append_command", appendCommandInput{
		RunnerID: runnerID,
		Index:    idx,
		Command:  req.Command,
	}); err != nil {
		return err
	}
	s.LastCommandIdx = idx

	if req.Command.Kind == protocol.CommandStartActor && req.ActorWorkflowID != uuid.Nil {
		s.OwnedActors[req.Command.ActorID.String()] = req.ActorWorkflowID.String()
	}
	return nil
}

func (d *Deps) handleDrain(c *engine.WorkflowCtx, runnerID uuid.UUID, s *loopState) error {
	if s.Draining {
		return nil
	}
	if _, err := c.Activity("runner_remove_alloc", allocActivityInput{RunnerID: runnerID}); err != nil {
		return err
	}
	s.Draining = true
	return nil
}

func (d *Deps) handleUndrain(c *engine.WorkflowCtx, runnerID uuid.UUID, s *loopState) error {
	if !s.Draining {
		return nil
	}
	if _, err := c.Activity("runner_publish_alloc", publishAllocInput{
		RunnerID:     runnerID,
		WorkflowID:   c.WorkflowID(),
		Datacenter:   s.Datacenter,
		Flavor:       s.Flavor,
		RemainingMem: s.RemainingMem,
		TotalSlots:   s.TotalSlots,
	}); err != nil {
		return err
	}
	s.Draining = false
	return nil
}

// handleLost fans a Lost state update out to every owned actor exactly once,
// removes the runner from the allocation index and ends the lifecycle.
func (d *Deps) handleLost(c *engine.WorkflowCtx, runnerID uuid.UUID, s *loopState) (engine.LoopResult, error) {
	// Sorted so replay emits the sends in the same order.
	actorIDs := make([]string, 0, len(s.OwnedActors))
	for id := range s.OwnedActors {
		actorIDs = append(actorIDs, id)
	}
	sort.Strings(actorIDs)

	for _, actorStr := range actorIDs {
		actorID, err := uuid.Parse(actorStr)
		if err != nil {
			return engine.LoopResult{}, err
		}
		wfID, err := uuid.Parse(s.OwnedActors[actorStr])
		if err != nil {
			return engine.LoopResult{}, err
		}
		if _, err := c.Signal(wfID, SignalActorStateUpdate, StateUpdate{
			ActorID: actorID,
			Kind:    StateLost,
		}); err != nil {
			return engine.LoopResult{}, err
		}
	}

	if _, err := c.Activity("runner_remove_alloc", allocActivityInput{RunnerID: runnerID}); err != nil {
		return engine.LoopResult{}, err
	}

	out, err := json.Marshal(WorkflowOutput{
		RunnerID:         runnerID,
		Lost:             true,
		ActorsMarkedLost: len(actorIDs),
	})
	if err != nil {
		return engine.LoopResult{}, err
	}
	c.Log().Warn().
		Stringer("runner_id", runnerID).
		Int("actors", len(actorIDs)).
		Msg("runner lost, actors marked")
	return engine.Break(out), nil
}

type recordInitInput struct {
	RunnerID   uuid.UUID             `json:"runner_id"`
	WorkflowID uuid.UUID             `json:"workflow_id"`
	Config     protocol.RunnerConfig `json:"config"`
	SystemInfo protocol.SystemInfo   `json:"system_info"`
}

type recordInitOutput struct {
	RemainingMem int64 `json:"remaining_mem"`
}

func (d *Deps) recordInit(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in recordInitInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	err := kv.RunTx(ctx, d.DB, func(ctx context.Context, tx kv.Tx) error {
		existing, err := tx.Get(ctx, runnerCreateTsKey(in.RunnerID))
		if err != nil {
			return err
		}
		if existing == nil {
			tx.Set(runnerCreateTsKey(in.RunnerID), encodeInt64(time.Now().UnixMilli()))
		}
		tx.Set(runnerWorkflowIDKey(in.RunnerID), in.WorkflowID[:])
		cfg, err := json.Marshal(in.Config)
		if err != nil {
			return err
		}
		tx.Set(runnerConfigKey(in.RunnerID), cfg)
		sysInfo, err := json.Marshal(in.SystemInfo)
		if err != nil {
			return err
		}
		tx.Set(runnerSystemInfoKey(in.RunnerID), sysInfo)
		return nil
	})
	if err != nil {
		return nil, err
	}

	remaining := in.Config.TotalMemoryMB - in.Config.ReservedMemoryMB
	err = d.Directory.Publish(ctx, in.Config.Datacenter, in.Config.Flavor,
		in.RunnerID, in.WorkflowID, remaining, time.Now().UnixMilli(), in.Config.TotalSlots)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordInitOutput{RemainingMem: remaining})
}

type appendCommandInput struct {
	RunnerID uuid.UUID        `json:"runner_id"`
	Index    int64            `json:"index"`
	Command  protocol.Command `json:"command"`
}

func (d *Deps) appendCommand(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in appendCommandInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return nil, AppendCommand(ctx, d.DB, in.RunnerID, in.Index, in.Command)
}

type allocActivityInput struct {
	RunnerID uuid.UUID `json:"runner_id"`
}

func (d *Deps) removeAlloc(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in allocActivityInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return nil, d.Directory.Remove(ctx, in.RunnerID)
}

type publishAllocInput struct {
	RunnerID     uuid.UUID `json:"runner_id"`
	WorkflowID   uuid.UUID `json:"workflow_id"`
	Datacenter   string    `json:"datacenter"`
	Flavor       string    `json:"flavor"`
	RemainingMem int64     `json:"remaining_mem"`
	TotalSlots   int       `json:"total_slots"`
}

func (d *Deps) publishAlloc(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in publishAllocInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return nil, d.Directory.Publish(ctx, in.Datacenter, in.Flavor,
		in.RunnerID, in.WorkflowID, in.RemainingMem, time.Now().UnixMilli(), in.TotalSlots)
}

type prewarmActivityInput struct {
	RunnerID uuid.UUID       `json:"runner_id"`
	Body     json.RawMessage `json:"body"`
}

func (d *Deps) recordPrewarm(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in prewarmActivityInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	var req PrewarmRequest
	if err := json.Unmarshal(in.Body, &req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, fmt.Errorf("runner: prewarm with empty image")
	}
	return nil, kv.RunTx(ctx, d.DB, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(prewarmKey(in.RunnerID, req.Image), encodeInt64(time.Now().UnixMilli()))
		return nil
	})
}

type duplicateEventInput struct {
	RunnerID uuid.UUID `json:"runner_id"`
	Index    int64     `json:"index"`
}

func (d *Deps) recordDuplicateEvent(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in duplicateEventInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if d.Metrics != nil {
		d.Metrics.DuplicateRunnerEvents.Inc()
	}
	return nil, nil
}

// AppendCommand persists one command at its assigned index. Exposed for the
// gateway's resend path and tests.
func AppendCommand(ctx context.Context, db kv.DB, runnerID uuid.UUID, idx int64, cmd protocol.Command) error {
	raw, err := json.Marshal(protocol.CommandWrapper{Index: idx, Command: cmd})
	if err != nil {
		return err
	}
	return kv.RunTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(commandKey(runnerID, idx), raw)
		return nil
	})
}

// CommandsAfter loads the recorded command tail with index > afterIdx, used
// to resend on reconnect.
func CommandsAfter(ctx context.Context, db kv.DB, runnerID uuid.UUID, afterIdx int64) ([]protocol.CommandWrapper, error) {
	var out []protocol.CommandWrapper
	err := kv.ReadTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		out = out[:0]
		r := commandSub(runnerID).Range()
		begin := r.Begin
		if afterIdx >= 0 {
			begin = kv.KeyAfter(commandKey(runnerID, afterIdx))
		}
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var w protocol.CommandWrapper
			if err := json.Unmarshal(entry.Value, &w); err != nil {
				return err
			}
			out = append(out, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (56 - 8*i))
	}
	return buf[:]
}
