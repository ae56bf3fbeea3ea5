package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/runner"
	"github.com/gantryio/gantry/internal/runner/protocol"
)

// WorkflowName is the actor lifecycle workflow.
const WorkflowName = "actor_lifecycle"

// External control signals. Runtime state arrives from the runner workflow
// as runner.SignalActorStateUpdate.
const (
	SignalDestroy = "actor_destroy"
	SignalDrain   = "actor_drain"
	SignalUndrain = "actor_undrain"
)

// DefaultRescheduleBackoff paces placement retries when no runner is
// allocatable.
const DefaultRescheduleBackoff = 5 * time.Second

// WorkflowOutput ends the lifecycle.
type WorkflowOutput struct {
	ActorID   uuid.UUID `json:"actor_id"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	Destroyed bool      `json:"destroyed"`
}

// Deps wires the actor workflow's activities.
type Deps struct {
	DB                kv.DB
	Directory         *runner.Directory
	Allocator         *Allocator
	Validate          *validator.Validate
	RescheduleBackoff time.Duration
}

func (d *Deps) rescheduleBackoff() time.Duration {
	if d.RescheduleBackoff > 0 {
		return d.RescheduleBackoff
	}
	return DefaultRescheduleBackoff
}

// Register adds the actor lifecycle workflow and its activities.
func Register(reg *engine.Registry, deps *Deps) error {
	if deps.Validate == nil {
		deps.Validate = NewValidator()
	}
	if err := reg.RegisterWorkflow(WorkflowName, actorWorkflow(deps)); err != nil {
		return err
	}
	acts := map[string]engine.ActivityFn{
		"actor_record_create":  deps.recordCreateActivity,
		"actor_allocate_ports": deps.allocatePortsActivity,
		"actor_select_runner":  deps.selectRunnerActivity,
		"actor_set_timestamp":  deps.setTimestampActivity,
		"actor_cleanup":        deps.cleanupActivity,
	}
	for name, fn := range acts {
		if err := reg.RegisterActivity(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Lifecycle phases carried in the loop state.
const (
	phaseScheduling = "scheduling"
	phaseRunning    = "running"
)

type lifeState struct {
	Phase            string          `json:"phase"`
	RunnerID         string          `json:"runner_id,omitempty"`
	RunnerWorkflowID string          `json:"runner_workflow_id,omitempty"`
	Ports            []AllocatedPort `json:"ports,omitempty"`
	Draining         bool            `json:"draining,omitempty"`
	StopRequested    bool            `json:"stop_requested,omitempty"`
	Reschedules      int             `json:"reschedules,omitempty"`
}

func actorWorkflow(deps *Deps) engine.WorkflowFn {
	return func(c *engine.WorkflowCtx) (json.RawMessage, error) {
		in, err := engine.Input[CreateActorInput](c)
		if err != nil {
			return nil, err
		}
		if err := deps.Validate.Struct(&in); err != nil {
			return nil, engine.NewValidationError("invalid actor input: %v", err)
		}

		if _, err := c.Activity("actor_record_create", recordCreateInput{
			WorkflowID: c.WorkflowID(),
			Input:      in,
		}); err != nil {
			return nil, err
		}

		ports, err := engine.As[[]AllocatedPort](c.Activity("actor_allocate_ports", allocatePortsInput{
			ActorID: in.ActorID,
			Ports:   in.Ports,
		}))
		if err != nil {
			return nil, err
		}

		initial, err := json.Marshal(lifeState{Phase: phaseScheduling, Ports: ports})
		if err != nil {
			return nil, err
		}
		return c.Loop(initial, func(c *engine.WorkflowCtx, raw json.RawMessage) (engine.LoopResult, error) {
			var s lifeState
			if err := json.Unmarshal(raw, &s); err != nil {
				return engine.LoopResult{}, err
			}
			if s.Phase == phaseScheduling {
				return deps.schedule(c, &in, &s)
			}
			return deps.awaitSignal(c, &in, &s)
		})
	}
}

// schedule places the actor on the best runner and relays the start command
// through the runner's lifecycle workflow. No allocatable runner means wait
// and try again.
func (d *Deps) schedule(c *engine.WorkflowCtx, in *CreateActorInput, s *lifeState) (engine.LoopResult, error) {
	sel, err := engine.As[selectRunnerOutput](c.Activity("actor_select_runner", selectRunnerInput{
		Datacenter: in.Datacenter,
		Flavor:     in.Flavor,
		MemoryMB:   in.MemoryMB,
		ActorID:    in.ActorID,
	}))
	if err != nil {
		return engine.LoopResult{}, err
	}
	if !sel.Found {
		if err := c.Sleep(d.rescheduleBackoff()); err != nil {
			return engine.LoopResult{}, err
		}
		return continueWith(s)
	}

	bindings := make([]protocol.PortBinding, 0, len(s.Ports))
	for _, p := range s.Ports {
		bindings = append(bindings, protocol.PortBinding{
			Name:     p.Name,
			Protocol: string(p.Protocol),
			Port:     p.Port,
		})
	}
	if _, err := c.Signal(sel.RunnerWorkflowID, runner.SignalCommand, runner.CommandRequest{
		ActorWorkflowID: c.WorkflowID(),
		Command: protocol.Command{
			Kind:    protocol.CommandStartActor,
			ActorID: in.ActorID,
			Start: &protocol.StartActor{
				ArtifactURL: in.ArtifactURL,
				Args:        in.Args,
				Env:         in.EnvVars,
				Ports:       bindings,
				MemoryMB:    in.MemoryMB,
			},
		},
	}); err != nil {
		return engine.LoopResult{}, err
	}

	s.Phase = phaseRunning
	s.RunnerID = sel.RunnerID.String()
	s.RunnerWorkflowID = sel.RunnerWorkflowID.String()
	return continueWith(s)
}

func (d *Deps) awaitSignal(c *engine.WorkflowCtx, in *CreateActorInput, s *lifeState) (engine.LoopResult, error) {
	sig, err := c.Listen(runner.SignalActorStateUpdate, SignalDestroy, SignalDrain, SignalUndrain)
	if err != nil {
		return engine.LoopResult{}, err
	}

	switch sig.Name {
	case runner.SignalActorStateUpdate:
		var u runner.StateUpdate
		if err := json.Unmarshal(sig.Body, &u); err != nil {
			return engine.LoopResult{}, err
		}
		return d.applyStateUpdate(c, in, s, &u)

	case SignalDestroy:
		if s.RunnerWorkflowID == "" {
			// Never placed; nothing is running, tear down directly.
			return d.finish(c, in, s, nil, false)
		}
		if err := d.requestStop(c, in, s); err != nil {
			return engine.LoopResult{}, err
		}
		s.StopRequested = true
		return continueWith(s)

	case SignalDrain:
		if !s.Draining {
			s.Draining = true
			if err := d.requestStop(c, in, s); err != nil {
				return engine.LoopResult{}, err
			}
		}
		return continueWith(s)

	case SignalUndrain:
		s.Draining = false
		return continueWith(s)
	}
	return engine.LoopResult{}, fmt.Errorf("actor: unexpected signal %q", sig.Name)
}

func (d *Deps) applyStateUpdate(c *engine.WorkflowCtx, in *CreateActorInput, s *lifeState, u *runner.StateUpdate) (engine.LoopResult, error) {
	switch u.Kind {
	case string(protocol.EventStarting):
		return continueWith(s)

	case string(protocol.EventRunning):
		if _, err := c.Activity("actor_set_timestamp", setTimestampInput{ActorID: in.ActorID, Field: fieldReadyTs}); err != nil {
			return engine.LoopResult{}, err
		}
		return continueWith(s)

	case string(protocol.EventStopping):
		if _, err := c.Activity("actor_set_timestamp", setTimestampInput{ActorID: in.ActorID, Field: fieldStopTs}); err != nil {
			return engine.LoopResult{}, err
		}
		return continueWith(s)

	case string(protocol.EventStopped), string(protocol.EventFailed):
		return d.finish(c, in, s, u.ExitCode, u.Kind == string(protocol.EventFailed))

	case runner.StateLost:
		// The runner went silent; place the actor again from scratch.
		s.Phase = phaseScheduling
		s.RunnerID = ""
		s.RunnerWorkflowID = ""
		s.Reschedules++
		return continueWith(s)
	}
	return engine.LoopResult{}, fmt.Errorf("actor: unexpected state update %q", u.Kind)
}

// finish runs the teardown path: stop timestamp, drain completion when
// draining, port release, destroy timestamp, then break with the outcome.
func (d *Deps) finish(c *engine.WorkflowCtx, in *CreateActorInput, s *lifeState, exitCode *int, failed bool) (engine.LoopResult, error) {
	if _, err := c.Activity("actor_set_timestamp", setTimestampInput{ActorID: in.ActorID, Field: fieldStopTs}); err != nil {
		return engine.LoopResult{}, err
	}
	if s.Draining {
		if _, err := c.Activity("actor_set_timestamp", setTimestampInput{ActorID: in.ActorID, Field: fieldDrainCompleteTs}); err != nil {
			return engine.LoopResult{}, err
		}
	}
	if _, err := c.Activity("actor_cleanup", cleanupInput{ActorID: in.ActorID}); err != nil {
		return engine.LoopResult{}, err
	}

	out, err := json.Marshal(WorkflowOutput{
		ActorID:   in.ActorID,
		ExitCode:  exitCode,
		Failed:    failed,
		Destroyed: true,
	})
	if err != nil {
		return engine.LoopResult{}, err
	}
	return engine.Break(out), nil
}

func (d *Deps) requestStop(c *engine.WorkflowCtx, in *CreateActorInput, s *lifeState) error {
	if s.RunnerWorkflowID == "" || s.StopRequested {
		return nil
	}
	runnerWf, err := uuid.Parse(s.RunnerWorkflowID)
	if err != nil {
		return err
	}
	_, err = c.Signal(runnerWf, runner.SignalCommand, runner.CommandRequest{
		ActorWorkflowID: c.WorkflowID(),
		Command: protocol.Command{
			Kind:    protocol.CommandStopActor,
			ActorID: in.ActorID,
		},
	})
	return err
}

func continueWith(s *lifeState) (engine.LoopResult, error) {
	next, err := json.Marshal(s)
	if err != nil {
		return engine.LoopResult{}, err
	}
	return engine.Continue(next), nil
}

type recordCreateInput struct {
	WorkflowID uuid.UUID        `json:"workflow_id"`
	Input      CreateActorInput `json:"input"`
}

func (d *Deps) recordCreateActivity(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in recordCreateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return nil, recordCreate(ctx, d.DB, in.WorkflowID, &in.Input)
}

type allocatePortsInput struct {
	ActorID uuid.UUID     `json:"actor_id"`
	Ports   []PortRequest `json:"ports"`
}

func (d *Deps) allocatePortsActivity(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in allocatePortsInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	ports, err := d.Allocator.Allocate(ctx, in.ActorID, in.Ports)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ports)
}

type selectRunnerInput struct {
	Datacenter string    `json:"datacenter"`
	Flavor     string    `json:"flavor"`
	MemoryMB   int64     `json:"memory_mb"`
	ActorID    uuid.UUID `json:"actor_id"`
}

type selectRunnerOutput struct {
	Found            bool      `json:"found"`
	RunnerID         uuid.UUID `json:"runner_id,omitempty"`
	RunnerWorkflowID uuid.UUID `json:"runner_workflow_id,omitempty"`
}

func (d *Deps) selectRunnerActivity(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in selectRunnerInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	best, err := d.Directory.PickBest(ctx, in.Datacenter, in.Flavor)
	if err != nil {
		return nil, err
	}
	if best == nil || best.RemainingMem < in.MemoryMB {
		return json.Marshal(selectRunnerOutput{})
	}
	if err := d.Directory.ReserveMem(ctx, best.RunnerID, in.MemoryMB); err != nil {
		return nil, err
	}
	if err := setRunner(ctx, d.DB, in.ActorID, best.RunnerID); err != nil {
		return nil, err
	}
	return json.Marshal(selectRunnerOutput{
		Found:            true,
		RunnerID:         best.RunnerID,
		RunnerWorkflowID: best.WorkflowID,
	})
}

type setTimestampInput struct {
	ActorID uuid.UUID `json:"actor_id"`
	Field   string    `json:"field"`
}

func (d *Deps) setTimestampActivity(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in setTimestampInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return nil, setTimestamp(ctx, d.DB, in.ActorID, in.Field)
}

type cleanupInput struct {
	ActorID uuid.UUID `json:"actor_id"`
}

func (d *Deps) cleanupActivity(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in cleanupInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if err := d.Allocator.Release(ctx, in.ActorID); err != nil {
		return nil, err
	}
	return nil, setTimestamp(ctx, d.DB, in.ActorID, fieldDestroyTs)
}
