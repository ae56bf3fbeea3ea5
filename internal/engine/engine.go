// Package engine executes durable workflows against recorded history.
//
// A workflow runs to completion or to a suspension point on every entry.
// Operations already in history replay their recorded result without
// executing; operations past the end of history execute and append. The
// engine itself never writes workflow rows, only events; the worker owns
// suspend, complete and fail.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/history"
)

// Engine binds a registry to a history store.
type Engine struct {
	store    *history.Store
	registry *Registry
	log      zerolog.Logger
}

func New(store *history.Store, registry *Registry, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Outcome is the result of one workflow entry. Exactly one of Output, Wake
// or Err is set.
type Outcome struct {
	// Output marks completion.
	Output json.RawMessage
	// Wake marks suspension; ErrMsg carries the pending error, if any.
	Wake   *history.WakeConditions
	ErrMsg string
	// Err marks a failed run: divergence, latent history, or an
	// unexpected workflow error.
	Err error
}

// RunWorkflow executes one entry of a pulled workflow. Replay happens
// implicitly: the context's cursor starts at the history root and each
// operation consumes its recorded event in order.
func (e *Engine) RunWorkflow(ctx context.Context, wf *history.PulledWorkflow) Outcome {
	fn, ok := e.registry.workflow(wf.Name)
	if !ok {
		return Outcome{Err: fmt.Errorf("engine: workflow %q not registered", wf.Name)}
	}

	c := &WorkflowCtx{
		ctx:        ctx,
		store:      e.store,
		registry:   e.registry,
		log:        e.log.With().Stringer("workflow_id", wf.WorkflowID).Str("workflow", wf.Name).Logger(),
		workflowID: wf.WorkflowID,
		name:       wf.Name,
		tags:       wf.Tags,
		input:      wf.Input,
		events:     wf.History,
		cursor:     history.NewCursor(wf.History, history.RootLocation()),
		version:    1,
	}

	output, err := runWorkflow(fn, c)
	if err == nil {
		// A clean return must have consumed the whole root branch;
		// leftovers mean the code shrank without Removed markers.
		if cerr := c.cursor.CheckClear(); cerr != nil {
			return Outcome{Err: cerr}
		}
		if output == nil {
			output = json.RawMessage("null")
		}
		return Outcome{Output: output}
	}
	if wake, msg, ok := IsSuspendError(err); ok {
		return Outcome{Wake: &wake, ErrMsg: msg}
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		raw, merr := json.Marshal(map[string]string{"validation_error": verr.Msg})
		if merr != nil {
			return Outcome{Err: merr}
		}
		return Outcome{Output: raw}
	}
	return Outcome{Err: err}
}

func runWorkflow(fn WorkflowFn, c *WorkflowCtx) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return fn(c)
}
