package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/history"
)

// WorkflowCtx is the handle workflow code runs against. All durable
// operations go through it; the cursor decides per operation whether to
// replay a recorded result or execute and append.
type WorkflowCtx struct {
	ctx      context.Context
	store    *history.Store
	registry *Registry
	log      zerolog.Logger

	workflowID uuid.UUID
	name       string
	tags       map[string]string
	input      json.RawMessage

	events  history.History
	cursor  *history.Cursor
	version int
}

// Ctx returns the underlying context for passing to blocking calls.
func (c *WorkflowCtx) Ctx() context.Context { return c.ctx }

func (c *WorkflowCtx) WorkflowID() uuid.UUID     { return c.workflowID }
func (c *WorkflowCtx) Name() string              { return c.name }
func (c *WorkflowCtx) Tags() map[string]string   { return c.tags }
func (c *WorkflowCtx) RawInput() json.RawMessage { return c.input }

func (c *WorkflowCtx) Log() *zerolog.Logger { return &c.log }

// Input decodes the workflow's input.
func Input[T any](c *WorkflowCtx) (T, error) {
	var v T
	if err := json.Unmarshal(c.input, &v); err != nil {
		return v, NewValidationError("decode input: %v", err)
	}
	return v, nil
}

// As decodes a step output, forwarding any step error. Lets call sites read
// as out, err := engine.As[T](c.Activity(...)).
func As[T any](raw json.RawMessage, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if raw == nil {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("engine: decode step output: %w", err)
	}
	return v, nil
}

// V returns a view of the context pinned to a step version. Bumping a
// step's version makes replay insert it into histories recorded before the
// bump instead of diverging.
func (c *WorkflowCtx) V(version int) *WorkflowCtx {
	cc := *c
	cc.version = version
	return &cc
}

// branchAt opens a nested scope rooted at loc, sharing everything but the
// cursor.
func (c *WorkflowCtx) branchAt(loc history.Location) *WorkflowCtx {
	cc := *c
	cc.cursor = history.NewCursor(c.events, loc)
	cc.version = 1
	return &cc
}

func nowMs() int64 { return time.Now().UnixMilli() }
