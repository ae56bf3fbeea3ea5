// Package api is the embedding surface for applications driving workflows:
// dispatch, signaling, output waiting, listing, and operator actions, typed
// where it helps and JSON-raw underneath.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/history"
)

// Client wraps the durable store with an application-facing API. All methods
// are safe for concurrent use.
type Client struct {
	store *history.Store
	log   zerolog.Logger
}

func NewClient(store *history.Store, log zerolog.Logger) *Client {
	return &Client{store: store, log: log.With().Str("component", "api").Logger()}
}

// DispatchOptions tune a workflow dispatch.
type DispatchOptions struct {
	// WorkflowID pins the new workflow's id; zero means generate one.
	WorkflowID uuid.UUID
	Tags       map[string]string
	// Unique returns an existing incomplete workflow with the same name and
	// tags instead of creating a second one.
	Unique bool
}

// Dispatch starts a workflow with a JSON-marshalable input.
func (c *Client) Dispatch(ctx context.Context, name string, input any, opts DispatchOptions) (uuid.UUID, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("api: marshal input for %s: %w", name, err)
	}
	id, err := c.store.DispatchWorkflow(ctx, history.DispatchWorkflowInput{
		WorkflowID: opts.WorkflowID,
		Name:       name,
		Tags:       opts.Tags,
		Input:      raw,
		Unique:     opts.Unique,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.log.Debug().Str("workflow", name).Stringer("workflow_id", id).Msg("dispatched")
	return id, nil
}

// Signal sends a durable signal to one workflow.
func (c *Client) Signal(ctx context.Context, workflowID uuid.UUID, name string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal signal %s: %w", name, err)
	}
	return c.store.PublishSignal(ctx, history.PublishSignalInput{
		Name:             name,
		Body:             raw,
		TargetWorkflowID: &workflowID,
	})
}

// SignalTagged delivers a signal to workflows currently listening whose tags
// contain all of the given tags.
func (c *Client) SignalTagged(ctx context.Context, tags map[string]string, name string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal signal %s: %w", name, err)
	}
	return c.store.PublishSignal(ctx, history.PublishSignalInput{
		Name:       name,
		Body:       raw,
		TargetTags: tags,
	})
}

// Wait blocks until the workflow completes and returns its output.
func (c *Client) Wait(ctx context.Context, workflowID uuid.UUID) (json.RawMessage, error) {
	return c.store.WaitForWorkflowOutput(ctx, workflowID, 50*time.Millisecond)
}

// WaitInto unmarshals the workflow output into out.
func WaitInto[T any](ctx context.Context, c *Client, workflowID uuid.UUID) (T, error) {
	var out T
	raw, err := c.Wait(ctx, workflowID)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("api: decode workflow output: %w", err)
	}
	return out, nil
}

// Get returns the workflow row.
func (c *Client) Get(ctx context.Context, workflowID uuid.UUID) (*history.Workflow, error) {
	return c.store.GetWorkflow(ctx, workflowID)
}

// List returns workflow rows by name and tag filter.
func (c *Client) List(ctx context.Context, filter history.ListWorkflowsFilter) ([]*history.Workflow, error) {
	return c.store.ListWorkflows(ctx, filter)
}

// History loads a workflow's event history; audit includes forgotten events.
func (c *Client) History(ctx context.Context, workflowID uuid.UUID, audit bool) (history.History, error) {
	return c.store.GetHistory(ctx, workflowID, audit)
}

// ActivityErrors returns the aggregated per-activity error rows.
func (c *Client) ActivityErrors(ctx context.Context, workflowID uuid.UUID) ([]history.ActivityError, error) {
	return c.store.GetActivityErrors(ctx, workflowID)
}

// Silence stops a workflow from being woken; a silenced workflow stays
// claimable only through Wake.
func (c *Client) Silence(ctx context.Context, workflowID uuid.UUID) error {
	return c.store.SilenceWorkflow(ctx, workflowID)
}

// Wake forces a workflow to be picked up immediately, reviving dead ones.
func (c *Client) Wake(ctx context.Context, workflowID uuid.UUID) error {
	return c.store.WakeWorkflow(ctx, workflowID)
}
