package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowFn is the body of a durable workflow. It must be deterministic:
// every side effect goes through the WorkflowCtx so replay can substitute
// recorded results.
type WorkflowFn func(c *WorkflowCtx) (json.RawMessage, error)

// ActivityFn is a non-deterministic step. It receives the raw serialized
// input and may be retried, so it should be idempotent where possible.
type ActivityFn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RetryPolicy controls in-process activity retries and the suspension
// interval once attempts are exhausted.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	// Interval is the delay before the second attempt; each further
	// attempt multiplies it by Multiplier up to MaxInterval.
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	// RetryInterval is how long the workflow sleeps after all attempts
	// failed before the whole activity is retried from a fresh pull.
	RetryInterval time.Duration
}

// DefaultRetryPolicy applies when an activity registers without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		Interval:      250 * time.Millisecond,
		Multiplier:    2,
		MaxInterval:   5 * time.Second,
		RetryInterval: 30 * time.Second,
	}
}

type registeredActivity struct {
	fn     ActivityFn
	policy RetryPolicy
}

// Registry maps workflow and activity names to their implementations.
// Workflows reference activities by name, so histories stay replayable
// across deploys as long as names are stable. Registration happens at
// startup; the registry is read-only afterwards.
type Registry struct {
	workflows  map[string]WorkflowFn
	activities map[string]registeredActivity
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  map[string]WorkflowFn{},
		activities: map[string]registeredActivity{},
	}
}

func (r *Registry) RegisterWorkflow(name string, fn WorkflowFn) error {
	if name == "" {
		return fmt.Errorf("engine: register workflow with empty name")
	}
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("engine: workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

func (r *Registry) RegisterActivity(name string, fn ActivityFn) error {
	return r.RegisterActivityWithPolicy(name, fn, DefaultRetryPolicy())
}

func (r *Registry) RegisterActivityWithPolicy(name string, fn ActivityFn, policy RetryPolicy) error {
	if name == "" {
		return fmt.Errorf("engine: register activity with empty name")
	}
	if _, ok := r.activities[name]; ok {
		return fmt.Errorf("engine: activity %q already registered", name)
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r.activities[name] = registeredActivity{fn: fn, policy: policy}
	return nil
}

func (r *Registry) workflow(name string) (WorkflowFn, bool) {
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) activity(name string) (registeredActivity, bool) {
	a, ok := r.activities[name]
	return a, ok
}

// WorkflowNames lists registered workflow names, for worker pull filters.
func (r *Registry) WorkflowNames() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
