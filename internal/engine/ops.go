package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/history"
)

// Activity runs a named activity, replaying its recorded output when
// history has one. Failures retry in-process per the activity's policy;
// once attempts are exhausted the workflow suspends and the whole activity
// retries after the policy's retry interval.
func (c *WorkflowCtx) Activity(name string, input any) (json.RawMessage, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("engine: encode input for activity %q: %w", name, err)
	}
	eventID := history.NewEventID(name, raw)

	res, recorded, err := c.cursor.CompareActivity(c.version, eventID)
	if err != nil {
		return nil, err
	}
	if res == history.ResultEvent {
		c.cursor.Inc()
		return recorded.Output, nil
	}
	loc := c.cursor.CurrentLocationFor(res)

	act, ok := c.registry.activity(name)
	if !ok {
		return nil, fmt.Errorf("engine: activity %q not registered", name)
	}

	var lastErr error
	interval := act.policy.Interval
	for attempt := 1; attempt <= act.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-c.ctx.Done():
				return nil, c.ctx.Err()
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * act.policy.Multiplier)
			if act.policy.MaxInterval > 0 && interval > act.policy.MaxInterval {
				interval = act.policy.MaxInterval
			}
		}

		output, err := invokeActivity(c.ctx, act.fn, raw)
		if err == nil {
			if err := c.store.CommitActivityEvent(c.ctx, c.workflowID, loc, c.version, eventID, raw, output); err != nil {
				return nil, err
			}
			c.cursor.Update(loc)
			return output, nil
		}
		lastErr = err
		if cerr := c.store.CommitActivityError(c.ctx, c.workflowID, loc, err.Error()); cerr != nil {
			return nil, cerr
		}
		c.log.Warn().Err(err).
			Str("activity", name).
			Int("attempt", attempt).
			Msg("activity failed")
	}

	retryInterval := act.policy.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryPolicy().RetryInterval
	}
	return nil, NewSuspendError(
		history.WakeConditions{DeadlineTs: nowMs() + retryInterval.Milliseconds()},
		fmt.Sprintf("activity %q: %v", name, lastErr),
	)
}

func invokeActivity(ctx context.Context, fn ActivityFn, input json.RawMessage) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}

// Listen blocks until a signal with one of the given names arrives,
// consuming the oldest pending one.
func (c *WorkflowCtx) Listen(names ...string) (*history.SignalEvent, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("engine: listen with no signal names")
	}
	res, recorded, err := c.cursor.CompareSignal(c.version)
	if err != nil {
		return nil, err
	}
	if res == history.ResultEvent {
		c.cursor.Inc()
		return recorded, nil
	}
	loc := c.cursor.CurrentLocationFor(res)

	pulled, err := c.store.PullNextSignal(c.ctx, c.workflowID, names, loc, c.version)
	if err != nil {
		return nil, err
	}
	if pulled != nil {
		c.cursor.Update(loc)
		return pulled, nil
	}
	return nil, NewSuspendError(history.WakeConditions{Signals: names}, "")
}

// ListenWithTimeout is Listen bounded by a deadline. Returns a nil signal on
// timeout. The deadline anchors to a recorded sleep event so replay observes
// the same resolution; a recorded signal after the sleep is authoritative
// over the sleep's state.
func (c *WorkflowCtx) ListenWithTimeout(timeout time.Duration, names ...string) (*history.SignalEvent, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("engine: listen with no signal names")
	}

	res, sleep, err := c.cursor.CompareSleep(c.version)
	if err != nil {
		return nil, err
	}
	var (
		sleepLoc   history.Location
		deadlineTs int64
		state      history.SleepState
	)
	if res == history.ResultEvent {
		sleepLoc = c.cursor.CurrentLocation()
		deadlineTs = sleep.DeadlineTs
		state = sleep.State
		c.cursor.Inc()
	} else {
		sleepLoc = c.cursor.CurrentLocationFor(res)
		deadlineTs = nowMs() + timeout.Milliseconds()
		if err := c.store.CommitSleepEvent(c.ctx, c.workflowID, sleepLoc, c.version, deadlineTs, history.SleepStateNormal); err != nil {
			return nil, err
		}
		c.cursor.Update(sleepLoc)
	}

	sres, recorded, err := c.cursor.CompareSignal(c.version)
	if err != nil {
		return nil, err
	}
	if sres == history.ResultEvent {
		c.cursor.Inc()
		return recorded, nil
	}
	if state == history.SleepStateExpired {
		// Resolved as a timeout in an earlier run; a signal that arrived
		// since stays in the inbox for later listens.
		return nil, nil
	}
	sigLoc := c.cursor.CurrentLocationFor(sres)

	pulled, err := c.store.PullNextSignal(c.ctx, c.workflowID, names, sigLoc, c.version)
	if err != nil {
		return nil, err
	}
	if pulled != nil {
		if err := c.store.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, history.SleepStateInterrupted); err != nil {
			return nil, err
		}
		c.cursor.Update(sigLoc)
		return pulled, nil
	}
	if nowMs() >= deadlineTs {
		if err := c.store.UpdateSleepEventState(c.ctx, c.workflowID, sleepLoc, history.SleepStateExpired); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, NewSuspendError(history.WakeConditions{DeadlineTs: deadlineTs, Signals: names}, "")
}

// Sleep suspends the workflow for a duration. The deadline is computed once
// and recorded; replay reuses it.
func (c *WorkflowCtx) Sleep(d time.Duration) error {
	return c.sleepUntil(func() int64 { return nowMs() + d.Milliseconds() })
}

// SleepUntil suspends the workflow until an absolute timestamp.
func (c *WorkflowCtx) SleepUntil(deadlineTs int64) error {
	return c.sleepUntil(func() int64 { return deadlineTs })
}

func (c *WorkflowCtx) sleepUntil(deadline func() int64) error {
	res, sleep, err := c.cursor.CompareSleep(c.version)
	if err != nil {
		return err
	}
	var deadlineTs int64
	if res == history.ResultEvent {
		deadlineTs = sleep.DeadlineTs
		c.cursor.Inc()
	} else {
		loc := c.cursor.CurrentLocationFor(res)
		deadlineTs = deadline()
		if err := c.store.CommitSleepEvent(c.ctx, c.workflowID, loc, c.version, deadlineTs, history.SleepStateNormal); err != nil {
			return err
		}
		c.cursor.Update(loc)
	}
	if nowMs() >= deadlineTs {
		return nil
	}
	return NewSuspendError(history.WakeConditions{DeadlineTs: deadlineTs}, "")
}

// Signal sends a durable signal to a specific workflow. Delivery and the
// send record are exactly-once under replay.
func (c *WorkflowCtx) Signal(target uuid.UUID, name string, body any) (uuid.UUID, error) {
	return c.signalSend(name, body, &target, nil)
}

// SignalTagged sends a signal to every sleeping workflow listening for name
// whose tags contain all the given tags.
func (c *WorkflowCtx) SignalTagged(tags map[string]string, name string, body any) (uuid.UUID, error) {
	return c.signalSend(name, body, nil, tags)
}

func (c *WorkflowCtx) signalSend(name string, body any, target *uuid.UUID, tags map[string]string) (uuid.UUID, error) {
	res, recorded, err := c.cursor.CompareSignalSend(c.version, name)
	if err != nil {
		return uuid.Nil, err
	}
	if res == history.ResultEvent {
		c.cursor.Inc()
		return recorded.SignalID, nil
	}
	loc := c.cursor.CurrentLocationFor(res)

	raw, err := json.Marshal(body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine: encode signal %q body: %w", name, err)
	}
	signalID := uuid.New()
	err = c.store.CommitSignalSendEvent(c.ctx, c.workflowID, loc, c.version, history.PublishSignalInput{
		SignalID:         signalID,
		Name:             name,
		Body:             raw,
		TargetWorkflowID: target,
		TargetTags:       tags,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.cursor.Update(loc)
	return signalID, nil
}

// Msg publishes a fire-and-forget message. Recorded in history so replay
// does not re-publish.
func (c *WorkflowCtx) Msg(name string, tags map[string]string, body any) error {
	res, _, err := c.cursor.CompareMsg(c.version, name)
	if err != nil {
		return err
	}
	if res == history.ResultEvent {
		c.cursor.Inc()
		return nil
	}
	loc := c.cursor.CurrentLocationFor(res)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engine: encode message %q body: %w", name, err)
	}
	if err := c.store.CommitMessageSendEvent(c.ctx, c.workflowID, loc, c.version, name, tags, raw); err != nil {
		return err
	}
	c.cursor.Update(loc)
	return nil
}

// Dispatch starts a child workflow and returns its id without waiting.
func (c *WorkflowCtx) Dispatch(name string, tags map[string]string, input any) (uuid.UUID, error) {
	res, recorded, err := c.cursor.CompareSubWorkflow(c.version, name)
	if err != nil {
		return uuid.Nil, err
	}
	if res == history.ResultEvent {
		c.cursor.Inc()
		return recorded.SubWorkflowID, nil
	}
	loc := c.cursor.CurrentLocationFor(res)

	raw, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine: encode input for workflow %q: %w", name, err)
	}
	subID, err := c.store.CommitSubWorkflowEvent(c.ctx, c.workflowID, loc, c.version, history.DispatchWorkflowInput{
		Name:  name,
		Tags:  tags,
		Input: raw,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.cursor.Update(loc)
	return subID, nil
}

// WaitForWorkflow blocks until another workflow completes and returns its
// output. Deterministic without a history event: a completed workflow's
// output is immutable.
func (c *WorkflowCtx) WaitForWorkflow(id uuid.UUID) (json.RawMessage, error) {
	if id == c.workflowID {
		return nil, fmt.Errorf("engine: workflow %s cannot wait on itself", id)
	}
	wf, err := c.store.GetWorkflow(c.ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Output != nil {
		return wf.Output, nil
	}
	return nil, NewSuspendError(history.WakeConditions{SubWorkflowID: &id}, "")
}

// Removed marks a step that current code no longer performs, keeping old
// histories replayable. kind and name identify the step as it was recorded.
func (c *WorkflowCtx) Removed(kind history.EventType, name string) error {
	found, err := c.cursor.CompareRemoved(kind, name)
	if err != nil {
		return err
	}
	if found {
		c.cursor.Inc()
		return nil
	}
	loc := c.cursor.CurrentLocationFor(history.ResultNew)
	if err := c.store.CommitRemovedEvent(c.ctx, c.workflowID, loc, kind, name); err != nil {
		return err
	}
	c.cursor.Update(loc)
	return nil
}

// CheckVersion returns the version the following steps should run as,
// recording latest on first execution. Histories written before the marker
// existed replay as version 1.
func (c *WorkflowCtx) CheckVersion(latest int) (int, error) {
	isCheck, version, ok := c.cursor.CompareVersionCheck()
	if ok && isCheck {
		c.cursor.Inc()
		return version, nil
	}
	if !ok {
		loc := c.cursor.CurrentLocationFor(history.ResultNew)
		if err := c.store.CommitVersionCheckEvent(c.ctx, c.workflowID, loc, latest); err != nil {
			return 0, err
		}
		c.cursor.Update(loc)
		return latest, nil
	}
	return 1, nil
}

// UpdateState replaces the workflow's externally readable state blob. Not a
// history event; safe to call every run.
func (c *WorkflowCtx) UpdateState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("engine: encode state: %w", err)
	}
	return c.store.UpdateWorkflowState(c.ctx, c.workflowID, raw)
}

// UpdateTags replaces the workflow's tags, changing how tagged signals
// route to it from now on.
func (c *WorkflowCtx) UpdateTags(tags map[string]string) error {
	if err := c.store.UpdateWorkflowTags(c.ctx, c.workflowID, tags); err != nil {
		return err
	}
	c.tags = tags
	return nil
}
