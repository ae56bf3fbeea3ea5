package engine

import (
	"errors"
	"fmt"

	"github.com/gantryio/gantry/internal/history"
)

// suspendError unwinds a workflow back to the worker with the wake
// conditions gathered at the suspension point. It is control flow, not a
// failure; workflow code must propagate it unchanged.
type suspendError struct {
	wake history.WakeConditions
	msg  string
}

func (e *suspendError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("workflow suspended: %s", e.msg)
	}
	return "workflow suspended"
}

// NewSuspendError builds a suspension. msg carries the pending error shown
// in workflow listings, empty for a clean sleep.
func NewSuspendError(wake history.WakeConditions, msg string) error {
	return &suspendError{wake: wake, msg: msg}
}

// IsSuspendError unwraps a suspension, returning its wake conditions and
// pending error message.
func IsSuspendError(err error) (history.WakeConditions, string, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.wake, s.msg, true
	}
	return history.WakeConditions{}, "", false
}

// ValidationError rejects a workflow's input. The workflow completes
// immediately with an error payload instead of retrying.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// mergeWake unions wake conditions from concurrently suspended branches.
// The earliest deadline wins; a sub-workflow wait survives only when a
// single branch set one.
func mergeWake(a, b history.WakeConditions) history.WakeConditions {
	out := a
	out.Immediate = a.Immediate || b.Immediate
	if out.DeadlineTs == 0 || (b.DeadlineTs != 0 && b.DeadlineTs < out.DeadlineTs) {
		out.DeadlineTs = b.DeadlineTs
	}
	out.Signals = append(out.Signals, b.Signals...)
	if out.SubWorkflowID == nil {
		out.SubWorkflowID = b.SubWorkflowID
	}
	return out
}
