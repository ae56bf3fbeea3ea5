package history

import (
	"errors"
	"fmt"
)

// DivergedError reports history that does not match the running code: wrong
// event kind, mismatched input hash, or a version regression. The workflow
// stops and requires operator intervention.
type DivergedError struct {
	Msg string
}

func (e *DivergedError) Error() string {
	return "history diverged: " + e.Msg
}

// Diverged formats a DivergedError.
func Diverged(format string, args ...any) error {
	return &DivergedError{Msg: fmt.Sprintf(format, args...)}
}

// IsDiverged reports whether err is a DivergedError.
func IsDiverged(err error) bool {
	var de *DivergedError
	return errors.As(err, &de)
}

// LatentHistoryError reports that replay finished but unread events remain,
// meaning the workflow code shrank relative to history.
type LatentHistoryError struct {
	Msg string
}

func (e *LatentHistoryError) Error() string {
	return "latent history found: " + e.Msg
}

// IsLatentHistory reports whether err is a LatentHistoryError.
func IsLatentHistory(err error) bool {
	var le *LatentHistoryError
	return errors.As(err, &le)
}
