package kv

import (
	"errors"
	"fmt"
)

// Error codes mirror the substrate contract: 1020 is a retryable conflict
// ("not committed"), 1510 is a fatal substrate error.
const (
	CodeConflict = 1020
	CodeFatal    = 1510
)

// Error is a substrate error carrying a numeric class.
type Error struct {
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kv error %d: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("kv error %d: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewConflict returns a retryable conflict error (1020).
func NewConflict(msg string) error {
	return &Error{Code: CodeConflict, Msg: msg}
}

// NewFatal returns a non-retryable substrate error (1510).
func NewFatal(msg string, err error) error {
	return &Error{Code: CodeFatal, Msg: msg, Err: err}
}

// IsRetryable reports whether the error is a 1020-class conflict that the
// caller should retry by restarting the transaction.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeConflict
	}
	return false
}

// ErrTxUsedAfterCommit is returned when a transaction is used after Commit
// or Cancel.
var ErrTxUsedAfterCommit = errors.New("kv: transaction used after commit or cancel")
