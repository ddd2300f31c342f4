package query

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Purpose distinguishes counted attempts from diagnostic sampling.
type Purpose string

const (
	PurposeAttempt    Purpose = "attempt"
	PurposeDiagnostic Purpose = "diagnostic"
)

type Request struct {
	SQL      string
	RowLimit int
	Timeout  time.Duration
	Purpose  Purpose
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

func (r Result) Empty() bool {
	return len(r.Rows) == 0
}

// Engine executes one read-only statement. Statement-level failures are
// returned as *ExecutionError; cancellation of the caller's context is
// returned as the context error.
type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

type ErrorKind string

const (
	KindSyntax            ErrorKind = "syntax"
	KindUnknownIdentifier ErrorKind = "unknown_identifier"
	KindTypeMismatch      ErrorKind = "type_mismatch"
	KindTimeout           ErrorKind = "timeout"
	KindConnection        ErrorKind = "connection"
	KindReadOnlyViolation ErrorKind = "read_only_violation"
	KindService           ErrorKind = "service"
	KindUnknown           ErrorKind = "unknown"
)

type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func NewExecutionError(kind ErrorKind, err error) *ExecutionError {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ExecutionError{Kind: kind, Message: message, Err: err}
}

func AsExecutionError(err error) (*ExecutionError, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}

// ContextFailure reports how a failed statement relates to its contexts. It
// returns the parent's error when the caller went away, and a timeout
// ExecutionError when only the statement deadline fired.
func ContextFailure(parent, run context.Context, err error) (error, bool) {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr, true
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return NewExecutionError(KindTimeout, err), true
	}
	return nil, false
}
