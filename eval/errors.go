package eval

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies evaluation failures.
type Kind int

const (
	// EvaluationFailure is a runtime domain error. Retried.
	EvaluationFailure Kind = iota
	// ParseFailure means the source cannot be understood. Never retried.
	ParseFailure
	// Timeout means the deadline or step budget ran out. Retried.
	Timeout
	// Cancelled is an explicit stop. Never retried and not counted as a failure.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ParseFailure:
		return "parse"
	case EvaluationFailure:
		return "evaluate"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may succeed on another attempt.
func (k Kind) Retryable() bool {
	return k == EvaluationFailure || k == Timeout
}

var (
	ErrCancelled = errors.New("evaluation cancelled")
	ErrTimeout   = errors.New("evaluation deadline exceeded")
)

// Error is a classified evaluation failure.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf classifies any error returned by an evaluator. Unclassified errors
// are treated as evaluation failures.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return EvaluationFailure
}
