// Package apperr carries the error taxonomy shared by the crawler components.
//
// Every error that crosses a component boundary is either tagged with a Kind
// (Retryable, Fatal, Skipped) or wraps one of the sentinel classes below, so the
// driver can decide between retrying, skipping a unit or stopping the run.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindRetryable
	KindFatal
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

var (
	ErrValidation = errors.New("validation error")
	ErrStorage    = errors.New("storage error")
	ErrConfig     = errors.New("config error")
	ErrConstraint = errors.New("constraint violation")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindFatal})
// works without knowing the operation.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

func Skipped(op string, err error) error {
	return &Error{Kind: KindSkipped, Op: op, Err: err}
}

// KindOf returns the outermost kind tagged on err.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }
func IsFatal(err error) bool     { return KindOf(err) == KindFatal }
func IsSkipped(err error) bool   { return KindOf(err) == KindSkipped }

// Storage wraps a driver error as a storage failure. Constraint violations keep
// ErrConstraint in the chain so callers can tell them apart from connectivity problems.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConstraint) {
		return Skipped(op, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	return Fatal(op, fmt.Errorf("%w: %w", ErrStorage, err))
}
