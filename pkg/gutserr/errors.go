// Package gutserr defines the node's error taxonomy: a small set of
// failure kinds shared across every component, following Go idiom
// (wrapped errors, errors.Is/errors.As) rather than an exception
// hierarchy.
package gutserr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. Components construct *Error values tagged
// with one of these; callers branch on Kind via Is/As.
type Kind string

const (
	NotFound             Kind = "not_found"
	AlreadyExists        Kind = "already_exists"
	InvalidInput         Kind = "invalid_input"
	PermissionDenied     Kind = "permission_denied"
	PreconditionFailed   Kind = "precondition_failed"
	IntegrityError       Kind = "integrity_error"
	ConsensusUnavailable Kind = "consensus_unavailable"
	QuotaExceeded        Kind = "quota_exceeded"
	Timeout              Kind = "timeout"
	Network              Kind = "network"
)

// Error is the concrete error type returned by every component.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "objects.Put"
	Message    string
	RetryAfter time.Duration // set for QuotaExceeded
	Err        error         // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, enabling
// errors.Is(err, gutserr.New(gutserr.NotFound, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error that wraps an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithRetryAfter attaches a retry-after duration, used for QuotaExceeded.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Of reports whether err (or any error it wraps) has the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
