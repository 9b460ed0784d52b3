// Package syncerr classifies the failures of the sync engine and its provider clients.
// Errors carry a stable kind so HTTP handlers and the engine can decide between
// rejecting, retrying, skipping or ignoring without string matching.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable class of an Error.
type Kind string

const (
	// Validation marks a configuration invariant violated at write time. Never retried.
	Validation Kind = "VALIDATION"
	// NotFound marks an inbound call referencing an unknown subscription or webhook.
	NotFound Kind = "NOT_FOUND"
	// Transient marks a server-class provider failure that may succeed on retry.
	Transient Kind = "TRANSIENT_PROVIDER"
	// AlreadyGone marks a delete of a provider resource that no longer exists.
	AlreadyGone Kind = "ALREADY_GONE"
)

// MaxRetries is the number of immediate re-attempts after a transient failure.
const MaxRetries = 2

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Validationf creates a Validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

// NewTransient wraps err as a Transient error.
func NewTransient(err error, format string, args ...any) *Error {
	return &Error{Kind: Transient, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewAlreadyGone wraps err as an AlreadyGone error.
func NewAlreadyGone(err error, format string, args ...any) *Error {
	return &Error{Kind: AlreadyGone, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

func IsValidation(err error) bool  { return Is(err, Validation) }
func IsNotFound(err error) bool    { return Is(err, NotFound) }
func IsTransient(err error) bool   { return Is(err, Transient) }
func IsAlreadyGone(err error) bool { return Is(err, AlreadyGone) }

// IgnoreGone returns nil when err reports an already removed resource.
func IgnoreGone(err error) error {
	if IsAlreadyGone(err) {
		return nil
	}
	return err
}

// Retry calls fn and re-attempts it immediately, at most MaxRetries times,
// while it fails with a Transient error.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt >= MaxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}
