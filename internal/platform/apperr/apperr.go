// Package apperr is the engine's error vocabulary. It reproduces the
// wrap/new/not-found/invalid-input call shape the teacher's
// be-lib-common/errors package offered to every repository and service
// method, remapped onto the closed error-kind taxonomy of spec.md §7.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed error kinds from spec.md §7. Kind, not the Go
// type, is what callers (the job fabric, the workflow runner) branch on to
// decide retry vs. branch vs. abandon.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindDuplicate       Kind = "duplicate"
	KindUnavailable     Kind = "unavailable"
	KindTimeout         Kind = "timeout"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalid         Kind = "invalid"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// Error is the structured error every caller-facing API returns:
// {kind, code, message, details, correlation_id} per spec.md §7. Internal
// stack traces never cross this boundary — only Kind/Code/Message/Details.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	Details       map[string]any
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a fresh Error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches kind/code/message context to an underlying error, the way
// errors.Wrap(err, errors.ErrCodeInternal, "...") did in the teacher repo.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Code: string(kind), Message: message, cause: cause}
}

// WithDetails attaches structured details (e.g. {"field": "total_amount"})
// and returns the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound builds a conflict-adjacent "resource not found" error, mirroring
// errors.NotFound(resource, id) from the teacher's error package.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindInvalid,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// InvalidInput builds a KindInvalid error for a single bad field, mirroring
// errors.InvalidInput(field, message).
func InvalidInput(field, message string) *Error {
	return &Error{
		Kind:    KindInvalid,
		Code:    "INVALID_INPUT",
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// Conflict builds a KindConflict error, used for optimistic-concurrency
// mismatches and illegal state transitions.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Code: "CONFLICT", Message: message}
}

// Unauthorized builds a KindPermissionDenied error.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindPermissionDenied, Code: "PERMISSION_DENIED", Message: message}
}

// Duplicate builds a KindDuplicate error, used by the idempotency manager
// when a second request observes an op still in flight.
func Duplicate(message string) *Error {
	return &Error{Kind: KindDuplicate, Code: "DUPLICATE", Message: message}
}

// Unavailable builds a KindUnavailable error for transient external-
// dependency failures that the job fabric should retry.
func Unavailable(message string) *Error {
	return &Error{Kind: KindUnavailable, Code: "UNAVAILABLE", Message: message}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that never passed through this package (a bug, by definition).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
