// Package apierr defines the typed error kinds the control plane's
// boundaries return: ValidationError, PreconditionError, NotFoundError,
// ConflictError, ExecutionFailure, TransientFailure, and Canceled. Each
// kind implements error and carries a machine-readable Kind() so callers
// can branch without string-matching messages.
package apierr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation     Kind = "ValidationError"
	KindPrecondition   Kind = "PreconditionError"
	KindNotFound       Kind = "NotFoundError"
	KindConflict       Kind = "ConflictError"
	KindExecutionFail  Kind = "ExecutionFailure"
	KindTransientFail  Kind = "TransientFailure"
	KindCanceled       Kind = "Canceled"
)

// Error is the interface every kind below satisfies, letting callers
// branch on Kind() without errors.As against each concrete type.
type Error interface {
	error
	Kind() Kind
	Unwrap() error
}

type base struct {
	kind    Kind
	message string
	cause   error
}

func (e *base) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *base) Kind() Kind    { return e.kind }
func (e *base) Unwrap() error { return e.cause }

type ValidationError struct{ *base }
type PreconditionError struct{ *base }
type NotFoundError struct{ *base }
type ConflictError struct{ *base }
type ExecutionFailure struct{ *base }
type TransientFailure struct{ *base }
type CanceledError struct{ *base }

func newErr(kind Kind, format string, args ...any) *base {
	return &base{kind: kind, message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...any) *base {
	return &base{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation reports that the input failed schema/contract checks. No
// state change has occurred when this is returned.
func Validation(format string, args ...any) error {
	return &ValidationError{newErr(KindValidation, format, args...)}
}

// Precondition reports that resource state rejects the operation
// (inactive environment, missing provider secret, branch collision,
// unsupported spec schema version).
func Precondition(format string, args ...any) error {
	return &PreconditionError{newErr(KindPrecondition, format, args...)}
}

// NotFound reports that the identified resource is absent.
func NotFound(format string, args ...any) error {
	return &NotFoundError{newErr(KindNotFound, format, args...)}
}

// Conflict reports a uniqueness or version-mismatch violation.
func Conflict(format string, args ...any) error {
	return &ConflictError{newErr(KindConflict, format, args...)}
}

// Execution reports a node that failed after exhausting its retry
// budget; callers translate this into a RunFailed outcome.
func Execution(cause error, format string, args ...any) error {
	return &ExecutionFailure{wrapErr(KindExecutionFail, cause, format, args...)}
}

// Transient reports a retriable I/O or provider error, absorbed up to
// the node's retry budget before being promoted to ExecutionFailure.
func Transient(cause error, format string, args ...any) error {
	return &TransientFailure{wrapErr(KindTransientFail, cause, format, args...)}
}

// Canceled reports a cooperative abort triggered by the cancel marker.
func Canceled(format string, args ...any) error {
	return &CanceledError{newErr(KindCanceled, format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Kind() == kind
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) an apierr.Error,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e Error
	if errors.As(err, &e) {
		return e.Kind(), true
	}
	return "", false
}
