// Package fault defines the error taxonomy shared by the ledger and
// engagement services. Callers branch on Kind to decide whether an
// operation may be retried, must be re-read, or requires operator
// attention.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown covers wrapped infrastructure errors with no classification.
	KindUnknown Kind = iota
	// KindValidation rejects malformed input before any mutation.
	KindValidation
	// KindStateConflict rejects an operation invalid for the current status;
	// the caller must refresh its view.
	KindStateConflict
	// KindConcurrency signals an optimistic-lock failure. Retryable.
	KindConcurrency
	// KindInvariant signals a ledger balance violation. Fatal, never
	// auto-corrected; the order is flagged for manual reconciliation.
	KindInvariant
	// KindCallbackMismatch signals a settlement callback referencing an
	// unknown or already-settled transaction. Ignored idempotently, logged.
	KindCallbackMismatch
	// KindNotFound signals a missing record.
	KindNotFound
	// KindForbidden signals the actor lacks permission for the operation.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindConcurrency:
		return "concurrency_conflict"
	case KindInvariant:
		return "invariant_violation"
	case KindCallbackMismatch:
		return "callback_mismatch"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error carries a classified failure with a precise reason.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

func StateConflict(format string, args ...any) error {
	return New(KindStateConflict, format, args...)
}

func Concurrency(format string, args ...any) error {
	return New(KindConcurrency, format, args...)
}

func Invariant(format string, args ...any) error {
	return New(KindInvariant, format, args...)
}

func CallbackMismatch(format string, args ...any) error {
	return New(KindCallbackMismatch, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) error {
	return New(KindForbidden, format, args...)
}

// KindOf extracts the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may safely retry the operation
// after re-reading current state. Only optimistic-lock conflicts qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindConcurrency
}
