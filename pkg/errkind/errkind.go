// Package errkind defines the closed error taxonomy shared by every runtime
// component. Handlers return *Error values; the dispatcher forwards them across
// the gateway unchanged as {kind, message} pairs.
//
// Kinds fall into five classes:
//
//   - contract errors: the caller's fault, never retried
//   - resource errors: transient, higher layers may retry
//   - policy errors: by-design refusals, never retried
//   - integrity errors: suspected compromise — logged and counted, never
//     returned to the initiator
//   - invariant errors: bugs; these panic instead of using this package
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies an error class member. The set is closed.
type Kind string

// Contract errors — caller's fault.
const (
	KindUnknownMethod    Kind = "unknown_method"
	KindInvalidParams    Kind = "invalid_params"
	KindUnknownRole      Kind = "unknown_role"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindMessageTooLarge  Kind = "message_too_large"
	KindFramingError     Kind = "framing_error"
)

// Resource errors — transient.
const (
	KindBrokerUnavailable Kind = "broker_unavailable"
	KindCapabilityMissing Kind = "capability_missing"
	KindRateLimited       Kind = "rate_limited"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindTaskTimeout       Kind = "task_timeout"
	KindStartupTimeout    Kind = "startup_timeout"
	KindWorkerExited      Kind = "worker_exited"
	KindTimeout           Kind = "timeout"
	KindClosed            Kind = "closed"
	KindShuttingDown      Kind = "shutting_down"
	KindCancelled         Kind = "cancelled"
)

// Policy errors — by-design refusals.
const (
	KindSchemeForbidden     Kind = "scheme_forbidden"
	KindHostPrivate         Kind = "host_private"
	KindHostDenylisted      Kind = "host_denylisted"
	KindSizeExceeded        Kind = "size_exceeded"
	KindRejected            Kind = "rejected"
	KindExpired             Kind = "expired"
	KindAlreadyResolved     Kind = "already_resolved"
	KindAutoRejectedOverCap Kind = "auto_rejected_over_cap"
)

// KindInternal covers unexpected failures that carry no more specific kind.
const KindInternal Kind = "internal"

// Error is a typed error carrying a taxonomy kind. It wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error wrapping a cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from err. Non-taxonomy errors map to
// KindInternal; context cancellation and deadline errors map to their kinds so
// handlers can return raw context errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsContract reports whether the kind is a contract error (caller's fault).
func (k Kind) IsContract() bool {
	switch k {
	case KindUnknownMethod, KindInvalidParams, KindUnknownRole,
		KindCapacityExceeded, KindMessageTooLarge, KindFramingError:
		return true
	default:
		return false
	}
}

// IsResource reports whether the kind is a transient resource error.
func (k Kind) IsResource() bool {
	switch k {
	case KindBrokerUnavailable, KindCapabilityMissing, KindRateLimited,
		KindDeadlineExceeded, KindTaskTimeout, KindStartupTimeout,
		KindWorkerExited, KindTimeout, KindClosed, KindShuttingDown, KindCancelled:
		return true
	default:
		return false
	}
}

// IsPolicy reports whether the kind is a by-design refusal.
func (k Kind) IsPolicy() bool {
	switch k {
	case KindSchemeForbidden, KindHostPrivate, KindHostDenylisted,
		KindSizeExceeded, KindRejected, KindExpired, KindAlreadyResolved,
		KindAutoRejectedOverCap:
		return true
	default:
		return false
	}
}
