package errx

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Every error that crosses a component
// boundary carries exactly one Kind; raw provider or transport errors are
// wrapped before they leave the component that produced them.
type Kind string

const (
	// KindConfigUnavailable marks a failed load of the safety-instruction set
	// or other required configuration. Fatal for the request, never retried.
	KindConfigUnavailable Kind = "config_unavailable"

	// KindTriageFailure marks a triage-stage model call that failed after its
	// retry budget. The request surfaces as a generic processing error.
	KindTriageFailure Kind = "triage_failure"

	// KindInsufficientCredit marks an affordability rejection. Terminal,
	// user-visible, no charge.
	KindInsufficientCredit Kind = "insufficient_credit"

	// KindHarmBlocked marks a request stopped by the safety classifier.
	// Terminal, user-visible, no charge.
	KindHarmBlocked Kind = "harm_blocked"

	// KindProviderTransient marks a provider failure worth retrying with
	// backoff: rate limits, timeouts, temporary unavailability.
	KindProviderTransient Kind = "provider_transient"

	// KindProviderFatal marks a provider failure that must not be retried.
	// Partial output already delivered is preserved and partially charged.
	KindProviderFatal Kind = "provider_fatal"

	// KindLedgerRace marks a reservation invalidated by a concurrent spend.
	// Retried once against a fresh balance, then degrades to insufficient credit.
	KindLedgerRace Kind = "ledger_race"

	// KindInternal covers everything that should not happen.
	KindInternal Kind = "internal"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
)

// Error wraps an underlying error with a Kind and a safe message.
type Error struct {
	Err     error
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the provided information.
func New(err error, kind Kind, message string) *Error {
	return &Error{Err: err, Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message and no wrapped cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether the target matches the underlying error or the Error itself.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	return errors.Is(e.Err, target)
}

// As allows casting to Error or the wrapped error in a chain.
func (e *Error) As(target any) bool {
	if t, ok := target.(**Error); ok {
		*t = e
		return true
	}
	return errors.As(e.Err, target)
}

// KindOf extracts the Kind from an error chain, or KindInternal when the
// chain carries no classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the error is transient and the operation may
// succeed on retry. Invalid requests and safety blocks are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindLedgerRace:
		return true
	default:
		return false
	}
}
