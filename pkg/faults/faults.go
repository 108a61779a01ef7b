// Package faults carries the engine's error taxonomy. Internal packages
// keep their own sentinel errors; the boundary layers classify them into
// exactly one Kind before they reach a caller.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy purposes.
type Kind int

const (
	// KindUnknown is the zero value; treated as internal.
	KindUnknown Kind = iota
	// KindValidation covers malformed input and schema violations.
	// Surfaced to the caller, never retried.
	KindValidation
	// KindUnauthenticated covers missing or invalid credentials.
	KindUnauthenticated
	// KindRetryableTransport covers timeouts, 5xx and throttling. Wrapped
	// by circuit breaker and exponential backoff.
	KindRetryableTransport
	// KindTerminalTransport covers not-found and permission-denied.
	KindTerminalTransport
	// KindCapacity covers queue-full and rate-limit rejections. Carries a
	// retry-after hint and is not counted against breakers.
	KindCapacity
	// KindCorruption covers hash mismatches and index corruption. The
	// containing shard degrades and an alert fires.
	KindCorruption
	// KindInvariant marks a programming invariant violation. The current
	// operation aborts without recovery.
	KindInvariant
)

// String names the kind for logs and API payloads.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindRetryableTransport:
		return "retryable_transport"
	case KindTerminalTransport:
		return "terminal_transport"
	case KindCapacity:
		return "capacity"
	case KindCorruption:
		return "corruption"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind and an optional
// retry-after hint.
type Error struct {
	Kind       Kind
	Msg        string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a leaf error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a leaf error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithRetryAfter builds a capacity error carrying a retry-after hint.
func WithRetryAfter(msg string, after time.Duration) error {
	return &Error{Kind: KindCapacity, Msg: msg, RetryAfter: after}
}

// KindOf walks the error chain and returns the first classified kind,
// or KindUnknown if none is found.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried under the backoff
// policy. Only retryable transport errors qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryableTransport
}

// RetryAfter extracts the retry-after hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}
