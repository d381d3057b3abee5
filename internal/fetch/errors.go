package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed network attempt.
type Kind int

const (
	// KindTransport is any other transport failure. Retryable.
	KindTransport Kind = iota
	// KindConnectivity means there was no network path. Retryable.
	KindConnectivity
	// KindCancelled means the caller withdrew. Never retried.
	KindCancelled
	// KindRemoteStatus is a well-formed response with a non-2xx status. Retryable.
	KindRemoteStatus
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindConnectivity:
		return "connectivity"
	case KindCancelled:
		return "cancelled"
	case KindRemoteStatus:
		return "remote_status"
	default:
		return "unknown"
	}
}

var (
	// ErrCancelled is returned when a task is cancelled before it completes.
	ErrCancelled = &Error{Kind: KindCancelled}

	// ErrRetriesExhausted wraps the last attempt's error once the retry
	// ceiling has been passed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Error is a classified network failure.
type Error struct {
	Kind       Kind
	StatusCode int    // set for KindRemoteStatus
	Body       []byte // response body or message, KindRemoteStatus only
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	switch e.Kind {
	case KindConnectivity:
		return fmt.Sprintf("not connected: %v", e.Err)
	case KindCancelled:
		return "request cancelled"
	case KindRemoteStatus:
		if len(e.Body) > 0 {
			return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Body)
		}
		return fmt.Sprintf("remote status %d", e.StatusCode)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, ErrCancelled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.StatusCode == 0 || t.StatusCode == e.StatusCode)
}

// Retryable reports whether the executor may schedule another attempt.
// All non-2xx statuses, 404 included, are retryable.
func (e *Error) Retryable() bool {
	return e.Kind != KindCancelled
}

// exhaustedError carries the last attempt error after the retry ceiling.
type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.last}
}

// Classify converts an arbitrary error into a *Error.
// Context cancellation maps to KindCancelled; unknown errors to KindTransport.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

// IsConnectivity reports whether err (or the error it wraps) is a missing
// network path, so callers can show an offline indicator.
func IsConnectivity(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindConnectivity
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindCancelled
}

// IsRetryable reports whether err would be retried by the executor.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindRemoteStatus {
		return fe.StatusCode
	}
	return 0
}
