package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies completion failures.
type Kind string

const (
	KindAuth               Kind = "auth"
	KindRateLimited        Kind = "rate_limited"
	KindOverloaded         Kind = "overloaded"
	KindTimeout            Kind = "timeout"
	KindNetwork            Kind = "network"
	KindInvalidRequest     Kind = "invalid_request"
	KindUnexpectedResponse Kind = "unexpected_response"
)

// Error is returned by every Client implementation.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion: %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("completion: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindOverloaded, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Retryable()
}

// KindOf returns the kind of err, or KindUnexpectedResponse for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnexpectedResponse
}

// FromStatus maps an HTTP status from a provider to an *Error.
func FromStatus(status int, msg string, err error) *Error {
	kind := KindUnexpectedResponse
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 429:
		kind = KindRateLimited
	case status == 408:
		kind = KindTimeout
	case status == 529 || status >= 500:
		kind = KindOverloaded
	case status >= 400:
		kind = KindInvalidRequest
	}
	return &Error{Kind: kind, StatusCode: status, Message: msg, Err: err}
}

// FromTransport classifies an error that never produced an HTTP status.
func FromTransport(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// Unexpected builds a KindUnexpectedResponse error.
func Unexpected(format string, args ...any) *Error {
	return &Error{Kind: KindUnexpectedResponse, Message: fmt.Sprintf(format, args...)}
}
