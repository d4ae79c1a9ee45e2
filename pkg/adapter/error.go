package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies provider failures.
type Kind string

const (
	KindAuth        Kind = "auth_error"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUnreachable Kind = "unreachable"
	KindMalformed   Kind = "malformed"
)

// Error wraps provider errors with a failure kind and status metadata.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "adapter error"
	}
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = e.Provider + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status=%d)", prefix, e.Status)
	}
	return prefix
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a typed adapter error.
func NewError(kind Kind, provider, model string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Model: model, Err: err}
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnreachable
	default:
		return KindMalformed
	}
}

// StatusError builds a typed error from an HTTP status.
func StatusError(provider, model string, status int, err error) *Error {
	return &Error{Kind: KindForStatus(status), Provider: provider, Model: model, Status: status, Err: err}
}

// Classify converts an arbitrary transport error into a typed adapter
// error. Errors that are already typed pass through unchanged.
func Classify(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindTimeout, provider, model, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, provider, model, err)
	}
	// Dial, DNS and connection reset errors all land here.
	return NewError(KindUnreachable, provider, model, err)
}

// KindOf extracts the failure kind of err. Untyped errors report
// KindUnreachable; context expiry reports KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnreachable
}

// IsTransient reports whether an error is worth retrying elsewhere.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTimeout, KindUnreachable:
		return true
	default:
		return false
	}
}
