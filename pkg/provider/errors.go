package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies driver failures so callers can decide between
// retry, fallback, and hard failure without string matching.
type ErrorKind string

const (
	KindConnectFail     ErrorKind = "connect_fail"
	KindAuthFail        ErrorKind = "auth_fail"
	KindProtocol        ErrorKind = "protocol_error"
	KindRateLimited     ErrorKind = "rate_limited"
	KindTimeout         ErrorKind = "provider_timeout"
	KindTransportClosed ErrorKind = "transport_closed"
	KindConfig          ErrorKind = "config_error"
)

// Error is the typed failure every driver surfaces.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a wrapped driver error.
func Errf(kind ErrorKind, provider string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is a driver error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// Retryable reports whether a fallback provider is worth attempting for
// this failure. Only rate limiting and provider timeouts are transient
// enough to justify a failover; everything else fails the call.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindRateLimited || pe.Kind == KindTimeout
}
