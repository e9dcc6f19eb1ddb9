package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// FailureReason classifies an adapter failure for retry decisions.
type FailureReason string

const (
	ReasonRateLimited  FailureReason = "rate_limited"
	ReasonOverloaded   FailureReason = "overloaded"
	ReasonTimeout      FailureReason = "timeout"
	ReasonNetworkError FailureReason = "network_error"
	ReasonAuth         FailureReason = "auth"
	ReasonInvalidInput FailureReason = "invalid_input"
	ReasonInternal     FailureReason = "internal"
	ReasonUnknown      FailureReason = "unknown"
)

// Recoverable reports whether failures with this reason may be retried.
func (r FailureReason) Recoverable() bool {
	switch r {
	case ReasonRateLimited, ReasonOverloaded, ReasonTimeout, ReasonNetworkError:
		return true
	default:
		return false
	}
}

// Error is the typed failure surface of a model adapter.
type Error interface {
	error
	Reason() FailureReason
	Retryable() bool
	// RetryAfter returns a server-suggested delay, or 0 when none was given.
	RetryAfter() time.Duration
}

type adapterError struct {
	reason     FailureReason
	msg        string
	retryAfter time.Duration
	cause      error
}

func (e *adapterError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.reason, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.reason, e.msg)
}

func (e *adapterError) Reason() FailureReason     { return e.reason }
func (e *adapterError) Retryable() bool           { return e.reason.Recoverable() }
func (e *adapterError) RetryAfter() time.Duration { return e.retryAfter }
func (e *adapterError) Unwrap() error             { return e.cause }

// NewError builds a typed adapter error.
func NewError(reason FailureReason, msg string, cause error) Error {
	return &adapterError{reason: reason, msg: msg, cause: cause}
}

// NewErrorWithRetryAfter builds a typed adapter error carrying a
// server-suggested retry delay.
func NewErrorWithRetryAfter(reason FailureReason, msg string, after time.Duration) Error {
	return &adapterError{reason: reason, msg: msg, retryAfter: after}
}

// ReasonOf extracts the failure reason from an arbitrary error. Typed
// adapter errors report their own reason; everything else is classified
// heuristically.
func ReasonOf(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	var ae Error
	if errors.As(err, &ae) {
		return ae.Reason()
	}
	return Classify(err)
}

// Classify maps an untyped error to a failure reason. Adapted for process
// transports: deadline and exec failures dominate; message matching covers
// errors that arrive as plain text from the assistant.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetworkError
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return classifyByMessage(string(exitErr.Stderr), ReasonInternal)
	}
	return classifyByMessage(err.Error(), ReasonUnknown)
}

// classifyByMessage resolves ambiguous failures by pattern-matching the
// message. Falls back to def when nothing matches.
func classifyByMessage(msg string, def FailureReason) FailureReason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit"), strings.Contains(m, "rate_limit"), strings.Contains(m, "429"):
		return ReasonRateLimited
	case strings.Contains(m, "overloaded"), strings.Contains(m, "529"), strings.Contains(m, "capacity"):
		return ReasonOverloaded
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"), strings.Contains(m, "deadline"):
		return ReasonTimeout
	case strings.Contains(m, "connection refused"), strings.Contains(m, "connection reset"),
		strings.Contains(m, "no such host"), strings.Contains(m, "network"):
		return ReasonNetworkError
	case strings.Contains(m, "unauthorized"), strings.Contains(m, "authentication"),
		strings.Contains(m, "api key"), strings.Contains(m, "401"), strings.Contains(m, "403"):
		return ReasonAuth
	case strings.Contains(m, "invalid"), strings.Contains(m, "bad request"), strings.Contains(m, "400"):
		return ReasonInvalidInput
	case strings.Contains(m, "internal server"), strings.Contains(m, "500"):
		return ReasonInternal
	default:
		return def
	}
}

// IsAuthError reports whether err is an authentication failure, regardless
// of wrapping.
func IsAuthError(err error) bool {
	return ReasonOf(err) == ReasonAuth
}
