package llm

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a completion failure.
type Kind string

const (
	// KindTransient failures are safe to retry (rate limits, 5xx, timeouts).
	KindTransient Kind = "transient"
	// KindContentPolicy failures are refusals by the provider's safety layer.
	KindContentPolicy Kind = "content_policy"
	// KindUnavailable failures mean the model cannot be reached at all:
	// bad credentials, missing configuration, or retries exhausted.
	KindUnavailable Kind = "unavailable"
)

// Error is the error type returned by every completer in this package.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.StatusCode != 0 {
		prefix = fmt.Sprintf("%s (status=%d)", prefix, e.StatusCode)
	}
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", prefix, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf reports the Kind of err. Errors that did not come from this package
// are treated as transient, except context cancellation which is unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindTransient
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsContentPolicy reports whether err is a provider refusal.
func IsContentPolicy(err error) bool {
	return KindOf(err) == KindContentPolicy
}

// IsUnavailable reports whether err means the model could not be used.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// ErrorFromStatusCode maps an HTTP status code onto a classified Error.
func ErrorFromStatusCode(statusCode int, provider, message string) error {
	e := &Error{Provider: provider, StatusCode: statusCode, Message: message}
	switch statusCode {
	case 401, 403, 404:
		e.Kind = KindUnavailable
	case 400, 422:
		// Providers report safety refusals as invalid requests.
		e.Kind = KindContentPolicy
	default:
		// 408, 429, 5xx and anything unknown are worth another attempt.
		e.Kind = KindTransient
	}
	return e
}
