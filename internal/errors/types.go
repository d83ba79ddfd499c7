// Package errors classifies failures for retry decisions and carries
// the bounded-retry helpers used around LLM and external HTTP calls.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
	RetryAfter int // Seconds to wait before retry (from Retry-After header)
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RateLimitError marks a rate-limited upstream. Callers open a backoff
// window rather than retrying immediately.
type RateLimitError struct {
	Err        error
	Source     string        // which upstream was limited (news, search, llm)
	RetryAfter time.Duration // zero when the upstream gave no hint
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: %v", e.Source, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return false
	}

	// Context cancellation is never retryable.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network-level failures are transient.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection reset", "broken pipe", "unexpected eof", "socket", "temporarily unavailable"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether err is a rate-limit error.
func IsRateLimit(err error) bool {
	var rateLimit *RateLimitError
	return errors.As(err, &rateLimit)
}

// ClassifyHTTPStatus wraps err according to the HTTP status code of the
// response that produced it.
func ClassifyHTTPStatus(statusCode int, err error) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{Err: err, Source: "http"}
	case statusCode >= 500:
		return &TransientError{Err: err, StatusCode: statusCode}
	case statusCode >= 400:
		return &PermanentError{Err: err, StatusCode: statusCode}
	default:
		return err
	}
}
