package client

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNilLimiter is returned by New when no shared limiter is supplied.
	ErrNilLimiter = errors.New("rate limiter is required")
)

// ErrorKind classifies a failed fetch attempt. The kind alone decides
// whether and how an attempt is retried.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts, 5xx and undecodable bodies.
	// Retried with exponential backoff.
	KindTransient ErrorKind = "transient"

	// KindRateLimited covers 429 and provider bodies reporting a rate limit.
	// Widens the shared limiter, then retried after a cool-down.
	KindRateLimited ErrorKind = "rate_limited"

	// KindPermanent covers 404 and provider NOT_FOUND: the identity does not
	// exist upstream. Never retried.
	KindPermanent ErrorKind = "permanent"

	// KindRejected covers every other 4xx, such as an unknown API key or a
	// plan that lacks access, and requests that could not be built. Never
	// retried, and says nothing about the identity itself.
	KindRejected ErrorKind = "rejected"
)

// FetchError describes a failed attempt or the terminal failure of a job.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Identity   string
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	var b strings.Builder
	if e.Identity != "" {
		fmt.Fprintf(&b, "fetch %s: ", e.Identity)
	}
	fmt.Fprintf(&b, "%s error", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is of KindTransient.
func (e *FetchError) Transient() bool { return e.Kind == KindTransient }

// Permanent reports whether the error is of KindPermanent.
func (e *FetchError) Permanent() bool { return e.Kind == KindPermanent }

// Rejected reports whether the error is of KindRejected.
func (e *FetchError) Rejected() bool { return e.Kind == KindRejected }

// RateLimited reports whether the error is of KindRateLimited.
func (e *FetchError) RateLimited() bool { return e.Kind == KindRateLimited }

// KindOf returns the ErrorKind of err, or "" if err carries no FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

var rateLimitPhrases = []string{
	"rate limit",
	"exceeded the maximum",
	"too many requests",
}

// IsRateLimitMessage reports whether a provider message signals a rate limit.
func IsRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
