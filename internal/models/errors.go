package models

import (
	"errors"
	"fmt"
	"regexp"
)

// Error kinds classify failures for retry and propagation policy.
type ErrorKind string

const (
	ErrKindTransient        ErrorKind = "transient"         // 5xx, gateway, timeout; retryable
	ErrKindRateLimited      ErrorKind = "rate_limited"      // 429
	ErrKindInvalidInput     ErrorKind = "invalid_input"     // non-429 4xx; per-job fatal
	ErrKindCancelled        ErrorKind = "cancelled"         // run-cancel flag observed
	ErrKindQueueUnavailable ErrorKind = "queue_unavailable" // KV down, fallback disabled
	ErrKindFatal            ErrorKind = "fatal"             // programmer error, contract violation
)

// ClassifiedError carries an ErrorKind alongside the underlying error.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, defaulting to transient for plain errors.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrRunCancelled signals that the run-cancel flag was observed.
var ErrRunCancelled = NewError(ErrKindCancelled, errors.New("run cancelled"))

// ErrQueueUnavailable signals that the KV store is unreachable and the
// in-process fallback is disabled.
var ErrQueueUnavailable = NewError(ErrKindQueueUnavailable, errors.New("queue unavailable"))

var rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|429|too.?many.?requests|quota|throttl|capacity`)

// IsRateLimitMessage reports whether an error message looks like a rate limit.
func IsRateLimitMessage(message string) bool {
	return rateLimitPattern.MatchString(message)
}

var transientPattern = regexp.MustCompile(`(?i)\b5\d\d\b|gateway|timed?.?out|timeout|unavailable|connection (reset|refused)`)

// IsTransientMessage reports whether an error message looks like a provider
// fault (5xx, gateway, timeout) rather than a client error.
func IsTransientMessage(message string) bool {
	return transientPattern.MatchString(message)
}
