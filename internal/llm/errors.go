package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseable is returned when the model's output still cannot be parsed
// or validated after every retry and self-heal attempt. Callers decide
// whether to dead-letter the surrounding job.
var ErrUnparseable = errors.New("llm output unparseable")

// Error is the unified error interface returned by provider adapters.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus classifies an HTTP failure into the taxonomy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == 401 || statusCode == 403:
		base.retryable = false
		return &AuthenticationError{base}
	case statusCode == 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case statusCode == 429:
		base.retryable = true
		return &RateLimitError{base}
	case statusCode >= 500 && statusCode <= 599:
		base.retryable = true
		return &ServerError{base}
	case statusCode >= 400 && statusCode < 500:
		base.retryable = false
		return &InvalidRequestError{base}
	default:
		base.retryable = false
		return &UnknownHTTPError{base}
	}
}

// WrapContextError converts transport-level failures into the taxonomy.
// Cancellation passes through untouched so callers can distinguish shutdown.
func WrapContextError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{httpErrorBase{
			provider: provider, statusCode: http.StatusRequestTimeout,
			message: "request deadline exceeded", retryable: true,
		}}
	}
	return &UnknownHTTPError{httpErrorBase{
		provider: provider, message: err.Error(), retryable: true,
	}}
}

// IsRetryable reports whether the call should be retried.
func IsRetryable(err error) bool {
	var le Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterHint extracts a provider-suggested delay, if any.
func RetryAfterHint(err error) *time.Duration {
	var le Error
	if errors.As(err, &le) {
		return le.RetryAfter()
	}
	return nil
}

func parseRetryAfter(h http.Header) *time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	return nil
}
