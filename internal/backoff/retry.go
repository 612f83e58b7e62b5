package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is returned, wrapping the last error, when every
// attempt failed with a retryable error.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Result reports the outcome of Retry.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// Retrier runs a function with bounded, jittered retries.
type Retrier struct {
	Policy      Policy
	MaxAttempts int
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// Sleep is overridden in tests.
	Sleep func(context.Context, time.Duration) error
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// A non-retryable error is returned as-is so callers can classify it.
func Do[T any](ctx context.Context, r Retrier, fn func(ctx context.Context, attempt int) (T, error)) (Result[T], error) {
	var res Result[T]
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return res, err
		}
		value, err := fn(ctx, attempt)
		if err == nil {
			res.Value = value
			res.LastError = nil
			return res, nil
		}
		res.LastError = err
		if r.Retryable != nil && !r.Retryable(err) {
			return res, err
		}
		if attempt == maxAttempts {
			break
		}
		wait := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return res, err
		}
	}
	return res, fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, res.LastError)
}

// ShouldRetryLLMStatus reports whether an HTTP status from an LLM endpoint is transient.
// Only 429 and 5xx qualify; 400, 401 and 403 surface immediately.
func ShouldRetryLLMStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}
