package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/cos/internal/backoff"
)

// DefaultRetryAttempts bounds attempts to open a stream.
const DefaultRetryAttempts = 3

// Retry configures how a provider re-opens a failed stream.
type Retry struct {
	Attempts int
	Policy   backoff.Policy
	// Sleep is replaced in tests.
	Sleep func(context.Context, time.Duration) error
}

func (r Retry) retrier(provider string, logger *slog.Logger) backoff.Retrier {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	policy := r.Policy
	if policy.Initial == 0 {
		policy = backoff.LLMPolicy()
	}
	return backoff.Retrier{
		Policy:      policy,
		MaxAttempts: attempts,
		Retryable:   shouldRetry,
		Sleep:       r.Sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("provider request failed, retrying",
				"provider", provider, "attempt", attempt, "wait", wait, "error", err)
		},
	}
}

// open runs start with retries. start must classify its errors with
// wrapError so the retry predicate sees the HTTP status.
func open[T any](ctx context.Context, r Retry, provider string, logger *slog.Logger, start func(ctx context.Context) (T, error)) (T, error) {
	res, err := backoff.Do(ctx, r.retrier(provider, logger), func(ctx context.Context, _ int) (T, error) {
		return start(ctx)
	})
	if err != nil && res.LastError != nil && ctx.Err() == nil {
		// Keep the classified provider error at the top of the chain.
		return res.Value, res.LastError
	}
	return res.Value, err
}
