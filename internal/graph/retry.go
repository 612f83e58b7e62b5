package graph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/cos/internal/backoff"
)

// IsTransient reports whether err is a retryable host write failure.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}

// Retrying wraps a Graph so writes are retried on transient failures.
type Retrying struct {
	Graph
	retrier backoff.Retrier
}

// WithRetry wraps g. Reads pass through unchanged.
func WithRetry(g Graph, attempts int) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	logger := slog.Default().With("component", "graph")
	return &Retrying{
		Graph: g,
		retrier: backoff.Retrier{
			Policy:      backoff.GraphWritePolicy(),
			MaxAttempts: attempts,
			Retryable:   IsTransient,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				logger.Debug("retrying graph write", "attempt", attempt, "wait", wait, "error", err)
			},
		},
	}
}

func (r *Retrying) run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := backoff.Do(ctx, r.retrier, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CreatePage retries the underlying write.
func (r *Retrying) CreatePage(ctx context.Context, title string) (string, error) {
	res, err := backoff.Do(ctx, r.retrier, func(ctx context.Context, _ int) (string, error) {
		return r.Graph.CreatePage(ctx, title)
	})
	return res.Value, err
}

// CreateBlock retries the underlying write.
func (r *Retrying) CreateBlock(ctx context.Context, parentUID string, order int, text string) (string, error) {
	res, err := backoff.Do(ctx, r.retrier, func(ctx context.Context, _ int) (string, error) {
		return r.Graph.CreateBlock(ctx, parentUID, order, text)
	})
	return res.Value, err
}

// UpdateBlock retries the underlying write.
func (r *Retrying) UpdateBlock(ctx context.Context, uid, text string) error {
	return r.run(ctx, func(ctx context.Context) error { return r.Graph.UpdateBlock(ctx, uid, text) })
}

// MoveBlock retries the underlying write.
func (r *Retrying) MoveBlock(ctx context.Context, uid, parentUID string, order int) error {
	return r.run(ctx, func(ctx context.Context) error { return r.Graph.MoveBlock(ctx, uid, parentUID, order) })
}

// DeleteBlock retries the underlying write.
func (r *Retrying) DeleteBlock(ctx context.Context, uid string) error {
	return r.run(ctx, func(ctx context.Context) error { return r.Graph.DeleteBlock(ctx, uid) })
}
