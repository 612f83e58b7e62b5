package debounce

import (
	"sync"
	"time"
)

// Batcher collects items and hands them to onFlush as one batch once the
// stream has been quiet for the configured delay.
type Batcher[T any] struct {
	mu      sync.Mutex
	items   []T
	timer   *time.Timer
	stopped bool

	delay   time.Duration
	onFlush func(items []T)
	flushMu sync.Mutex
}

// BatcherOption configures a Batcher.
type BatcherOption[T any] func(*Batcher[T])

// WithDelay sets the quiet period.
func WithDelay[T any](d time.Duration) BatcherOption[T] {
	return func(b *Batcher[T]) {
		if d < 0 {
			d = 0
		}
		b.delay = d
	}
}

// WithOnFlush sets the batch callback.
func WithOnFlush[T any](fn func(items []T)) BatcherOption[T] {
	return func(b *Batcher[T]) {
		b.onFlush = fn
	}
}

// NewBatcher creates a Batcher.
func NewBatcher[T any](opts ...BatcherOption[T]) *Batcher[T] {
	b := &Batcher[T]{}
	for _, opt := range opts {
		opt(b)
	}
	if b.onFlush == nil {
		b.onFlush = func([]T) {}
	}
	return b
}

// Add appends an item and restarts the quiet period. With zero delay the
// batch flushes immediately.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, item)
	if b.delay == 0 {
		b.mu.Unlock()
		b.Flush()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.Flush)
	b.mu.Unlock()
}

// Len returns the number of buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush delivers buffered items now. Flushes are serialised.
func (b *Batcher[T]) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	b.mu.Unlock()

	if len(items) > 0 {
		b.onFlush(items)
	}
}

// Stop discards buffered items and rejects further Adds.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.items = nil
	b.mu.Unlock()
	// Wait out an in-progress flush.
	b.flushMu.Lock()
	b.flushMu.Unlock() //nolint:staticcheck // barrier
}
