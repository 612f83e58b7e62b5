// Package debounce coalesces bursts of work: persistence writes, watch
// callbacks and inbox deltas all run once after the burst settles.
package debounce

import (
	"sync"
	"time"
)

// Trigger runs fn once after delay has elapsed since the last Poke.
// Flush runs a pending invocation synchronously.
type Trigger struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	pending bool
	stopped bool
	running sync.WaitGroup
}

// NewTrigger returns a Trigger that calls fn delay after the last Poke.
func NewTrigger(delay time.Duration, fn func()) *Trigger {
	if delay < 0 {
		delay = 0
	}
	return &Trigger{delay: delay, fn: fn}
}

// Poke schedules fn, restarting the delay.
func (t *Trigger) Poke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.pending = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.delay, t.fire)
}

// Pending reports whether an invocation is scheduled.
func (t *Trigger) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Trigger) fire() {
	t.mu.Lock()
	if !t.pending || t.stopped {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = nil
	t.running.Add(1)
	t.mu.Unlock()

	defer t.running.Done()
	t.fn()
}

// Flush cancels the timer and runs fn now if an invocation was pending.
func (t *Trigger) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	pending := t.pending
	t.pending = false
	t.mu.Unlock()

	t.running.Wait()
	if pending {
		t.fn()
	}
}

// Stop flushes pending work and disables further Pokes.
func (t *Trigger) Stop() {
	t.Flush()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
