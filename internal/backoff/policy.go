// Package backoff computes jittered exponential delays and drives bounded retries
// for LLM calls, graph writes and MCP reconnects.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max clamps every computed delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter adds up to Jitter*delay of random spread (0.0 to 1.0).
	Jitter float64
}

// LLMPolicy is used for provider calls: roughly 1s, 2s, 4s with 25% jitter.
func LLMPolicy() Policy {
	return Policy{Initial: time.Second, Max: 8 * time.Second, Factor: 2, Jitter: 0.25}
}

// ReconnectPolicy is used by the local MCP transport: 2s doubling to 60s.
func ReconnectPolicy() Policy {
	return Policy{Initial: 2 * time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.1}
}

// GraphWritePolicy retries transient host write failures quickly.
func GraphWritePolicy() Policy {
	return Policy{Initial: 150 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before the given attempt. Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1).
func (p Policy) DelayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
