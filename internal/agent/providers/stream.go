package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/cos/pkg/models"
)

// Stream limits.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultChunkTimeout   = 60 * time.Second
	DefaultTotalTimeout   = 5 * time.Minute

	// MaxStreamText soft-caps accumulated assistant text.
	MaxStreamText = 120 * 1024
	// MaxToolArgs caps the argument buffer of a single tool call.
	MaxToolArgs = 32 * 1024
)

var (
	errConnectTimeout = errors.New("stream connect timeout")
	errChunkTimeout   = errors.New("stream chunk timeout")
	errTotalTimeout   = errors.New("stream exceeded total time limit")
)

// Timeouts bound one streamed completion.
type Timeouts struct {
	// Connect is disarmed once the response headers arrive.
	Connect time.Duration
	// Chunk is the longest allowed gap between two stream events.
	Chunk time.Duration
	// Total caps the whole stream.
	Total time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Chunk <= 0 {
		t.Chunk = DefaultChunkTimeout
	}
	if t.Total <= 0 {
		t.Total = DefaultTotalTimeout
	}
	return t
}

// streamClock cancels a stream context when one of its timers fires. The
// cancel cause tells which one.
type streamClock struct {
	ctx          context.Context
	cancel       context.CancelCauseFunc
	stopTotal    context.CancelFunc
	chunkTimeout time.Duration

	mu      sync.Mutex
	connect *time.Timer
	chunk   *time.Timer
}

func newStreamClock(parent context.Context, t Timeouts) *streamClock {
	t = t.withDefaults()
	total, stopTotal := context.WithTimeoutCause(parent, t.Total, errTotalTimeout)
	ctx, cancel := context.WithCancelCause(total)
	c := &streamClock{ctx: ctx, cancel: cancel, stopTotal: stopTotal, chunkTimeout: t.Chunk}
	c.connect = time.AfterFunc(t.Connect, func() { cancel(errConnectTimeout) })
	return c
}

// opened disarms the connect timer and arms the chunk timer.
func (c *streamClock) opened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connect != nil {
		c.connect.Stop()
		c.connect = nil
	}
	if c.chunk == nil {
		c.chunk = time.AfterFunc(c.chunkTimeout, func() { c.cancel(errChunkTimeout) })
	}
}

// tick resets the chunk timer after an event.
func (c *streamClock) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunk != nil {
		c.chunk.Reset(c.chunkTimeout)
	}
}

func (c *streamClock) stop() {
	c.mu.Lock()
	if c.connect != nil {
		c.connect.Stop()
	}
	if c.chunk != nil {
		c.chunk.Stop()
	}
	c.mu.Unlock()
	c.cancel(nil)
	c.stopTotal()
}

// err converts a stream failure into a timeout error when one of the
// clock's timers caused it.
func (c *streamClock) err(err error) error {
	cause := context.Cause(c.ctx)
	switch {
	case errors.Is(cause, errConnectTimeout), errors.Is(cause, errChunkTimeout), errors.Is(cause, errTotalTimeout):
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, cause)
	}
	return err
}

// textCap forwards text until MaxStreamText bytes were seen.
type textCap struct {
	n       int
	dropped bool
	logger  *slog.Logger
}

func (t *textCap) take(s string) string {
	if t.n >= MaxStreamText {
		if !t.dropped && t.logger != nil {
			t.logger.Warn("stream text soft cap reached; dropping further text", "cap", MaxStreamText)
		}
		t.dropped = true
		return ""
	}
	if t.n+len(s) > MaxStreamText {
		s = s[:MaxStreamText-t.n]
	}
	t.n += len(s)
	return s
}

type toolSlot struct {
	id        string
	name      string
	args      strings.Builder
	signature []byte
	truncated bool
}

// toolAccumulator assembles streamed tool-call deltas keyed by the
// provider's index. A delta whose id or name disagrees with the slot at
// its index starts a fresh slot, so parallel calls that reuse an index
// never have their arguments concatenated.
type toolAccumulator struct {
	slots   []*toolSlot
	byIndex map[int]*toolSlot
	logger  *slog.Logger
}

func newToolAccumulator(logger *slog.Logger) *toolAccumulator {
	return &toolAccumulator{byIndex: map[int]*toolSlot{}, logger: logger}
}

func (a *toolAccumulator) add(index int, id, name, args string) {
	slot := a.byIndex[index]
	if slot != nil && ((id != "" && slot.id != "" && id != slot.id) || (name != "" && slot.name != "" && name != slot.name)) {
		slot = nil
	}
	if slot == nil {
		slot = &toolSlot{}
		a.slots = append(a.slots, slot)
		a.byIndex[index] = slot
	}
	if id != "" {
		slot.id = id
	}
	if name != "" {
		slot.name = name
	}
	if args == "" || slot.truncated {
		return
	}
	if slot.args.Len()+len(args) > MaxToolArgs {
		slot.truncated = true
		if a.logger != nil {
			a.logger.Warn("tool call arguments exceeded cap", "tool", slot.name, "cap", MaxToolArgs)
		}
		return
	}
	slot.args.WriteString(args)
}

// calls returns completed calls in arrival order.
func (a *toolAccumulator) calls() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.slots))
	for _, s := range a.slots {
		if s.name == "" {
			continue
		}
		out = append(out, s.call())
	}
	return out
}

func (s *toolSlot) call() models.ToolCall {
	id := s.id
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	input := json.RawMessage(strings.TrimSpace(s.args.String()))
	switch {
	case s.truncated:
		// Leave an object the registry rejects with a readable message.
		input = json.RawMessage(fmt.Sprintf(`{"_error":"arguments exceeded %d bytes and were dropped"}`, MaxToolArgs))
	case len(input) == 0:
		input = json.RawMessage(`{}`)
	}
	return models.ToolCall{ID: id, Name: s.name, Input: input, Signature: s.signature}
}

// send delivers chunk unless ctx is done. It reports whether the consumer
// is still listening.
func send(ctx context.Context, ch chan<- *agentChunk, chunk *agentChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
