package agent

import (
	"context"
	"sync/atomic"
	"time"
)

// EventType names a run progress event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventIterStarted  EventType = "iter.started"
	EventToolStarted  EventType = "tool.started"
	EventToolFinished EventType = "tool.finished"
	EventToolBlocked  EventType = "tool.blocked"
	EventGuardFired   EventType = "guard.fired"
	EventTierChanged  EventType = "tier.changed"
	EventRunFinished  EventType = "run.finished"
)

// Event is one progress notification from a run. Events are advisory:
// sinks may drop them.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	// Detail is a short human-readable note: a denial reason, guard name or tier.
	Detail  string `json:"detail,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// EventSink receives run events. Implementations must be safe to call from
// multiple goroutines and should not block.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// ChanSink sends events to a channel, dropping them when it is full.
type ChanSink struct {
	ch chan<- Event
}

// NewChanSink creates a sink that sends to ch. ch should be buffered.
func NewChanSink(ch chan<- Event) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out to several sinks. Nil sinks are dropped.
type MultiSink struct {
	sinks []EventSink
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink func(ctx context.Context, e Event)

func (f CallbackSink) Emit(ctx context.Context, e Event) {
	if f != nil {
		f(ctx, e)
	}
}

// emitter stamps events for one run with a monotonic sequence.
type emitter struct {
	runID string
	sink  EventSink
	seq   uint64
}

func newEmitter(runID string, sink EventSink) *emitter {
	return &emitter{runID: runID, sink: sink}
}

func (e *emitter) emit(ctx context.Context, ev Event) {
	if e == nil || e.sink == nil {
		return
	}
	ev.Sequence = atomic.AddUint64(&e.seq, 1)
	ev.Time = time.Now()
	ev.RunID = e.runID
	e.sink.Emit(ctx, ev)
}
