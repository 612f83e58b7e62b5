package tape

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/pkg/models"
)

// Recorder wraps a provider and records every turn it serves.
type Recorder struct {
	provider agent.LLMProvider

	mu   sync.Mutex
	tape *Tape
}

// NewRecorder creates a recorder around provider.
func NewRecorder(provider agent.LLMProvider) *Recorder {
	return &Recorder{provider: provider, tape: New(provider.Name())}
}

func (r *Recorder) Name() models.Provider { return r.provider.Name() }

// Complete forwards to the wrapped provider, copying chunks into the tape
// as they pass through.
func (r *Recorder) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	start := time.Now()
	turn := Turn{Model: req.Model, Messages: len(req.Messages), Tools: toolNames(req.Tools)}
	upstream, err := r.provider.Complete(ctx, req)
	if err != nil {
		turn.Error = err.Error()
		turn.Duration = time.Since(start)
		r.add(turn)
		return nil, err
	}
	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		defer func() {
			turn.Duration = time.Since(start)
			r.add(turn)
		}()
		for chunk := range upstream {
			switch {
			case chunk == nil:
				continue
			case chunk.Error != nil:
				turn.Error = chunk.Error.Error()
			case chunk.ToolCall != nil:
				turn.ToolCalls = append(turn.ToolCalls, *chunk.ToolCall)
			case chunk.Text != "":
				turn.Text = append(turn.Text, chunk.Text)
			}
			if chunk.Done {
				turn.InputTokens, turn.OutputTokens = chunk.InputTokens, chunk.OutputTokens
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Recorder) add(turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turn.Index = len(r.tape.Turns)
	r.tape.Turns = append(r.tape.Turns, turn)
}

// Tape returns a copy of what has been recorded so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.tape
	c.Turns = append([]Turn(nil), r.tape.Turns...)
	return &c
}

var _ agent.LLMProvider = (*Recorder)(nil)
