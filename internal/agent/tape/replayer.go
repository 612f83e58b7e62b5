package tape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/pkg/models"
)

// ErrExhausted is returned once every recorded turn has been served.
var ErrExhausted = errors.New("tape exhausted")

// Replayer is a provider that serves a tape's turns in order. Recorded
// failures are replayed as server errors so failover paths can be
// reproduced.
type Replayer struct {
	tape *Tape

	mu   sync.Mutex
	next int
}

// NewReplayer creates a replayer over t.
func NewReplayer(t *Tape) *Replayer {
	return &Replayer{tape: t}
}

func (r *Replayer) Name() models.Provider { return r.tape.Provider }

// Remaining reports how many turns are left.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tape.Turns) - r.next
}

func (r *Replayer) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	r.mu.Lock()
	if r.next >= len(r.tape.Turns) {
		r.mu.Unlock()
		return nil, ErrExhausted
	}
	turn := r.tape.Turns[r.next]
	r.next++
	r.mu.Unlock()

	if turn.Error != "" && len(turn.Text) == 0 && len(turn.ToolCalls) == 0 {
		return nil, agent.NewProviderError(string(r.tape.Provider), turn.Model, 0, fmt.Errorf("replayed: %s", turn.Error))
	}
	out := make(chan *agent.CompletionChunk, len(turn.Text)+len(turn.ToolCalls)+1)
	for _, t := range turn.Text {
		out <- &agent.CompletionChunk{Text: t}
	}
	if turn.Error != "" {
		out <- &agent.CompletionChunk{Error: agent.NewProviderError(string(r.tape.Provider), turn.Model, 0, fmt.Errorf("replayed: %s", turn.Error))}
		close(out)
		return out, nil
	}
	for i := range turn.ToolCalls {
		out <- &agent.CompletionChunk{ToolCall: &turn.ToolCalls[i]}
	}
	out <- &agent.CompletionChunk{Done: true, InputTokens: turn.InputTokens, OutputTokens: turn.OutputTokens}
	close(out)
	return out, nil
}

var _ agent.LLMProvider = (*Replayer)(nil)
