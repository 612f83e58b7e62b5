package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/haasonsaas/cos/pkg/models"
)

// step is one scripted provider response.
type step struct {
	openErr error
	text    string
	calls   []models.ToolCall
	// midErr fails the stream after text was sent.
	midErr error
	in     int
	out    int
}

// scriptedProvider replays steps in order and records each request.
type scriptedProvider struct {
	name models.Provider

	mu       sync.Mutex
	steps    []step
	requests []CompletionRequest
}

func newScripted(name models.Provider, steps ...step) *scriptedProvider {
	return &scriptedProvider{name: name, steps: steps}
}

func (p *scriptedProvider) Name() models.Provider { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, *req)
	s := step{text: "done"}
	if len(p.steps) > 0 {
		s = p.steps[0]
		p.steps = p.steps[1:]
	}
	p.mu.Unlock()

	if s.openErr != nil {
		return nil, s.openErr
	}
	ch := make(chan *CompletionChunk, len(s.calls)+3)
	if s.text != "" {
		ch <- &CompletionChunk{Text: s.text}
	}
	if s.midErr != nil {
		ch <- &CompletionChunk{Error: s.midErr}
		close(ch)
		return ch, nil
	}
	for i := range s.calls {
		ch <- &CompletionChunk{ToolCall: &s.calls[i]}
	}
	ch <- &CompletionChunk{Done: true, InputTokens: s.in, OutputTokens: s.out}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) lastRequest() CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}
