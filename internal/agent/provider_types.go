package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/cos/pkg/models"
)

// LLMProvider is one vendor backend.
//
// Complete returns a channel of chunks that is closed when the stream ends.
// An error returned directly means the request never started (for example
// the connection or the first response failed); errors after the stream
// opened are delivered as a chunk with Error set.
//
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	Name() models.Provider
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is one provider call.
type CompletionRequest struct {
	// Model is the concrete model id chosen by the router for the tier.
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []models.Message `json:"messages"`
	Tools    []ToolSpec       `json:"tools,omitempty"`
	// MaxTokens caps the completion. Zero leaves the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolSpec is the provider-facing view of a registered tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionChunk is one streamed event.
//
// Text chunks arrive in order. ToolCall chunks carry a fully accumulated
// call. The final chunk has Done set and carries token usage.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// Completion is a drained stream.
type Completion struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Collect drains ch into a Completion, forwarding text deltas to onText in
// arrival order. It returns the first chunk error, or ctx's error when the
// context ends before the stream does.
func Collect(ctx context.Context, ch <-chan *CompletionChunk, onText func(string)) (*Completion, error) {
	var text strings.Builder
	out := &Completion{}
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				out.Text = text.String()
				return out, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				out.Text = text.String()
				return out, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if onText != nil {
					onText(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
			}
			if chunk.InputTokens > 0 {
				out.InputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				out.OutputTokens = chunk.OutputTokens
			}
		}
	}
}
