package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of an agent conversation as sent to a provider.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	// Retried marks an assistant turn replaced after a hallucination guard fired.
	Retried bool `json:"retried,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	// Signature is an opaque per-call token some providers require echoed
	// back on the following turn.
	Signature []byte `json:"signature,omitempty"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Request is one call into the agent loop.
type Request struct {
	Prompt string
	// SuppressToasts silences user-facing notifications for background runs.
	SuppressToasts bool
	// ReadOnlyTools removes every tool that is not known to be read-only.
	ReadOnlyTools bool
	// OfferWriteToDailyPage lets the caller offer to save the answer.
	OfferWriteToDailyPage bool
	// OnTextChunk receives streamed text deltas in arrival order.
	OnTextChunk func(string)
	// Background marks runs started by the scheduler or inbox.
	Background bool
	// Trigger names the origin: chat, palette, cron, inbox.
	Trigger string
}
