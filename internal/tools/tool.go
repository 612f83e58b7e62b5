// Package tools defines the tool capability shared by native graph tools,
// broker-executed remote tools and local MCP tools, plus the registry the
// agent loop offers to models.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Mutating is a tri-state side-effect annotation. Unknown is treated as
// mutating everywhere a decision is made.
type Mutating int

const (
	MutatingUnknown Mutating = iota
	MutatingFalse
	MutatingTrue
)

func (m Mutating) String() string {
	switch m {
	case MutatingFalse:
		return "read-only"
	case MutatingTrue:
		return "mutating"
	default:
		return "unknown"
	}
}

// Origin records where a tool is implemented.
type Origin string

const (
	OriginNative     Origin = "native"
	OriginComposio   Origin = "composio"
	OriginLocalMCP   Origin = "local-mcp"
	OriginMetaRouted Origin = "meta-routed"
)

// Result is a tool's output. Tool failures the model should see are
// returned as IsError results; Go errors are reserved for dispatch faults.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is a callable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema of the tool's arguments.
	Schema() json.RawMessage
	Mutating() Mutating
	Origin() Origin
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// ServerKeyed is implemented by tools backed by a pinned remote server.
type ServerKeyed interface {
	ServerKey() string
}

// CallServerKeyed is implemented by meta-tools whose server depends on
// the call arguments.
type CallServerKeyed interface {
	ServerKeyFor(args json.RawMessage) string
}

// CallMutating is implemented by meta-tools whose side effects depend on
// the tool they dispatch to.
type CallMutating interface {
	MutatingFor(args json.RawMessage) Mutating
}

// Categorized is implemented by tools that belong to an optional prompt
// category such as "email" or "cron".
type Categorized interface {
	Category() string
}

// ErrNotFound is returned when a tool name is not registered.
var ErrNotFound = errors.New("tool not found")

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Text builds a plain result.
func Text(s string) *Result { return &Result{Content: s} }

// JSON marshals v into a result.
func JSON(v any) *Result {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return &Result{Content: string(payload)}
}

// IsMutating reports whether t must pass the approval gate. Unknown
// annotations fall back to the name and description heuristic.
func IsMutating(t Tool) bool {
	switch t.Mutating() {
	case MutatingFalse:
		return false
	case MutatingTrue:
		return true
	default:
		return IsPotentiallyMutatingTool(t.Name(), t.Description())
	}
}

// IsMutatingCall is IsMutating refined by the call arguments for
// meta-tools that dispatch by name.
func IsMutatingCall(t Tool, args json.RawMessage) bool {
	cm, ok := t.(CallMutating)
	if !ok {
		return IsMutating(t)
	}
	switch cm.MutatingFor(args) {
	case MutatingFalse:
		return false
	case MutatingTrue:
		return true
	default:
		return IsMutating(t)
	}
}

// IsReadOnly reports whether t is explicitly annotated read-only.
func IsReadOnly(t Tool) bool { return t.Mutating() == MutatingFalse }

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	ToolMutating    Mutating
	ToolOrigin      Origin
	ToolCategory    string
	Fn              func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (f *Func) Name() string { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }
func (f *Func) Mutating() Mutating { return f.ToolMutating }
func (f *Func) Category() string { return f.ToolCategory }
func (f *Func) Schema() json.RawMessage {
	if len(f.ToolSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return f.ToolSchema
}

func (f *Func) Origin() Origin {
	if f.ToolOrigin == "" {
		return OriginNative
	}
	return f.ToolOrigin
}

func (f *Func) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return f.Fn(ctx, args)
}
