package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	MaxToolNameLength = 64
	MaxToolArgsSize   = 1 << 20
)

var validToolName = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Registry holds tools by name. It is shared by the loop, the gate and the
// registration paths for remote servers.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator *Validator
	logger    *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: NewValidator(),
		logger:    slog.Default().With("component", "tools"),
	}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if len(name) == 0 || len(name) > MaxToolNameLength || !validToolName.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = t
	r.mu.Unlock()
	r.logger.Debug("tool registered", "tool", name, "origin", t.Origin(), "replaced", replaced)
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// UnregisterServer removes every tool resolving to serverKey.
func (r *Registry) UnregisterServer(serverKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, t := range r.tools {
		if ServerKeyOf(t) == serverKey {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name()
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools and invalid arguments come back as error results so the model can
// correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if len(args) > MaxToolArgsSize {
		return Errorf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize), nil
	}
	t, ok := r.Get(name)
	if !ok {
		return Errorf("%v: %s", ErrNotFound, name), nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := r.validator.Validate(t.Schema(), args); err != nil {
		return Errorf("invalid arguments for %s: %v", name, err), nil
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if res == nil {
		res = Text("")
	}
	return res, nil
}

// Validate checks args against schema with the registry's compiled-schema
// cache. Empty args validate as an empty object.
func (r *Registry) Validate(schema, args json.RawMessage) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	return r.validator.Validate(schema, args)
}

// ServerKeyOf returns the pinned server key of t, or "".
func ServerKeyOf(t Tool) string {
	if k, ok := t.(ServerKeyed); ok {
		return k.ServerKey()
	}
	return ""
}

// ServerKeyForCall resolves the server key for one invocation. Meta-tools
// that dispatch by argument report the key of the server they target.
func ServerKeyForCall(t Tool, args json.RawMessage) string {
	if k, ok := t.(CallServerKeyed); ok {
		if key := k.ServerKeyFor(args); key != "" {
			return key
		}
	}
	return ServerKeyOf(t)
}

// CategoryOf returns the optional category of t, or "".
func CategoryOf(t Tool) string {
	if c, ok := t.(Categorized); ok {
		return c.Category()
	}
	return ""
}
