package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/cos/internal/tools"
)

// Meta-tool names used for servers whose catalogue exceeds the direct limit.
const (
	RouteToolName   = "LOCAL_MCP_ROUTE"
	ExecuteToolName = "LOCAL_MCP_EXECUTE"
)

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

// ToolName returns a registry-safe name for a server tool.
func ToolName(name string) string {
	n := invalidNameChars.ReplaceAllString(name, "_")
	if len(n) > tools.MaxToolNameLength {
		n = n[:tools.MaxToolNameLength]
	}
	return n
}

// MutatingOf maps MCP annotations onto the tri-state flag.
func MutatingOf(t *Tool) tools.Mutating {
	if t.Annotations == nil {
		return tools.MutatingUnknown
	}
	if t.Annotations.DestructiveHint != nil && *t.Annotations.DestructiveHint {
		return tools.MutatingTrue
	}
	if t.Annotations.ReadOnlyHint != nil {
		if *t.Annotations.ReadOnlyHint {
			return tools.MutatingFalse
		}
		return tools.MutatingTrue
	}
	return tools.MutatingUnknown
}

func pinnedTools(list []*Tool) []PinnedTool {
	out := make([]PinnedTool, 0, len(list))
	for _, t := range list {
		out = append(out, PinnedTool{Name: t.Name, InputSchema: t.InputSchema})
	}
	return out
}

// remoteTool is a server tool registered directly.
type remoteTool struct {
	srv  *server
	def  *Tool
	name string
}

func (t *remoteTool) Name() string            { return t.name }
func (t *remoteTool) Mutating() tools.Mutating { return MutatingOf(t.def) }
func (t *remoteTool) Origin() tools.Origin     { return tools.OriginLocalMCP }
func (t *remoteTool) ServerKey() string        { return t.srv.key }

func (t *remoteTool) Description() string {
	desc := strings.TrimSpace(t.def.Description)
	if desc == "" {
		desc = "Tool " + t.def.Name
	}
	return fmt.Sprintf("[%s] %s", t.srv.label(), desc)
}

func (t *remoteTool) Schema() json.RawMessage {
	if len(t.def.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.def.InputSchema
}

func (t *remoteTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	return t.srv.call(ctx, t.def.Name, args)
}

// routeTool lists a routed server's catalogue.
type routeTool struct {
	m *Manager
}

type routeArgs struct {
	Server string `json:"server" jsonschema:"description=Server name or key as listed in the connected toolkits section"`
	Query  string `json:"query,omitempty" jsonschema:"description=Optional keyword to narrow the tool list"`
}

func (t *routeTool) Name() string            { return RouteToolName }
func (t *routeTool) Mutating() tools.Mutating { return tools.MutatingFalse }
func (t *routeTool) Origin() tools.Origin     { return tools.OriginMetaRouted }
func (t *routeTool) Schema() json.RawMessage  { return tools.SchemaFor[routeArgs]() }

func (t *routeTool) Description() string {
	return "List the tools and input schemas of a local MCP server with a large catalogue. " +
		"Servers: " + strings.Join(t.m.routedLabels(), ", ") + ". Call before " + ExecuteToolName + "."
}

func (t *routeTool) ServerKeyFor(args json.RawMessage) string {
	a, err := tools.Decode[routeArgs](args)
	if err != nil {
		return ""
	}
	if srv := t.m.lookup(a.Server); srv != nil {
		return srv.key
	}
	return ""
}

func (t *routeTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	a, err := tools.Decode[routeArgs](args)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	srv := t.m.lookup(a.Server)
	if srv == nil {
		return tools.Errorf("unknown MCP server %q; known: %s", a.Server, strings.Join(t.m.routedLabels(), ", ")), nil
	}
	type entry struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Mutating    string          `json:"mutating"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}
	q := strings.ToLower(strings.TrimSpace(a.Query))
	var out []entry
	for _, def := range srv.toolDefs() {
		if q != "" && !strings.Contains(strings.ToLower(def.Name+" "+def.Description), q) {
			continue
		}
		out = append(out, entry{Name: def.Name, Description: def.Description, Mutating: MutatingOf(def).String(), InputSchema: def.InputSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return tools.JSON(map[string]any{"server": srv.label(), "tools": out}), nil
}

// executeTool dispatches to a routed server's tool by name.
type executeTool struct {
	m *Manager
}

type executeArgs struct {
	Server    string          `json:"server" jsonschema:"description=Server name or key"`
	Tool      string          `json:"tool" jsonschema:"description=Tool name as returned by LOCAL_MCP_ROUTE"`
	Arguments json.RawMessage `json:"arguments,omitempty" jsonschema:"description=Arguments object for the tool,type=object"`
}

func (t *executeTool) Name() string            { return ExecuteToolName }
func (t *executeTool) Mutating() tools.Mutating { return tools.MutatingUnknown }
func (t *executeTool) Origin() tools.Origin     { return tools.OriginMetaRouted }
func (t *executeTool) Schema() json.RawMessage  { return tools.SchemaFor[executeArgs]() }

func (t *executeTool) Description() string {
	return "Run a tool on a local MCP server listed by " + RouteToolName + ". Pass the server, the tool name and its arguments."
}

func (t *executeTool) resolve(args json.RawMessage) (*server, *Tool, executeArgs) {
	a, err := tools.Decode[executeArgs](args)
	if err != nil {
		return nil, nil, a
	}
	srv := t.m.lookup(a.Server)
	if srv == nil {
		return nil, nil, a
	}
	for _, def := range srv.toolDefs() {
		if def.Name == a.Tool {
			return srv, def, a
		}
	}
	return srv, nil, a
}

func (t *executeTool) ServerKeyFor(args json.RawMessage) string {
	if srv, _, _ := t.resolve(args); srv != nil {
		return srv.key
	}
	return ""
}

func (t *executeTool) MutatingFor(args json.RawMessage) tools.Mutating {
	if _, def, _ := t.resolve(args); def != nil {
		if m := MutatingOf(def); m != tools.MutatingUnknown {
			return m
		}
		if tools.IsPotentiallyMutatingTool(def.Name, def.Description) {
			return tools.MutatingTrue
		}
		return tools.MutatingFalse
	}
	return tools.MutatingUnknown
}

func (t *executeTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	srv, def, a := t.resolve(args)
	switch {
	case srv == nil:
		return tools.Errorf("unknown MCP server %q; call %s first", a.Server, RouteToolName), nil
	case def == nil:
		return tools.Errorf("server %s has no tool %q; call %s to list tools", srv.label(), a.Tool, RouteToolName), nil
	}
	if err := t.m.registry.Validate(def.InputSchema, a.Arguments); err != nil {
		return tools.Errorf("invalid arguments for %s: %v", def.Name, err), nil
	}
	return srv.call(ctx, def.Name, a.Arguments)
}
