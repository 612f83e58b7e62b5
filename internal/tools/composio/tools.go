package composio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/cos/internal/mcp"
	"github.com/haasonsaas/cos/internal/tools"
)

// Executor runs broker tool batches.
type Executor interface {
	MultiExecute(ctx context.Context, calls []Execution) (*mcp.ToolCallResult, error)
}

type executionArgs struct {
	ToolSlug  string          `json:"tool_slug" jsonschema:"description=Tool slug from the connected toolkits list, e.g. GMAIL_FETCH_EMAILS"`
	Arguments json.RawMessage `json:"arguments,omitempty" jsonschema:"type=object,description=Arguments matching the tool's input schema"`
}

type multiExecuteArgs struct {
	Tools []executionArgs `json:"tools" jsonschema:"minItems=1,description=Tool calls to run in one batch"`
}

// MultiExecuteTool is the meta-tool dispatching to broker tools by slug.
type MultiExecuteTool struct {
	registry  *Registry
	executor  Executor
	pins      *mcp.Pins
	validator *tools.Validator
}

// NewMultiExecuteTool binds the meta-tool to a registry and executor.
func NewMultiExecuteTool(reg *Registry, exec Executor, pins *mcp.Pins) *MultiExecuteTool {
	return &MultiExecuteTool{registry: reg, executor: exec, pins: pins, validator: tools.NewValidator()}
}

func (t *MultiExecuteTool) Name() string            { return MultiExecuteName }
func (t *MultiExecuteTool) Origin() tools.Origin     { return tools.OriginComposio }
func (t *MultiExecuteTool) Category() string         { return tools.CategoryExternal }
func (t *MultiExecuteTool) Mutating() tools.Mutating { return tools.MutatingUnknown }
func (t *MultiExecuteTool) Schema() json.RawMessage  { return tools.SchemaFor[multiExecuteArgs]() }

func (t *MultiExecuteTool) Description() string {
	return "Execute one or more connected toolkit actions (email, calendar, Slack, GitHub and others). " +
		"Pass tools: [{tool_slug, arguments}] using slugs and parameters listed under Connected toolkits."
}

type resolvedCall struct {
	requested string
	slug      string
	schema    ToolSchema
	found     bool
	err       error
	args      json.RawMessage
}

func (t *MultiExecuteTool) resolve(args json.RawMessage) ([]resolvedCall, error) {
	in, err := tools.Decode[multiExecuteArgs](args)
	if err != nil {
		return nil, err
	}
	known := t.registry.Slugs()
	out := make([]resolvedCall, 0, len(in.Tools))
	for _, c := range in.Tools {
		rc := resolvedCall{requested: c.ToolSlug, args: c.Arguments}
		rc.slug, rc.err = Canonicalize(c.ToolSlug, known)
		if rc.err == nil {
			rc.schema, rc.found = t.registry.Lookup(rc.slug)
		} else {
			rc.slug = NormalizeSlug(c.ToolSlug)
		}
		out = append(out, rc)
	}
	return out, nil
}

func toolkitOfSlug(s resolvedCall) string {
	if s.found && s.schema.Toolkit != "" {
		return s.schema.Toolkit
	}
	return NormalizeToolkit(strings.SplitN(s.slug, "_", 2)[0])
}

// ServerKeyFor returns the first suspended toolkit named by the batch,
// else the first toolkit.
func (t *MultiExecuteTool) ServerKeyFor(args json.RawMessage) string {
	calls, err := t.resolve(args)
	if err != nil || len(calls) == 0 {
		return ""
	}
	for _, c := range calls {
		if key := ServerKey(toolkitOfSlug(c)); t.pins.IsSuspended(key) {
			return key
		}
	}
	return ServerKey(toolkitOfSlug(calls[0]))
}

// MutatingFor is true when any call in the batch may have side effects
// and false only when every call resolves to a read-only slug.
func (t *MultiExecuteTool) MutatingFor(args json.RawMessage) tools.Mutating {
	calls, err := t.resolve(args)
	if err != nil || len(calls) == 0 {
		return tools.MutatingUnknown
	}
	for _, c := range calls {
		if tools.IsPotentiallyMutatingTool(c.slug, c.schema.Description) {
			return tools.MutatingTrue
		}
		if !c.found {
			return tools.MutatingUnknown
		}
	}
	return tools.MutatingFalse
}

// Execute canonicalizes and validates every call, then runs the batch in
// one broker request. Any invalid call fails the whole batch before
// anything executes.
func (t *MultiExecuteTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	calls, err := t.resolve(args)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	if len(calls) == 0 {
		return tools.Errorf("tools must name at least one tool_slug"), nil
	}
	if t.needsDiscovery(calls) {
		for _, c := range calls {
			if c.err != nil && !errors.Is(c.err, ErrVerbCollision) {
				if _, derr := t.registry.Discover(ctx, strings.ReplaceAll(strings.ToLower(c.slug), "_", " ")); derr != nil {
					return tools.Errorf("tool discovery failed: %v", derr), nil
				}
			}
		}
		if calls, err = t.resolve(args); err != nil {
			return tools.Errorf("%v", err), nil
		}
	}

	var problems []string
	batch := make([]Execution, 0, len(calls))
	for _, c := range calls {
		if c.err != nil {
			problems = append(problems, c.err.Error())
			continue
		}
		if key := ServerKey(toolkitOfSlug(c)); t.pins.IsSuspended(key) {
			problems = append(problems, fmt.Sprintf("%s: toolkit %s is suspended pending schema review", c.slug, toolkitOfSlug(c)))
			continue
		}
		a := c.args
		if len(a) == 0 {
			a = json.RawMessage(`{}`)
		}
		if err := t.validator.Validate(c.schema.InputSchema, a); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", c.slug, err))
			continue
		}
		batch = append(batch, Execution{ToolSlug: c.slug, Arguments: a})
	}
	if len(problems) > 0 {
		return tools.Errorf("nothing was executed: %s", strings.Join(problems, "; ")), nil
	}

	res, err := t.executor.MultiExecute(ctx, batch)
	if err != nil {
		return tools.Errorf("broker request failed: %v", err), nil
	}
	text := res.Text()
	if u := FindRedirectURL(text); u != "" && !strings.Contains(text, "Authorize at") {
		text += "\n\nThe account is not linked yet. Authorize at: " + u
	}
	return &tools.Result{Content: text, IsError: res.IsError}, nil
}

func (t *MultiExecuteTool) needsDiscovery(calls []resolvedCall) bool {
	for _, c := range calls {
		if c.err != nil && errors.Is(c.err, ErrUnknownSlug) {
			return true
		}
	}
	return false
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=What you want to do, e.g. send an email or list today's meetings"`
}

// SearchTool lets the model discover broker tools it has no schema for.
type SearchTool struct {
	registry *Registry
}

// NewSearchTool binds the discovery tool to reg.
func NewSearchTool(reg *Registry) *SearchTool { return &SearchTool{registry: reg} }

func (t *SearchTool) Name() string            { return SearchToolsName }
func (t *SearchTool) Origin() tools.Origin     { return tools.OriginComposio }
func (t *SearchTool) Category() string         { return tools.CategoryExternal }
func (t *SearchTool) Mutating() tools.Mutating { return tools.MutatingFalse }
func (t *SearchTool) Schema() json.RawMessage  { return tools.SchemaFor[searchArgs]() }

func (t *SearchTool) Description() string {
	return "Find connected toolkit actions for a task and load their parameter schemas."
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	in, err := tools.Decode[searchArgs](args)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	if strings.TrimSpace(in.Query) == "" {
		return tools.Errorf("query is required"), nil
	}
	schemas, err := t.registry.Discover(ctx, in.Query)
	if err != nil {
		return tools.Errorf("search failed: %v", err), nil
	}
	if len(schemas) == 0 {
		return tools.Text("No matching tools found."), nil
	}
	var b strings.Builder
	for _, s := range schemas {
		line := s.Slug
		if p := ParamHints(s.InputSchema); len(p) > 0 {
			line += "(" + strings.Join(p, ", ") + ")"
		}
		if d := strings.TrimSpace(s.Description); d != "" {
			line += ": " + d
		}
		b.WriteString(line + "\n")
	}
	return tools.Text(strings.TrimRight(b.String(), "\n")), nil
}

// RegisterTools adds the broker tools to reg.
func RegisterTools(reg *tools.Registry, schemas *Registry, exec Executor, pins *mcp.Pins) error {
	for _, t := range []tools.Tool{NewMultiExecuteTool(schemas, exec, pins), NewSearchTool(schemas)} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterTools removes the broker tools from reg.
func UnregisterTools(reg *tools.Registry) {
	reg.Unregister(MultiExecuteName)
	reg.Unregister(SearchToolsName)
}
