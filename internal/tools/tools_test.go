package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestIsPotentiallyMutatingTool(t *testing.T) {
	tests := []struct {
		name, desc string
		want       bool
	}{
		{"GMAIL_SEND_EMAIL", "Send an email", true},
		{"GMAIL_FETCH_EMAILS", "Fetch recent emails", false},
		{"listEvents", "Lists calendar events.", false},
		{"createPage", "", true},
		{"get_weather", "Get the forecast", false},
		{"search_and_delete", "", true},
		{"get_thing", "Gets a thing and deletes the original.", true},
		{"frobnicate", "Does something", true},
	}
	for _, tt := range tests {
		if got := IsPotentiallyMutatingTool(tt.name, tt.desc); got != tt.want {
			t.Errorf("IsPotentiallyMutatingTool(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func fn(name string, m Mutating, cat string) *Func {
	return &Func{
		ToolName:     name,
		ToolMutating: m,
		ToolCategory: cat,
		Fn: func(context.Context, json.RawMessage) (*Result, error) {
			return Text(name), nil
		},
	}
}

func TestIsMutatingUnknownFallsBack(t *testing.T) {
	if !IsMutating(fn("mystery", MutatingUnknown, "")) {
		t.Fatal("unknown tool must be mutating")
	}
	if IsMutating(fn("list_notes", MutatingUnknown, "")) {
		t.Fatal("list_notes should classify read-only")
	}
	if IsReadOnly(fn("list_notes", MutatingUnknown, "")) {
		t.Fatal("unknown annotation is never read-only")
	}
}

func TestFilter(t *testing.T) {
	list := []Tool{
		fn("cos_search", MutatingFalse, ""),
		fn("cos_create_block", MutatingTrue, ""),
		fn("cos_cron_create", MutatingTrue, CategoryCron),
		fn("cos_cron_list", MutatingFalse, CategoryCron),
		fn("COMPOSIO_MULTI_EXECUTE_TOOL", MutatingUnknown, CategoryExternal),
	}
	names := func(ts []Tool) string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = t.Name()
		}
		return strings.Join(out, ",")
	}

	if got := names(Filter(list, "what is on my graph about Rust?", FilterOptions{})); got != "cos_search,cos_create_block" {
		t.Errorf("plain prompt = %s", got)
	}
	if got := names(Filter(list, "schedule a daily brief every morning", FilterOptions{})); got != "cos_search,cos_create_block,cos_cron_create,cos_cron_list" {
		t.Errorf("cron prompt = %s", got)
	}
	if got := names(Filter(list, "check my gmail and list jobs", FilterOptions{ReadOnly: true})); got != "cos_search,cos_cron_list" {
		t.Errorf("read-only prompt = %s", got)
	}
}

type noteArgs struct {
	Page string `json:"page" jsonschema:"description=Page title"`
	Text string `json:"text"`
	Top  bool   `json:"top,omitempty"`
}

func TestRegistryValidatesArguments(t *testing.T) {
	r := NewRegistry()
	tool := fn("add_note", MutatingTrue, "")
	tool.ToolSchema = SchemaFor[noteArgs]()
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(fn("bad name!", MutatingTrue, "")); err == nil {
		t.Fatal("invalid name accepted")
	}

	ctx := context.Background()
	res, err := r.Execute(ctx, "add_note", json.RawMessage(`{"page":"A"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "text") {
		t.Fatalf("missing required field not reported: %+v", res)
	}

	res, err = r.Execute(ctx, "add_note", json.RawMessage(`{"page":"A","text":"b"}`))
	if err != nil || res.IsError || res.Content != "add_note" {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}

	res, _ = r.Execute(ctx, "nope", nil)
	if !res.IsError {
		t.Fatal("unknown tool not an error result")
	}
}

func TestSchemaForShape(t *testing.T) {
	var s struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
		Schema     string                     `json:"$schema"`
	}
	if err := json.Unmarshal(SchemaFor[noteArgs](), &s); err != nil {
		t.Fatal(err)
	}
	if s.Type != "object" || s.Schema != "" || len(s.Properties) != 3 {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if strings.Join(s.Required, ",") != "page,text" {
		t.Fatalf("required = %v", s.Required)
	}
}
