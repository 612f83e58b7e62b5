package toolconv

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/cos/internal/agent"
)

var specs = []agent.ToolSpec{{
	Name:        "cos_search",
	Description: "Search the graph",
	Schema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"text"},` +
		`"kind":{"type":["string","null"],"enum":["page","block"]},"tags":{"type":"array","items":{"type":"string"}}},"required":["query"]}`),
}}

func TestToOpenAITools(t *testing.T) {
	got := ToOpenAITools(specs)
	if len(got) != 1 || got[0].Function.Name != "cos_search" {
		t.Fatalf("got %+v", got)
	}
	params, ok := got[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("parameters = %#v", got[0].Function.Parameters)
	}
	if ToOpenAITools(nil) != nil {
		t.Error("nil specs should give nil tools")
	}
}

func TestToOpenAIToolsBadSchema(t *testing.T) {
	got := ToOpenAITools([]agent.ToolSpec{{Name: "x", Schema: json.RawMessage(`not json`)}})
	params := got[0].Function.Parameters.(map[string]any)
	if params["type"] != "object" {
		t.Errorf("fallback schema = %#v", params)
	}
}

func TestToAnthropicTools(t *testing.T) {
	got, err := ToAnthropicTools(specs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].OfTool == nil || got[0].OfTool.Name != "cos_search" {
		t.Fatalf("got %+v", got)
	}
	if _, err := ToAnthropicTools([]agent.ToolSpec{{Name: "x", Schema: json.RawMessage(`[`)}}); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestToGeminiTools(t *testing.T) {
	got := ToGeminiTools(specs)
	if len(got) != 1 || len(got[0].FunctionDeclarations) != 1 {
		t.Fatalf("got %+v", got)
	}
	p := got[0].FunctionDeclarations[0].Parameters
	if p.Type != genai.TypeObject {
		t.Errorf("type = %q", p.Type)
	}
	if p.Properties["kind"].Type != genai.TypeString || len(p.Properties["kind"].Enum) != 2 {
		t.Errorf("kind = %+v", p.Properties["kind"])
	}
	if p.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("tags items = %+v", p.Properties["tags"].Items)
	}
	if len(p.Required) != 1 || p.Required[0] != "query" {
		t.Errorf("required = %v", p.Required)
	}
}
