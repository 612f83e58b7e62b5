package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/genai"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/pkg/models"
)

func TestToolAccumulator(t *testing.T) {
	tests := []struct {
		name   string
		deltas [][4]any // index, id, name, args
		want   []string // name:args
	}{
		{
			name:   "fragments join",
			deltas: [][4]any{{0, "a", "x", `{"q":`}, {0, "", "", `1}`}},
			want:   []string{`x:{"q":1}`},
		},
		{
			name:   "parallel indexes",
			deltas: [][4]any{{0, "a", "x", `{}`}, {1, "b", "y", `{"k":2}`}},
			want:   []string{`x:{}`, `y:{"k":2}`},
		},
		{
			name:   "index reuse with new id",
			deltas: [][4]any{{0, "a", "x", `{"p":1}`}, {0, "b", "x", `{"p":2}`}},
			want:   []string{`x:{"p":1}`, `x:{"p":2}`},
		},
		{
			name:   "index reuse with new name",
			deltas: [][4]any{{0, "", "x", `{}`}, {0, "", "y", `{}`}},
			want:   []string{`x:{}`, `y:{}`},
		},
		{
			name:   "nameless slot dropped",
			deltas: [][4]any{{0, "a", "", `{}`}},
			want:   []string{},
		},
		{
			name:   "empty args become object",
			deltas: [][4]any{{3, "a", "x", ""}},
			want:   []string{`x:{}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := newToolAccumulator(nil)
			for _, d := range tt.deltas {
				acc.add(d[0].(int), d[1].(string), d[2].(string), d[3].(string))
			}
			got := []string{}
			for _, c := range acc.calls() {
				got = append(got, c.Name+":"+string(c.Input))
				if c.ID == "" {
					t.Error("call without id")
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestToolAccumulatorArgsCap(t *testing.T) {
	acc := newToolAccumulator(nil)
	acc.add(0, "a", "big", `{"blob":"`)
	acc.add(0, "", "", strings.Repeat("x", MaxToolArgs))
	acc.add(0, "", "", `"}`)
	calls := acc.calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	var v map[string]string
	if err := json.Unmarshal(calls[0].Input, &v); err != nil || !strings.Contains(v["_error"], "exceeded") {
		t.Errorf("input = %s", calls[0].Input)
	}
}

func TestTextCap(t *testing.T) {
	c := &textCap{}
	first := c.take(strings.Repeat("a", MaxStreamText-2))
	second := c.take("bcde")
	third := c.take("f")
	if len(first)+len(second) != MaxStreamText || second != "bc" || third != "" {
		t.Errorf("lens %d %q %q", len(first), second, third)
	}
}

func TestWrapErrorClassification(t *testing.T) {
	if err := wrapError("openai", "m", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancel should pass through, got %v", err)
	}
	err := wrapError("gemini", "m", genai.APIError{Code: 503, Message: "unavailable"})
	var pe *agent.ProviderError
	if !errors.As(err, &pe) || pe.Status != 503 || pe.Kind != agent.KindServer {
		t.Errorf("gemini error = %+v", pe)
	}
	if !shouldRetry(err) {
		t.Error("503 should retry")
	}
	if shouldRetry(wrapError("gemini", "m", genai.APIError{Code: 401})) {
		t.Error("401 should not retry")
	}
	again := wrapError("openai", "m", err)
	if again != err {
		t.Error("already classified error should be returned as-is")
	}
}

func TestToAnthropicMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{{ID: "t1", Name: "cos_search", Input: json.RawMessage(`{"q":"a"}`)}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "none"}}},
		{Role: models.RoleAssistant},
	}
	got, err := toAnthropicMessages(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, empty assistant turn should be dropped", len(got))
	}
	if got[1].Role != "assistant" || len(got[1].Content) != 2 {
		t.Errorf("assistant turn = %+v", got[1])
	}
	if got[2].Role != "user" || got[2].Content[0].OfToolResult == nil {
		t.Errorf("tool turn = %+v", got[2])
	}
	if _, err := toAnthropicMessages([]models.Message{{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "x", Input: json.RawMessage(`[`)}}}}); err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestGeminiSignatureEcho(t *testing.T) {
	sig := []byte{0x01, 0x02, 0x03}
	call := geminiCall(&genai.FunctionCall{Name: "cos_search", Args: map[string]any{"q": "a"}}, sig, 0)
	if !strings.HasPrefix(call.ID, localIDPrefix) || string(call.Input) != `{"q":"a"}` {
		t.Errorf("call = %+v", call)
	}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: call.ID, Content: "ok"}}},
	}
	got := toGeminiContents(msgs)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	part := got[1].Parts[0]
	if got[1].Role != genai.RoleModel || string(part.ThoughtSignature) != string(sig) {
		t.Errorf("signature not echoed: %+v", part)
	}
	if part.FunctionCall.ID != "" {
		t.Errorf("locally minted id sent to API: %q", part.FunctionCall.ID)
	}
	resp := got[2].Parts[0].FunctionResponse
	if resp.Name != "cos_search" || resp.Response["output"] != "ok" {
		t.Errorf("function response = %+v", resp)
	}
}

type recordingProvider struct {
	got *agent.CompletionRequest
}

func (r *recordingProvider) Name() models.Provider { return models.ProviderOpenAI }

func (r *recordingProvider) Complete(_ context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	r.got = req
	ch := make(chan *agent.CompletionChunk)
	close(ch)
	return ch, nil
}

func TestWithPIIScrub(t *testing.T) {
	inner := &recordingProvider{}
	on := true
	p := WithPIIScrub(inner, func() bool { return on })
	req := &agent.CompletionRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "mail jane@example.com"},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "1", Content: "jane@example.com"}}},
	}}
	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := inner.got.Messages[0].Content; got != "mail [EMAIL]" {
		t.Errorf("user turn = %q", got)
	}
	if got := inner.got.Messages[1].ToolResults[0].Content; got != "jane@example.com" {
		t.Errorf("tool result scrubbed: %q", got)
	}
	if req.Messages[0].Content != "mail jane@example.com" {
		t.Error("caller's request was mutated")
	}

	on = false
	_, _ = p.Complete(context.Background(), req)
	if inner.got.Messages[0].Content != "mail jane@example.com" {
		t.Error("disabled scrub still scrubbed")
	}
}
