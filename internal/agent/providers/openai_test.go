package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/pkg/models"
)

func noSleep(context.Context, time.Duration) error { return nil }

// sseServer replies to chat/completions with the given data events after
// failing the first `fail` requests with failStatus.
func sseServer(t *testing.T, fail int, failStatus int, events ...string) (*httptest.Server, *int32, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var calls int32
	var mu sync.Mutex
	var reqs []openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		if int(n) <= fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failStatus)
			fmt.Fprintf(w, `{"error":{"message":"upstream said %d","type":"server_error"}}`, failStatus)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &reqs
}

func newTestOpenAI(url string) *OpenAIProvider {
	return NewOpenAI(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: url + "/v1",
		Retry:   Retry{Attempts: 3, Sleep: noSleep},
	})
}

func userRequest(model string) *agent.CompletionRequest {
	return &agent.CompletionRequest{
		Model:     model,
		System:    "be brief",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		MaxTokens: 256,
	}
}

func TestOpenAIStreamTextAndUsage(t *testing.T) {
	srv, _, reqs := sseServer(t, 0, 0,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":2,"total_tokens":13}}`,
	)
	p := newTestOpenAI(srv.URL)
	ch, err := p.Complete(context.Background(), userRequest("gpt-5-mini"))
	if err != nil {
		t.Fatal(err)
	}
	var streamed []string
	got, err := agent.Collect(context.Background(), ch, func(s string) { streamed = append(streamed, s) })
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Hello" || strings.Join(streamed, "|") != "Hel|lo" {
		t.Errorf("text = %q streamed = %v", got.Text, streamed)
	}
	if got.InputTokens != 11 || got.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", got.InputTokens, got.OutputTokens)
	}
	req := (*reqs)[0]
	if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
		t.Error("stream_options.include_usage not requested")
	}
	if req.MaxCompletionTokens != 256 || req.MaxTokens != 0 {
		t.Errorf("gpt-5 should use max_completion_tokens: %d/%d", req.MaxCompletionTokens, req.MaxTokens)
	}
	if req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first message role = %s", req.Messages[0].Role)
	}
}

func TestOpenAIToolCallIndexCollision(t *testing.T) {
	srv, _, _ := sseServer(t, 0, 0,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"cos_search","arguments":"{\"query\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		// Same index, new id and name: must not append to call_a.
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_b","type":"function","function":{"name":"cos_get_page","arguments":"{\"title\":\"T\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	ch, err := newTestOpenAI(srv.URL).Complete(context.Background(), userRequest("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := agent.Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ToolCalls) != 2 {
		t.Fatalf("calls = %+v", got.ToolCalls)
	}
	if got.ToolCalls[0].ID != "call_a" || string(got.ToolCalls[0].Input) != `{"query":"x"}` {
		t.Errorf("first call = %+v", got.ToolCalls[0])
	}
	if got.ToolCalls[1].Name != "cos_get_page" || string(got.ToolCalls[1].Input) != `{"title":"T"}` {
		t.Errorf("second call = %+v", got.ToolCalls[1])
	}
}

func TestOpenAIRetriesTransientStatus(t *testing.T) {
	srv, calls, _ := sseServer(t, 2, http.StatusServiceUnavailable, `{"choices":[{"index":0,"delta":{"content":"ok"}}]}`)
	ch, err := newTestOpenAI(srv.URL).Complete(context.Background(), userRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := agent.Collect(context.Background(), ch, nil)
	if err != nil || got.Text != "ok" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if n := atomic.LoadInt32(calls); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestOpenAINoRetryOnPermanentStatus(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			srv, calls, _ := sseServer(t, 5, status)
			_, err := newTestOpenAI(srv.URL).Complete(context.Background(), userRequest("gpt-4o"))
			var pe *agent.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want ProviderError", err)
			}
			if pe.Status != status || pe.Kind.FailoverEligible() {
				t.Errorf("provider error = %+v", pe)
			}
			if n := atomic.LoadInt32(calls); n != 1 {
				t.Errorf("attempts = %d, want 1", n)
			}
		})
	}
}

func TestOpenAIExhaustedRetriesKeepsStatus(t *testing.T) {
	srv, calls, _ := sseServer(t, 10, http.StatusTooManyRequests)
	_, err := newTestOpenAI(srv.URL).Complete(context.Background(), userRequest("gpt-4o"))
	if agent.KindOf(err) != agent.KindRateLimit {
		t.Errorf("kind = %s (%v)", agent.KindOf(err), err)
	}
	if n := atomic.LoadInt32(calls); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestOpenAIChunkTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAI(OpenAIConfig{
		APIKey:   "k",
		BaseURL:  srv.URL + "/v1",
		Timeouts: Timeouts{Chunk: 50 * time.Millisecond},
		Retry:    Retry{Attempts: 1},
	})
	ch, err := p.Complete(context.Background(), userRequest("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = agent.Collect(context.Background(), ch, nil)
	if agent.KindOf(err) != agent.KindTimeout {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestMistralUsesCompatibleEndpoint(t *testing.T) {
	srv, _, reqs := sseServer(t, 0, 0, `{"choices":[{"index":0,"delta":{"content":"bonjour"}}]}`)
	p := NewMistral(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Retry: Retry{Sleep: noSleep}})
	if p.Name() != models.ProviderMistral {
		t.Errorf("name = %s", p.Name())
	}
	ch, err := p.Complete(context.Background(), userRequest("mistral-small-latest"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := agent.Collect(context.Background(), ch, nil)
	if err != nil || got.Text != "bonjour" {
		t.Fatalf("got %+v, %v", got, err)
	}
	req := (*reqs)[0]
	if req.StreamOptions != nil {
		t.Error("mistral should not send stream_options")
	}
	if req.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", req.MaxTokens)
	}
}

func TestToOpenAIMessagesToolTurns(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "find x"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "cos_search", Input: json.RawMessage(`{"query":"x"}`)}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "found"},
			{ToolCallID: "c2", Content: "boom", IsError: true},
		}},
	}
	got := toOpenAIMessages("", msgs)
	if len(got) != 4 {
		t.Fatalf("len = %d", len(got))
	}
	if got[1].ToolCalls[0].Function.Arguments != `{"query":"x"}` {
		t.Errorf("arguments = %q", got[1].ToolCalls[0].Function.Arguments)
	}
	if got[2].Role != openai.ChatMessageRoleTool || got[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", got[2])
	}
	if got[3].Content != "Error: boom" {
		t.Errorf("error result = %q", got[3].Content)
	}
}

func TestUsesCompletionTokens(t *testing.T) {
	tests := map[string]bool{
		"gpt-5": true, "gpt-5-mini": true, "o3": true, "o4-mini": true,
		"gpt-4o": false, "mistral-large-latest": false, "omni": false,
	}
	for model, want := range tests {
		if got := usesCompletionTokens(model); got != want {
			t.Errorf("usesCompletionTokens(%q) = %v", model, got)
		}
	}
}
