package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/agent/toolconv"
	"github.com/haasonsaas/cos/pkg/models"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeouts   Timeouts
	Retry      Retry
	Logger     *slog.Logger
}

// GeminiProvider streams from the Gemini API. Function calls carry an
// opaque thought signature that must be echoed on the following turn; it
// travels on models.ToolCall.Signature.
type GeminiProvider struct {
	client   *genai.Client
	timeouts Timeouts
	retry    Retry
	logger   *slog.Logger
}

// NewGemini creates the provider.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI, HTTPClient: cfg.HTTPClient}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiProvider{
		client:   client,
		timeouts: cfg.Timeouts,
		retry:    cfg.Retry,
		logger:   logger.With("component", "provider", "provider", string(models.ProviderGemini)),
	}, nil
}

func (p *GeminiProvider) Name() models.Provider { return models.ProviderGemini }

func geminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{Tools: toolconv.ToGeminiTools(req.Tools)}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		cfg.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	return cfg
}

type geminiStream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	first *genai.GenerateContentResponse
	clock *streamClock
}

// Complete opens the stream by pulling its first response, which is where
// HTTP failures surface, and retries that step.
func (p *GeminiProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	contents := toGeminiContents(req.Messages)
	cfg := geminiConfig(req)
	name := string(models.ProviderGemini)
	s, err := open(ctx, p.retry, name, p.logger, func(ctx context.Context) (geminiStream, error) {
		clock := newStreamClock(ctx, p.timeouts)
		next, stop := iter.Pull2(p.client.Models.GenerateContentStream(clock.ctx, req.Model, contents, cfg))
		first, err, ok := next()
		if err != nil {
			stop()
			clock.stop()
			return geminiStream{}, wrapError(name, req.Model, clock.err(err))
		}
		if !ok {
			first = nil
		}
		clock.opened()
		return geminiStream{next: next, stop: stop, first: first, clock: clock}, nil
	})
	if err != nil {
		return nil, err
	}
	chunks := make(chan *agent.CompletionChunk)
	go p.pump(ctx, s, req.Model, chunks)
	return chunks, nil
}

func (p *GeminiProvider) pump(ctx context.Context, s geminiStream, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer s.clock.stop()
	defer s.stop()

	name := string(models.ProviderGemini)
	text := &textCap{logger: p.logger}
	var calls []models.ToolCall
	var inTok, outTok int
	resp := s.first
	for resp != nil {
		s.clock.tick()
		if u := resp.UsageMetadata; u != nil {
			inTok, outTok = int(u.PromptTokenCount), int(u.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil || part.Thought {
					continue
				}
				if t := text.take(part.Text); t != "" {
					if !send(ctx, chunks, &agentChunk{Text: t}) {
						return
					}
				}
				if fc := part.FunctionCall; fc != nil {
					calls = append(calls, geminiCall(fc, part.ThoughtSignature, len(calls)))
				}
			}
		}
		next, err, ok := s.next()
		if err != nil {
			send(ctx, chunks, &agentChunk{Error: wrapError(name, model, s.clock.err(err))})
			return
		}
		if !ok {
			break
		}
		resp = next
	}
	for i := range calls {
		if !send(ctx, chunks, &agentChunk{ToolCall: &calls[i]}) {
			return
		}
	}
	send(ctx, chunks, &agentChunk{Done: true, InputTokens: inTok, OutputTokens: outTok})
}

func geminiCall(fc *genai.FunctionCall, sig []byte, n int) models.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte(`{}`)
	}
	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("%s%s_%d", localIDPrefix, fc.Name, n)
	}
	return models.ToolCall{ID: id, Name: fc.Name, Input: args, Signature: sig}
}

// localIDPrefix marks call ids minted here because the API sent none.
const localIDPrefix = "gemini_"

// vendorID drops ids the API never issued.
func vendorID(id string) string {
	if strings.HasPrefix(id, localIDPrefix) {
		return ""
	}
	return id
}

// toGeminiContents maps turns to contents. Function responses need the
// function name, which is looked up from the matching call.
func toGeminiContents(msgs []models.Message) []*genai.Content {
	names := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		c := &genai.Content{Role: genai.RoleUser}
		if m.Role == models.RoleAssistant {
			c.Role = genai.RoleModel
		}
		if m.Content != "" {
			c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			args := map[string]any{}
			_ = json.Unmarshal(tc.Input, &args)
			c.Parts = append(c.Parts, &genai.Part{
				FunctionCall:     &genai.FunctionCall{ID: vendorID(tc.ID), Name: tc.Name, Args: args},
				ThoughtSignature: tc.Signature,
			})
		}
		for _, r := range m.ToolResults {
			name := r.Name
			if name == "" {
				name = names[r.ToolCallID]
			}
			resp := map[string]any{"output": r.Content}
			if r.IsError {
				resp = map[string]any{"error": r.Content}
			}
			c.Parts = append(c.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: vendorID(r.ToolCallID), Name: name, Response: resp},
			})
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out
}

var _ agent.LLMProvider = (*GeminiProvider)(nil)
