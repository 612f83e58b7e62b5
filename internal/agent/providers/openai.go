package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/agent/toolconv"
	"github.com/haasonsaas/cos/pkg/models"
)

// MistralBaseURL is the openai-compatible Mistral endpoint.
const MistralBaseURL = "https://api.mistral.ai/v1"

// OpenAIConfig configures an openai-compatible provider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API root, for proxies and compatible vendors.
	BaseURL    string
	HTTPClient *http.Client
	Timeouts   Timeouts
	Retry      Retry
	Logger     *slog.Logger
}

// OpenAIProvider speaks the chat/completions streaming protocol. The same
// type serves mistral through its compatible endpoint.
type OpenAIProvider struct {
	name     models.Provider
	client   *openai.Client
	timeouts Timeouts
	retry    Retry
	logger   *slog.Logger
	// includeUsage requests the trailing usage chunk.
	includeUsage bool
}

// NewOpenAI creates the openai provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	return newOpenAICompatible(models.ProviderOpenAI, cfg, true)
}

// NewMistral creates the mistral provider on the openai-compatible API.
// Mistral reports usage on the final chunk without stream_options.
func NewMistral(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MistralBaseURL
	}
	return newOpenAICompatible(models.ProviderMistral, cfg, false)
}

func newOpenAICompatible(name models.Provider, cfg OpenAIConfig, includeUsage bool) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClientWithConfig(oc),
		timeouts:     cfg.Timeouts,
		retry:        cfg.Retry,
		logger:       logger.With("component", "provider", "provider", string(name)),
		includeUsage: includeUsage,
	}
}

func (p *OpenAIProvider) Name() models.Provider { return p.name }

// usesCompletionTokens reports whether model takes max_completion_tokens
// instead of max_tokens.
func usesCompletionTokens(model string) bool {
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "gpt-5") {
		return true
	}
	return len(m) > 1 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest) openai.ChatCompletionRequest {
	chat := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Stream:   true,
		Tools:    toolconv.ToOpenAITools(req.Tools),
	}
	if p.includeUsage {
		chat.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		if usesCompletionTokens(req.Model) {
			chat.MaxCompletionTokens = req.MaxTokens
		} else {
			chat.MaxTokens = req.MaxTokens
		}
	}
	return chat
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	clock  *streamClock
}

// Complete opens the stream with retries and pumps it on a goroutine.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chat := p.buildRequest(req)
	name := string(p.name)
	s, err := open(ctx, p.retry, name, p.logger, func(ctx context.Context) (openAIStream, error) {
		clock := newStreamClock(ctx, p.timeouts)
		stream, err := p.client.CreateChatCompletionStream(clock.ctx, chat)
		if err != nil {
			clock.stop()
			return openAIStream{}, wrapError(name, req.Model, clock.err(err))
		}
		clock.opened()
		return openAIStream{stream: stream, clock: clock}, nil
	})
	if err != nil {
		return nil, err
	}
	chunks := make(chan *agent.CompletionChunk)
	go p.pump(ctx, s, req.Model, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) pump(ctx context.Context, s openAIStream, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer s.clock.stop()
	defer s.stream.Close()

	acc := newToolAccumulator(p.logger)
	text := &textCap{logger: p.logger}
	var inTok, outTok int
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(ctx, chunks, &agentChunk{Error: wrapError(string(p.name), model, s.clock.err(err))})
			return
		}
		s.clock.tick()
		if resp.Usage != nil {
			inTok, outTok = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		for _, choice := range resp.Choices {
			if t := text.take(choice.Delta.Content); t != "" {
				if !send(ctx, chunks, &agentChunk{Text: t}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				acc.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
		}
	}
	for _, call := range acc.calls() {
		if !send(ctx, chunks, &agentChunk{ToolCall: &call}) {
			return
		}
	}
	send(ctx, chunks, &agentChunk{Done: true, InputTokens: inTok, OutputTokens: outTok})
}

func toOpenAIMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			for _, r := range m.ToolResults {
				content := r.Content
				if r.IsError && !strings.HasPrefix(content, "Error") {
					content = "Error: " + content
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: r.ToolCallID,
				})
			}
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

var _ agent.LLMProvider = (*OpenAIProvider)(nil)
