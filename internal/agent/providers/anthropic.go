package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/agent/toolconv"
	"github.com/haasonsaas/cos/pkg/models"
)

// DefaultAnthropicMaxTokens applies when the request leaves MaxTokens unset;
// the messages API requires a value.
const DefaultAnthropicMaxTokens = 4096

// maxEmptyStreamEvents detects streams that keep producing events with no
// usable content.
const maxEmptyStreamEvents = 64

// AnthropicConfig configures the messages-style provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeouts   Timeouts
	Retry      Retry
	Logger     *slog.Logger
}

// AnthropicProvider streams from the messages API.
type AnthropicProvider struct {
	client   anthropic.Client
	timeouts Timeouts
	retry    Retry
	logger   *slog.Logger
}

// NewAnthropic creates the provider. SDK-level retries are disabled so the
// shared retry policy is the only one in effect.
func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicProvider{
		client:   anthropic.NewClient(opts...),
		timeouts: cfg.Timeouts,
		retry:    cfg.Retry,
		logger:   logger.With("component", "provider", "provider", string(models.ProviderAnthropic)),
	}
}

func (p *AnthropicProvider) Name() models.Provider { return models.ProviderAnthropic }

func (p *AnthropicProvider) params(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	tools, err := toolconv.ToAnthropicTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Tools = tools
	return params, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	clock  *streamClock
}

// Complete opens the stream with retries. The SDK sends the request when
// the stream is created, so a failed open shows up in stream.Err before the
// first event.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, agent.NewProviderError(string(models.ProviderAnthropic), req.Model, http.StatusBadRequest, err)
	}
	name := string(models.ProviderAnthropic)
	s, err := open(ctx, p.retry, name, p.logger, func(ctx context.Context) (anthropicStream, error) {
		clock := newStreamClock(ctx, p.timeouts)
		stream := p.client.Messages.NewStreaming(clock.ctx, params)
		if err := stream.Err(); err != nil {
			_ = stream.Close()
			clock.stop()
			return anthropicStream{}, wrapError(name, req.Model, clock.err(err))
		}
		clock.opened()
		return anthropicStream{stream: stream, clock: clock}, nil
	})
	if err != nil {
		return nil, err
	}
	chunks := make(chan *agent.CompletionChunk)
	go p.pump(ctx, s, req.Model, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) pump(ctx context.Context, s anthropicStream, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer s.clock.stop()
	defer s.stream.Close()

	name := string(models.ProviderAnthropic)
	acc := newToolAccumulator(p.logger)
	text := &textCap{logger: p.logger}
	var inTok, outTok int
	empty := 0
	for s.stream.Next() {
		s.clock.tick()
		event := s.stream.Current()
		useful := true
		switch event.Type {
		case "message_start":
			inTok = int(event.AsMessageStart().Message.Usage.InputTokens)
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				tu := start.ContentBlock.AsToolUse()
				acc.add(int(start.Index), tu.ID, tu.Name, "")
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if t := text.take(delta.Delta.Text); t != "" {
					if !send(ctx, chunks, &agentChunk{Text: t}) {
						return
					}
				}
			case "input_json_delta":
				acc.add(int(delta.Index), "", "", delta.Delta.PartialJSON)
			default:
				useful = false
			}
		case "message_delta":
			if n := int(event.AsMessageDelta().Usage.OutputTokens); n > 0 {
				outTok = n
			}
		case "content_block_stop", "message_stop", "ping":
		default:
			useful = false
		}
		if useful {
			empty = 0
			continue
		}
		if empty++; empty >= maxEmptyStreamEvents {
			send(ctx, chunks, &agentChunk{Error: agent.NewProviderError(name, model, 0,
				fmt.Errorf("stream appears malformed: %d consecutive empty events", empty))})
			return
		}
	}
	if err := s.stream.Err(); err != nil {
		send(ctx, chunks, &agentChunk{Error: wrapError(name, model, s.clock.err(err))})
		return
	}
	for _, call := range acc.calls() {
		if !send(ctx, chunks, &agentChunk{ToolCall: &call}) {
			return
		}
	}
	send(ctx, chunks, &agentChunk{Done: true, InputTokens: inTok, OutputTokens: outTok})
}

// toAnthropicMessages maps turns to messages. Tool-result turns become
// user messages of tool_result blocks.
func toAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		for _, tc := range m.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no messages to send")
	}
	return out, nil
}

var _ agent.LLMProvider = (*AnthropicProvider)(nil)
