// Package providers implements the four LLM backends behind agent.LLMProvider:
// messages-style (anthropic), OpenAI chat completions (openai, and mistral
// through its compatible endpoint) and Gemini.
package providers

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/backoff"
)

type agentChunk = agent.CompletionChunk

// wrapError classifies an SDK error into an *agent.ProviderError.
// Cancellation by the caller passes through untouched.
func wrapError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return agent.NewProviderError(provider, model, statusOf(err), err)
}

// statusOf digs an HTTP status out of any of the SDK error types.
func statusOf(err error) int {
	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) && oaiAPI.HTTPStatusCode != 0 {
		return oaiAPI.HTTPStatusCode
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) && oaiReq.HTTPStatusCode != 0 {
		return oaiReq.HTTPStatusCode
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return antErr.StatusCode
	}
	var genErr genai.APIError
	if errors.As(err, &genErr) {
		return genErr.Code
	}
	return 0
}

// shouldRetry limits retries to 429, 5xx and transport-level transients.
func shouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) && pe.Status != 0 {
		return backoff.ShouldRetryLLMStatus(pe.Status)
	}
	return agent.IsRetryable(err)
}
