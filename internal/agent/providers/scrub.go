package providers

import (
	"context"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/security"
	"github.com/haasonsaas/cos/pkg/models"
)

// Scrubbed wraps a provider so user and assistant text is PII-scrubbed
// before it leaves the process. Tool-result turns are sent verbatim.
type Scrubbed struct {
	inner   agent.LLMProvider
	enabled func() bool
}

// WithPIIScrub wraps p. enabled is consulted on every call so the setting
// can change at runtime; nil means always on.
func WithPIIScrub(p agent.LLMProvider, enabled func() bool) *Scrubbed {
	return &Scrubbed{inner: p, enabled: enabled}
}

func (s *Scrubbed) Name() models.Provider { return s.inner.Name() }

// Unwrap returns the wrapped provider.
func (s *Scrubbed) Unwrap() agent.LLMProvider { return s.inner }

func (s *Scrubbed) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if s.enabled == nil || s.enabled() {
		scrubbed := *req
		scrubbed.Messages = security.ScrubMessages(req.Messages)
		req = &scrubbed
	}
	return s.inner.Complete(ctx, req)
}
