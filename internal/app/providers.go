package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/agent/providers"
	"github.com/haasonsaas/cos/internal/config"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/pkg/models"
)

// envKeys are consulted when neither config nor settings carry a key.
var envKeys = map[models.Provider]string{
	models.ProviderAnthropic: "ANTHROPIC_API_KEY",
	models.ProviderOpenAI:    "OPENAI_API_KEY",
	models.ProviderGemini:    "GEMINI_API_KEY",
	models.ProviderMistral:   "MISTRAL_API_KEY",
}

// APIKey resolves the key for p: config, then settings, then environment.
func APIKey(ctx context.Context, cfg *config.Config, store kv.Store, p models.Provider) string {
	if pc, ok := cfg.LLM.Providers[string(p)]; ok && strings.TrimSpace(pc.APIKey) != "" {
		return pc.APIKey
	}
	if key := kv.GetString(ctx, store, kv.KeyAPIKeyPrefix+string(p), ""); key != "" {
		return key
	}
	return os.Getenv(envKeys[p])
}

// buildProviders creates every provider that has a key, each behind the
// PII scrubber.
func buildProviders(ctx context.Context, cfg *config.Config, store kv.Store, logger *slog.Logger) ([]agent.LLMProvider, error) {
	timeouts := providers.Timeouts{
		Connect: cfg.LLM.Streaming.ConnectTimeout,
		Chunk:   cfg.LLM.Streaming.ChunkTimeout,
		Total:   cfg.LLM.Streaming.TotalTimeout,
	}
	retry := providers.Retry{Attempts: cfg.LLM.RetryAttempts}
	scrub := func() bool {
		if v, ok, err := store.Get(ctx, kv.KeyPIIScrubEnabled); err == nil && ok {
			return string(v) != "false"
		}
		return cfg.LLM.PIIScrubEnabled()
	}

	var out []agent.LLMProvider
	for _, name := range models.Providers {
		key := APIKey(ctx, cfg, store, name)
		if key == "" {
			continue
		}
		base := cfg.LLM.Providers[string(name)].BaseURL
		var p agent.LLMProvider
		switch name {
		case models.ProviderAnthropic:
			p = providers.NewAnthropic(providers.AnthropicConfig{APIKey: key, BaseURL: base, Timeouts: timeouts, Retry: retry, Logger: logger})
		case models.ProviderOpenAI:
			p = providers.NewOpenAI(providers.OpenAIConfig{APIKey: key, BaseURL: base, Timeouts: timeouts, Retry: retry, Logger: logger})
		case models.ProviderMistral:
			p = providers.NewMistral(providers.OpenAIConfig{APIKey: key, BaseURL: base, Timeouts: timeouts, Retry: retry, Logger: logger})
		case models.ProviderGemini:
			g, err := providers.NewGemini(ctx, providers.GeminiConfig{APIKey: key, BaseURL: base, Timeouts: timeouts, Retry: retry, Logger: logger})
			if err != nil {
				return nil, fmt.Errorf("gemini provider: %w", err)
			}
			p = g
		}
		out = append(out, providers.WithPIIScrub(p, scrub))
	}
	return out, nil
}

func newRouter(cfg *config.Config, list []agent.LLMProvider, m *observability.Metrics, tr *observability.Tracer, logger *slog.Logger, now func() time.Time) (*agent.ProviderRouter, error) {
	if len(list) == 0 {
		logger.Warn("no LLM provider has an API key; requests will fail")
	}
	table := agent.DefaultModels()
	for name, pc := range cfg.LLM.Providers {
		p := models.Provider(name)
		for tierName, model := range pc.Models {
			tier, ok := models.ParseTier(tierName)
			if !ok {
				return nil, fmt.Errorf("llm.providers.%s.models: unknown tier %q", name, tierName)
			}
			if table[p] == nil {
				table[p] = map[models.Tier]string{}
			}
			table[p][tier] = model
		}
	}
	chains := map[models.Tier][]models.Provider{}
	for tierName, names := range cfg.LLM.Failover {
		tier, ok := models.ParseTier(tierName)
		if !ok {
			return nil, fmt.Errorf("llm.failover: unknown tier %q", tierName)
		}
		for _, n := range names {
			chains[tier] = append(chains[tier], models.Provider(n))
		}
	}
	primary := models.Provider(cfg.LLM.Primary)
	if len(list) == 1 {
		primary = list[0].Name()
	}
	return agent.NewProviderRouter(agent.RouterConfig{
		Primary:                  primary,
		Models:                   table,
		Chains:                   chains,
		Cooldown:                 cfg.LLM.Cooldown,
		AllowLudicrousEscalation: cfg.LLM.AllowLudicrousEscalation,
		Metrics:                  m,
		Tracer:                   tr,
		Logger:                   logger,
		Now:                      now,
	}, list...), nil
}
