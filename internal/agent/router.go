package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/pkg/models"
)

// DefaultCooldown is how long a provider is skipped after a failover-eligible error.
const DefaultCooldown = 60 * time.Second

// ModelTable maps provider and tier to a model id.
type ModelTable map[models.Provider]map[models.Tier]string

// DefaultModels returns the built-in model table.
func DefaultModels() ModelTable {
	return ModelTable{
		models.ProviderAnthropic: {
			models.TierMini:      "claude-haiku-4-5",
			models.TierPower:     "claude-sonnet-4-5",
			models.TierLudicrous: "claude-opus-4-1",
		},
		models.ProviderOpenAI: {
			models.TierMini:      "gpt-5-mini",
			models.TierPower:     "gpt-5",
			models.TierLudicrous: "gpt-5-pro",
		},
		models.ProviderGemini: {
			models.TierMini:      "gemini-2.5-flash",
			models.TierPower:     "gemini-2.5-pro",
			models.TierLudicrous: "gemini-2.5-pro",
		},
		models.ProviderMistral: {
			models.TierMini:      "mistral-small-latest",
			models.TierPower:     "mistral-medium-latest",
			models.TierLudicrous: "mistral-large-latest",
		},
	}
}

// Model returns the model for provider at tier, falling back to the
// built-in table.
func (t ModelTable) Model(p models.Provider, tier models.Tier) string {
	if m := t[p][tier]; m != "" {
		return m
	}
	return DefaultModels()[p][tier]
}

// RouterConfig configures a ProviderRouter.
type RouterConfig struct {
	// Primary leads every default chain.
	Primary models.Provider
	Models  ModelTable
	// Chains overrides the failover order per tier.
	Chains   map[models.Tier][]models.Provider
	Cooldown time.Duration
	// AllowLudicrousEscalation lets an exhausted power chain retry on ludicrous.
	AllowLudicrousEscalation bool

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// RoutedCompletion is a completion with where it was served from.
type RoutedCompletion struct {
	*Completion
	Provider  models.Provider
	Model     string
	Tier      models.Tier
	Failovers int
	// Escalated is set when the power chain failed over to ludicrous.
	Escalated bool
}

// RouterStats is a snapshot of router counters.
type RouterStats struct {
	Requests  int64
	Failovers int64
	Failures  map[models.Provider]int64
}

// ProviderRouter sends a completion to the first usable provider in a
// tier's chain, cooling providers down on transient failures. Only
// registered providers are used, so a provider without credentials is
// never tried.
type ProviderRouter struct {
	cfg       RouterConfig
	providers map[models.Provider]LLMProvider
	logger    *slog.Logger

	mu        sync.Mutex
	cooldowns map[models.Provider]time.Time
	stats     RouterStats
}

// NewProviderRouter creates a router over the given providers.
func NewProviderRouter(cfg RouterConfig, providers ...LLMProvider) *ProviderRouter {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Models == nil {
		cfg.Models = DefaultModels()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &ProviderRouter{
		cfg:       cfg,
		providers: make(map[models.Provider]LLMProvider, len(providers)),
		logger:    logger.With("component", "router"),
		cooldowns: make(map[models.Provider]time.Time),
		stats:     RouterStats{Failures: make(map[models.Provider]int64)},
	}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Chain returns the registered providers for tier in failover order.
func (r *ProviderRouter) Chain(tier models.Tier) []models.Provider {
	order := r.cfg.Chains[tier]
	if len(order) == 0 {
		order = make([]models.Provider, 0, len(models.Providers)+1)
		if r.cfg.Primary != "" {
			order = append(order, r.cfg.Primary)
		}
		order = append(order, models.Providers...)
	}
	seen := map[models.Provider]bool{}
	out := make([]models.Provider, 0, len(order))
	for _, p := range order {
		if seen[p] || r.providers[p] == nil {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// CoolingDown reports whether p is inside its cooldown window.
func (r *ProviderRouter) CoolingDown(p models.Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Now().Before(r.cooldowns[p])
}

// ResetCooldowns clears every cooldown.
func (r *ProviderRouter) ResetCooldowns() {
	r.mu.Lock()
	clear(r.cooldowns)
	r.mu.Unlock()
}

// Stats returns a copy of the router counters.
func (r *ProviderRouter) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	failures := make(map[models.Provider]int64, len(r.stats.Failures))
	for k, v := range r.stats.Failures {
		failures[k] = v
	}
	return RouterStats{Requests: r.stats.Requests, Failovers: r.stats.Failovers, Failures: failures}
}

// Complete runs req on tier. Text is streamed through onText; once any text
// has reached the caller the attempt is final and no failover happens.
// Permanent errors (auth, bad request) return immediately without a
// cooldown.
func (r *ProviderRouter) Complete(ctx context.Context, tier models.Tier, req *CompletionRequest, onText func(string)) (*RoutedCompletion, error) {
	r.mu.Lock()
	r.stats.Requests++
	r.mu.Unlock()

	out, err := r.completeTier(ctx, tier, req, onText)
	if err == nil || tier != models.TierPower || !r.cfg.AllowLudicrousEscalation || !errors.Is(err, ErrAllProvidersFailed) {
		return out, err
	}
	r.logger.Warn("power chain exhausted, escalating to ludicrous", "error", err)
	out, err = r.completeTier(ctx, models.TierLudicrous, req, onText)
	if out != nil {
		out.Escalated = true
	}
	return out, err
}

func (r *ProviderRouter) completeTier(ctx context.Context, tier models.Tier, req *CompletionRequest, onText func(string)) (*RoutedCompletion, error) {
	chain := r.Chain(tier)
	if len(chain) == 0 {
		return nil, ErrNoProvider
	}
	candidates := r.usable(chain)

	var lastErr error
	var prev models.Provider
	failovers := 0
	for _, name := range candidates {
		if prev != "" {
			failovers++
			r.recordFailover(prev, name, lastErr)
		}
		prev = name
		model := r.cfg.Models.Model(name, tier)
		res, streamed, err := r.attempt(ctx, name, model, req, onText)
		if err == nil {
			r.mu.Lock()
			delete(r.cooldowns, name)
			r.mu.Unlock()
			return &RoutedCompletion{Completion: res, Provider: name, Model: model, Tier: tier, Failovers: failovers}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := KindOf(err)
		r.recordFailure(name, kind)
		if !kind.FailoverEligible() || streamed {
			return nil, err
		}
		r.logger.Warn("provider failed, trying next", "provider", name, "model", model, "kind", kind, "error", err)
	}
	return nil, fmt.Errorf("%w for tier %s: %w", ErrAllProvidersFailed, tier, lastErr)
}

// usable drops cooling providers from chain. When every provider is
// cooling down, the one whose cooldown ends first is returned alone.
func (r *ProviderRouter) usable(chain []models.Provider) []models.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.cfg.Now()
	out := make([]models.Provider, 0, len(chain))
	soonest := chain[0]
	for _, p := range chain {
		until := r.cooldowns[p]
		if !now.Before(until) {
			out = append(out, p)
			continue
		}
		if until.Before(r.cooldowns[soonest]) {
			soonest = p
		}
	}
	if len(out) == 0 {
		return []models.Provider{soonest}
	}
	return out
}

// attempt runs one provider to completion. streamed reports whether text
// was forwarded before a failure.
func (r *ProviderRouter) attempt(ctx context.Context, name models.Provider, model string, req *CompletionRequest, onText func(string)) (*Completion, bool, error) {
	p := r.providers[name]
	call := *req
	call.Model = model

	ctx, span := r.cfg.Tracer.StartLLMCall(ctx, string(name), model)
	start := time.Now()
	streamed := false
	res, err := func() (*Completion, error) {
		ch, err := p.Complete(ctx, &call)
		if err != nil {
			return nil, err
		}
		return Collect(ctx, ch, func(s string) {
			streamed = true
			if onText != nil {
				onText(s)
			}
		})
	}()
	observability.EndSpan(span, err)

	if m := r.cfg.Metrics; m != nil {
		status := "ok"
		if err != nil {
			status = string(KindOf(err))
		}
		m.LLMRequests.WithLabelValues(string(name), model, status).Inc()
		m.LLMRequestDuration.WithLabelValues(string(name), model).Observe(time.Since(start).Seconds())
		if res != nil {
			m.LLMTokens.WithLabelValues(string(name), model, "input").Add(float64(res.InputTokens))
			m.LLMTokens.WithLabelValues(string(name), model, "output").Add(float64(res.OutputTokens))
		}
	}
	return res, streamed, err
}

func (r *ProviderRouter) recordFailure(name models.Provider, kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Failures[name]++
	if kind.FailoverEligible() {
		r.cooldowns[name] = r.cfg.Now().Add(r.cfg.Cooldown)
	}
}

func (r *ProviderRouter) recordFailover(from, to models.Provider, cause error) {
	r.mu.Lock()
	r.stats.Failovers++
	r.mu.Unlock()
	if m := r.cfg.Metrics; m != nil {
		m.Failovers.WithLabelValues(string(from), string(to), string(KindOf(cause))).Inc()
	}
}
