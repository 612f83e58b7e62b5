package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors. Each Metrics owns its
// registry so tests and sibling runtimes do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	// AgentRuns counts finished runs. Labels: outcome, tier.
	AgentRuns *prometheus.CounterVec
	// LLMRequests counts provider calls. Labels: provider, model, status.
	LLMRequests *prometheus.CounterVec
	// LLMRequestDuration measures provider latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec
	// LLMTokens counts tokens. Labels: provider, model, type (input|output).
	LLMTokens *prometheus.CounterVec
	// ToolCalls counts dispatches. Labels: tool, origin, status.
	ToolCalls *prometheus.CounterVec
	// Approvals counts gate decisions. Labels: decision, reason.
	Approvals *prometheus.CounterVec
	// InjectionWarnings counts scanner hits. Labels: source.
	InjectionWarnings *prometheus.CounterVec
	// Failovers counts provider switches. Labels: from, to, reason.
	Failovers *prometheus.CounterVec
	// CronFires counts scheduled fires. Labels: status.
	CronFires *prometheus.CounterVec
	// InboxItems counts inbox items. Labels: status.
	InboxItems *prometheus.CounterVec
	// GuardFires counts hallucination guard fires. Labels: guard.
	GuardFires *prometheus.CounterVec
}

// NewMetrics registers collectors on reg; a nil reg creates a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		AgentRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_agent_runs_total",
			Help: "Agent runs by outcome and tier",
		}, []string{"outcome", "tier"}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_llm_requests_total",
			Help: "LLM requests by provider, model and status",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cos_llm_request_duration_seconds",
			Help:    "LLM request latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"provider", "model"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_llm_tokens_total",
			Help: "Tokens consumed by provider, model and type",
		}, []string{"provider", "model", "type"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_tool_calls_total",
			Help: "Tool dispatches by tool, origin and status",
		}, []string{"tool", "origin", "status"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_approvals_total",
			Help: "Approval gate decisions",
		}, []string{"decision", "reason"}),
		InjectionWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_injection_warnings_total",
			Help: "Prompt-injection scanner hits by source",
		}, []string{"source"}),
		Failovers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_provider_failovers_total",
			Help: "Provider failovers",
		}, []string{"from", "to", "reason"}),
		CronFires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_cron_fires_total",
			Help: "Scheduled job fires by status",
		}, []string{"status"}),
		InboxItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_inbox_items_total",
			Help: "Inbox items by status",
		}, []string{"status"}),
		GuardFires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cos_guard_fires_total",
			Help: "Hallucination guard fires",
		}, []string{"guard"}),
	}
}
