package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/cos/internal/agent/routing"
	"github.com/haasonsaas/cos/internal/memory"
	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/internal/prompt"
	"github.com/haasonsaas/cos/internal/tools"
	"github.com/haasonsaas/cos/pkg/models"
)

// ErrClosed is returned by Ask after Close.
var ErrClosed = errors.New("runtime closed")

// Texts for commands handled without a model call.
const (
	clearCommand    = "/clear"
	clearedText     = "Context cleared."
	dailyPageOffer  = "When the answer is worth keeping, offer to add it to today's daily page."
	tierSuffixPower = "/power"
	tierSuffixLudi  = "/ludicrous"
)

// Result is the answer to one request.
type Result struct {
	Text  string
	Trace *models.RunTrace
}

type activeRun struct {
	cancel     context.CancelFunc
	background bool
	done       chan struct{}
}

// Runtime serialises requests for one instance. Only one run is active at
// a time; a foreground request preempts a background one.
type Runtime struct {
	opts   RuntimeOptions
	loop   *Loop
	logger *slog.Logger

	mu     sync.Mutex
	active *activeRun
	closed bool

	dryRun atomic.Bool
}

// NewRuntime creates a runtime. opts.Loop must carry a Router, Gate and Tools.
func NewRuntime(opts RuntimeOptions) *Runtime {
	opts = opts.withDefaults()
	return &Runtime{
		opts:   opts,
		loop:   NewLoop(opts.Loop, prompt.NewGuard()),
		logger: opts.Logger.With("component", "runtime"),
	}
}

// SetDryRun makes the next run simulate its first mutating call.
func (r *Runtime) SetDryRun() { r.dryRun.Store(true) }

// LastTrace returns the newest finished trace, or nil.
func (r *Runtime) LastTrace() *models.RunTrace { return r.opts.Traces.Last() }

// Traces returns the runtime's trace log.
func (r *Runtime) Traces() *TraceLog { return r.opts.Traces }

// Busy reports whether any run is active.
func (r *Runtime) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// ForegroundActive reports whether a user-initiated run is active.
func (r *Runtime) ForegroundActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && !r.active.background
}

// Abort cancels the active run, if any.
func (r *Runtime) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return false
	}
	r.active.cancel()
	return true
}

// ClearContext drops conversation history and the routing trajectory.
func (r *Runtime) ClearContext(ctx context.Context) error {
	if r.opts.Routing != nil {
		r.opts.Routing.Reset()
	}
	return r.opts.Conversation.Clear(ctx)
}

// Ask runs one request. Background requests fail fast with ErrBusy when
// another run is active. A foreground request aborts an active background
// run and waits up to BusyWait for it to stop.
func (r *Runtime) Ask(ctx context.Context, req models.Request) (*Result, error) {
	text := strings.TrimSpace(req.Prompt)
	if text == "" {
		return nil, errors.New("empty prompt")
	}
	if strings.EqualFold(text, clearCommand) {
		if err := r.ClearContext(ctx); err != nil {
			return nil, err
		}
		return &Result{Text: clearedText}, nil
	}
	text, forced := splitTierSuffix(text)
	if text == "" {
		return nil, errors.New("empty prompt")
	}

	runCtx, release, err := r.acquire(ctx, req.Background)
	if err != nil {
		return nil, err
	}
	defer release()

	if c := r.opts.Loop.Costs; c != nil && c.CapReached(runCtx) {
		return nil, ErrDailyCapExceeded
	}

	runID := uuid.NewString()
	trigger := req.Trigger
	if trigger == "" {
		trigger = "chat"
	}
	runCtx = observability.WithRunID(runCtx, runID)
	runCtx = observability.WithTrigger(runCtx, trigger)
	runCtx, span := r.opts.Loop.Tracer.StartRun(runCtx, runID, trigger)

	in, decision := r.prepare(runCtx, req, text, forced)
	in.RunID, in.Trigger = runID, trigger
	r.logger.Info("run started", "run_id", runID, "trigger", trigger, "tier", in.Tier,
		"score", decision.Score, "signals", decision.Signals, "tools", len(in.Tools), "dry_run", in.DryRun)

	res, err := r.loop.Run(runCtx, in)
	observability.EndSpan(span, err)
	r.finish(context.WithoutCancel(runCtx), text, res)

	out := &Result{Text: res.Text, Trace: res.Trace}
	if res.Trace.Outcome == models.OutcomeAbort {
		return out, nil
	}
	return out, err
}

// acquire takes the single-flight lock. The returned context is cancelled
// when the run is preempted or the runtime closes.
func (r *Runtime) acquire(ctx context.Context, background bool) (context.Context, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if a := r.active; a != nil {
		if background || !a.background {
			r.mu.Unlock()
			return nil, nil, ErrBusy
		}
		r.logger.Info("foreground request aborting background run")
		a.cancel()
		r.mu.Unlock()

		timer := time.NewTimer(r.opts.BusyWait)
		select {
		case <-a.done:
			timer.Stop()
		case <-timer.C:
			return nil, nil, ErrBusy
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		}
		r.mu.Lock()
		if r.active != nil || r.closed {
			r.mu.Unlock()
			return nil, nil, ErrBusy
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	a := &activeRun{cancel: cancel, background: background, done: make(chan struct{})}
	r.active = a
	r.mu.Unlock()

	release := func() {
		cancel()
		r.mu.Lock()
		if r.active == a {
			r.active = nil
		}
		r.mu.Unlock()
		close(a.done)
	}
	return runCtx, release, nil
}

// prepare assembles the offered tools, tier and system prompt.
func (r *Runtime) prepare(ctx context.Context, req models.Request, text string, forced models.Tier) (RunInput, routing.Decision) {
	opts := r.opts
	in := RunInput{
		Prompt:   text,
		History:  opts.Conversation.Turns(),
		ReadOnly: req.ReadOnlyTools,
		DryRun:   r.dryRun.Swap(false),
		OnText:   req.OnTextChunk,
	}

	var skills []memory.Skill
	if opts.Sources.Skills != nil {
		var err error
		if skills, err = opts.Sources.Skills(ctx); err != nil {
			r.logger.Warn("skills unavailable", "error", err)
		}
	}
	if s, ok := memory.MatchSkill(skills, text); ok {
		in.Skill, in.SkillSources = s.Name, s.Sources
	}

	in.Tools = tools.Filter(opts.Loop.Tools.List(), text, tools.FilterOptions{
		ReadOnly:      req.ReadOnlyTools,
		AlwaysInclude: opts.AlwaysInclude,
	})

	var decision routing.Decision
	switch {
	case forced != "":
		decision = routing.Decision{Tier: forced, Signals: []string{"forced"}}
	case opts.Routing != nil:
		decision = opts.Routing.Route(routing.Input{
			Prompt:       text,
			Skill:        in.Skill,
			SkillSources: in.SkillSources,
			RoutedMCP:    opts.RoutedMCP != nil && opts.RoutedMCP(),
		})
	default:
		decision = routing.Decision{Tier: models.TierMini}
	}
	in.Tier = decision.Tier

	in.System = r.systemPrompt(ctx, skills)
	if req.OfferWriteToDailyPage {
		in.System += "\n\n" + dailyPageOffer
	}
	return in, decision
}

func (r *Runtime) systemPrompt(ctx context.Context, skills []memory.Skill) string {
	src := r.opts.Sources
	po := prompt.Options{
		AssistantName: r.opts.AssistantName,
		UserName:      r.opts.UserName,
		Now:           r.loop.cfg.Now(),
		Location:      r.opts.Location,
	}
	if src.Memory != nil {
		snaps, err := src.Memory(ctx)
		if err != nil {
			r.logger.Warn("memory unavailable", "error", err)
		}
		po.Memory = snaps
	}
	for _, s := range skills {
		po.Skills = append(po.Skills, prompt.SkillSummary{Name: s.Name, Summary: s.Summary})
	}
	if src.Toolkits != nil {
		po.Toolkits = src.Toolkits()
	}
	if src.Jobs != nil {
		jobs, err := src.Jobs(ctx)
		if err != nil {
			r.logger.Warn("jobs unavailable", "error", err)
		}
		po.Jobs = jobs
	}
	return prompt.Build(po)
}

// finish records a run whatever its outcome.
func (r *Runtime) finish(ctx context.Context, text string, res *RunResult) {
	trace := res.Trace
	if err := r.opts.Traces.Record(trace); err != nil {
		r.logger.Warn("trace not persisted", "error", err)
	}
	if r.opts.Routing != nil && trace.Outcome != models.OutcomeAbort {
		r.opts.Routing.Record(trace)
	}
	if trace.Outcome == models.OutcomeFinish && res.Text != "" {
		if err := r.opts.Conversation.Append(ctx, text, res.Text, res.ToolOutputs); err != nil {
			r.logger.Warn("history not persisted", "error", err)
		}
	}
	if m := r.opts.Loop.Metrics; m != nil {
		m.AgentRuns.WithLabelValues(string(trace.Outcome), string(trace.Tier)).Inc()
	}
	for _, o := range r.opts.Observers {
		o.RunFinished(ctx, trace)
	}
	r.logger.Info("run finished", "run_id", trace.RunID, "outcome", trace.Outcome, "tier", trace.Tier,
		"model", trace.Model, "iterations", trace.Iterations, "tool_calls", len(trace.ToolCalls),
		"cost", fmt.Sprintf("%.4f", trace.Cost), "duration", trace.Duration())
}

// Close aborts the active run and waits for it to stop or ctx to end.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	a := r.active
	r.mu.Unlock()
	if a == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitTierSuffix strips a trailing /power or /ludicrous.
func splitTierSuffix(text string) (string, models.Tier) {
	lower := strings.ToLower(text)
	for suffix, tier := range map[string]models.Tier{tierSuffixPower: models.TierPower, tierSuffixLudi: models.TierLudicrous} {
		if strings.HasSuffix(lower, suffix) {
			return strings.TrimSpace(text[:len(text)-len(suffix)]), tier
		}
	}
	return text, ""
}
