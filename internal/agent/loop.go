package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/internal/security"
	"github.com/haasonsaas/cos/internal/tools"
	"github.com/haasonsaas/cos/pkg/models"
)

// Loop defaults.
const (
	DefaultMaxIterations = 10
	DefaultMaxTokens     = 4096

	// maxGuardNudges bounds hallucination retries per run; a response
	// after the last nudge is accepted as final.
	maxGuardNudges = 3
	// toolFailureLimit is how many failed dispatches of one tool are
	// tolerated before the tier is raised.
	toolFailureLimit = 2
	// retriedMarker replaces an assistant turn a guard rejected.
	retriedMarker = "[retried]"
)

// Texts returned for runs that stop early.
const (
	capStopText   = "Stopped: today's cost cap was reached partway through this request."
	abortStopText = "Stopped."
)

// CostMeter prices completions and enforces the daily cap.
type CostMeter interface {
	// RecordCompletion books one completion and returns its cost in USD.
	RecordCompletion(ctx context.Context, provider models.Provider, model string, inputTokens, outputTokens int) float64
	// CapReached reports whether today's spend reached the cap.
	CapReached(ctx context.Context) bool
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Router *ProviderRouter
	Gate   *Gate
	Tools  *tools.Registry
	// Costs may be nil, in which case runs are free and uncapped.
	Costs         CostMeter
	MaxIterations int
	MaxTokens     int
	Events        EventSink

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Loop drives one request through repeated model calls and tool
// dispatches until the model answers, the run is aborted, the cost cap
// trips or the iteration cap is hit.
//
//	prepare → call_llm → guards → dispatch_tools → append_results ─┐
//	   ▲                   │                                       │
//	   │                   └──► nudge ──────────────────────────┐  │
//	   └────────────────────────────────────────────────────────┴──┘
//	                       └──► finish
type Loop struct {
	cfg         LoopConfig
	fingerprint *security.FingerprintGuard
	logger      *slog.Logger
}

// NewLoop creates a loop. fingerprint may be nil to disable the leak guard.
func NewLoop(cfg LoopConfig, fingerprint *security.FingerprintGuard) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, fingerprint: fingerprint, logger: logger.With("component", "loop")}
}

// RunInput is a prepared run.
type RunInput struct {
	RunID   string
	Trigger string
	Prompt  string
	System  string
	// History precedes the prompt; it is not modified.
	History []models.Message
	// Tools is the offered set. Calls to anything else are refused.
	Tools    []tools.Tool
	Tier     models.Tier
	ReadOnly bool
	DryRun   bool
	// Skill and SkillSources drive the gathering guard.
	Skill        string
	SkillSources []string
	OnText       func(string)
}

// RunResult is a finished run.
type RunResult struct {
	Text  string
	Trace *models.RunTrace
	// ToolOutputs are the successful tool results, for reference extraction.
	ToolOutputs []string
}

type run struct {
	l     *Loop
	in    RunInput
	trace *models.RunTrace
	tier  models.Tier
	gate  *RunState
	ev    *emitter
	log   *slog.Logger

	messages  []models.Message
	specs     []ToolSpec
	offered   map[string]bool
	claims    *ClaimGuard
	gathering *GatheringGuard

	nudges         int
	hallucinations int
	bumped         bool
	failEscalated  bool
	failures       map[string]int
	outputs        []string
	// succeeded holds tools that ran without error; wrote is set once a
	// mutating call has.
	succeeded map[string]bool
	wrote     bool
}

// Run executes in. A user abort returns a result with OutcomeAbort and no
// error; other failures return a *LoopError with the partial result.
func (l *Loop) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	r := &run{
		l:         l,
		in:        in,
		trace:     newTrace(in.RunID, in.Trigger, in.Prompt, in.Tier, l.cfg.Now()),
		tier:      in.Tier,
		gate:      NewRunState(in.RunID, in.ReadOnly, in.DryRun),
		ev:        newEmitter(in.RunID, l.cfg.Events),
		log:       l.logger.With("run_id", in.RunID),
		offered:   make(map[string]bool, len(in.Tools)),
		claims:    NewClaimGuard(in.Tools),
		gathering: NewGatheringGuard(in.Skill, in.SkillSources),
		failures:  map[string]int{},
		succeeded: map[string]bool{},
	}
	r.messages = make([]models.Message, 0, len(in.History)+8)
	r.messages = append(r.messages, in.History...)
	r.messages = append(r.messages, models.Message{Role: models.RoleUser, Content: in.Prompt, CreatedAt: l.cfg.Now()})
	for _, t := range in.Tools {
		r.offered[t.Name()] = true
		r.specs = append(r.specs, ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}

	r.ev.emit(ctx, Event{Type: EventRunStarted, Detail: string(r.tier)})
	text, err := r.loop(ctx)
	r.trace.FinishedAt = l.cfg.Now()
	r.trace.Tier = r.tier
	if err != nil {
		r.trace.Error = err.Error()
	}
	r.ev.emit(ctx, Event{Type: EventRunFinished, Detail: string(r.trace.Outcome), IsError: err != nil})
	return &RunResult{Text: text, Trace: r.trace, ToolOutputs: r.outputs}, err
}

func (r *run) loop(ctx context.Context) (string, error) {
	cfg := r.l.cfg
	for i := 1; i <= cfg.MaxIterations; i++ {
		r.trace.Iterations = i
		if ctx.Err() != nil {
			return r.abort(), nil
		}
		if i > 1 && cfg.Costs != nil && cfg.Costs.CapReached(ctx) {
			r.log.Warn("daily cost cap reached mid-run", "iteration", i)
			r.trace.CapExceeded = true
			r.trace.Outcome = models.OutcomeCapExceeded
			return capStopText, nil
		}
		r.ev.emit(ctx, Event{Type: EventIterStarted, Iteration: i})

		// prepare
		if n := TrimToolResults(r.messages, MessageBudgetBytes); n > 0 {
			r.log.Debug("trimmed tool results", "bytes", n)
		}
		r.gate.NewResponse()

		// call_llm
		rc, err := cfg.Router.Complete(ctx, r.tier, &CompletionRequest{
			System:    r.in.System,
			Messages:  r.messages,
			Tools:     r.specs,
			MaxTokens: cfg.MaxTokens,
		}, r.in.OnText)
		if err != nil {
			if ctx.Err() != nil {
				return r.abort(), nil
			}
			r.trace.Outcome = models.OutcomeFatalError
			return UserMessage(err), &LoopError{Phase: PhaseCallLLM, Iteration: i, Cause: err}
		}
		r.account(ctx, rc)

		text := security.SanitizeResponse(rc.Text)
		if f := r.l.fingerprint; f != nil {
			if refusal, leaked := f.Check(text); leaked {
				r.log.Warn("system prompt fingerprint in response, refusing")
				r.trace.InjectionWarnings++
				r.guardFired(ctx, "fingerprint")
				r.trace.Outcome = models.OutcomeFinish
				return refusal, nil
			}
		}

		// guards
		if len(rc.ToolCalls) == 0 {
			if nudge, name, ok := r.hallucination(text); ok && r.nudges < maxGuardNudges {
				r.nudge(ctx, name, nudge)
				continue
			}
			r.trace.Outcome = models.OutcomeFinish
			return text, nil
		}

		// dispatch_tools
		r.messages = append(r.messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: rc.ToolCalls,
			CreatedAt: r.l.cfg.Now(),
		})
		results := make([]models.ToolResult, 0, len(rc.ToolCalls))
		for _, call := range rc.ToolCalls {
			res, err := r.dispatch(ctx, i, call)
			if err != nil {
				if ctx.Err() != nil {
					return r.abort(), nil
				}
				r.trace.Outcome = models.OutcomeFatalError
				return UserMessage(err), &LoopError{Phase: PhaseDispatchTools, Iteration: i, Cause: err}
			}
			results = append(results, res)
		}
		// append_results
		r.messages = append(r.messages, models.Message{Role: models.RoleTool, ToolResults: results, CreatedAt: r.l.cfg.Now()})
	}
	r.trace.Outcome = models.OutcomeFatalError
	err := &LoopError{Phase: PhaseFinish, Iteration: cfg.MaxIterations, Cause: ErrMaxIterations}
	return UserMessage(err), err
}

func (r *run) abort() string {
	r.trace.Outcome = models.OutcomeAbort
	r.trace.Error = ErrAborted.Error()
	return abortStopText
}

func (r *run) account(ctx context.Context, rc *RoutedCompletion) {
	r.trace.Provider = rc.Provider
	r.trace.Model = rc.Model
	r.trace.TotalInputTokens += rc.InputTokens
	r.trace.TotalOutputTokens += rc.OutputTokens
	if c := r.l.cfg.Costs; c != nil {
		r.trace.Cost += c.RecordCompletion(ctx, rc.Provider, rc.Model, rc.InputTokens, rc.OutputTokens)
	}
	if rc.Escalated && r.tier != models.TierLudicrous {
		r.setTier(ctx, models.TierLudicrous, "provider chain exhausted")
	}
}

// hallucination runs the text-only guards. Each is only meaningful when
// the response issued no tool call.
func (r *run) hallucination(text string) (nudge, guard string, ok bool) {
	if claim, hit := r.claims.Check(text, r.offered); hit && !r.backed(claim) {
		r.trace.ClaimedActionFires++
		return claim.Nudge(), "claimed_action", true
	}
	if IsFabrication(text, len(r.trace.ToolCalls)) {
		r.trace.FabricationFires++
		return FabricationNudge, "fabrication", true
	}
	return "", "", false
}

// backed reports whether an earlier call in the run already performed
// what the claim describes.
func (r *run) backed(c Claim) bool {
	if c.Tool != "" {
		return r.succeeded[c.Tool]
	}
	return r.wrote
}

// nudge replaces the rejected answer with a marker and asks again.
func (r *run) nudge(ctx context.Context, guard, text string) {
	r.nudges++
	r.hallucinations++
	r.log.Info("hallucination guard fired", "guard", guard, "tier", r.tier)
	r.guardFired(ctx, guard)
	r.messages = append(r.messages,
		models.Message{Role: models.RoleAssistant, Content: retriedMarker, Retried: true, CreatedAt: r.l.cfg.Now()},
		models.Message{Role: models.RoleUser, Content: text, CreatedAt: r.l.cfg.Now()},
	)
	if r.hallucinations >= 2 && r.tier == models.TierMini && !r.bumped {
		r.bumped = true
		r.setTier(ctx, models.TierPower, "repeated hallucination")
	}
}

func (r *run) guardFired(ctx context.Context, guard string) {
	if m := r.l.cfg.Metrics; m != nil {
		m.GuardFires.WithLabelValues(guard).Inc()
	}
	r.ev.emit(ctx, Event{Type: EventGuardFired, Iteration: r.trace.Iterations, Detail: guard})
}

func (r *run) setTier(ctx context.Context, tier models.Tier, why string) {
	if tier == r.tier {
		return
	}
	r.log.Info("tier escalated", "from", r.tier, "to", tier, "reason", why)
	r.tier = tier
	r.trace.Escalated = true
	r.ev.emit(ctx, Event{Type: EventTierChanged, Iteration: r.trace.Iterations, Detail: string(tier)})
}

// dispatch runs one call through the gate and the registry. Refusals and
// tool failures become error results for the model; only approval
// failures (for example a cancelled prompt) are returned as errors.
func (r *run) dispatch(ctx context.Context, iter int, call models.ToolCall) (models.ToolResult, error) {
	rec := models.ToolCallRecord{ID: call.ID, Name: call.Name, Iteration: iter}
	result := func(res *tools.Result) models.ToolResult {
		r.trace.ToolCalls = append(r.trace.ToolCalls, rec)
		return models.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: res.Content, IsError: res.IsError}
	}

	if !r.offered[call.Name] {
		rec.Approval, rec.Reason, rec.IsError = models.ApprovalDenied, ReasonUnknownTool, true
		r.ev.emit(ctx, Event{Type: EventToolBlocked, Iteration: iter, Tool: call.Name, Detail: rec.Reason})
		return result(tools.Errorf("%s is not available for this request", call.Name)), nil
	}
	t, _ := r.l.cfg.Tools.Get(call.Name)
	if t != nil && tools.IsMutatingCall(t, call.Input) {
		if msg, stop := r.gathering.BeforeWrite(); stop {
			rec.Mutating, rec.Approval, rec.Reason, rec.IsError = true, models.ApprovalDenied, "gathering-incomplete", true
			r.guardFired(ctx, "gathering")
			return result(tools.Errorf("%s", msg)), nil
		}
	}

	d, err := r.l.cfg.Gate.Approve(ctx, call, r.gate)
	if err != nil {
		return models.ToolResult{}, err
	}
	rec.Mutating, rec.Target, rec.Approval, rec.Reason = d.Mutating, d.Target, d.Kind, d.Reason
	if !d.Allowed {
		rec.IsError = !d.Simulated
		detail := d.Reason
		if d.Simulated {
			detail = "dry-run"
		}
		r.ev.emit(ctx, Event{Type: EventToolBlocked, Iteration: iter, Tool: call.Name, Detail: detail})
		return result(d.Result), nil
	}

	r.ev.emit(ctx, Event{Type: EventToolStarted, Iteration: iter, Tool: call.Name})
	spanCtx, span := r.l.cfg.Tracer.StartToolCall(ctx, call.Name)
	start := time.Now()
	res, err := r.l.cfg.Tools.Execute(spanCtx, call.Name, call.Input)
	rec.Duration = time.Since(start)
	observability.EndSpan(span, err)
	rec.Executed = true
	switch {
	case err != nil && ctx.Err() != nil:
		return models.ToolResult{}, ctx.Err()
	case err != nil:
		res = tools.Errorf("%s failed: %v", call.Name, err)
	case res == nil:
		res = tools.Text("")
	}
	rec.IsError = res.IsError
	if res.IsError && strings.Contains(res.Content, "memory_write_blocked") {
		rec.Reason = "memory-write-blocked"
	}
	r.recordToolMetric(t, call.Name, res.IsError)
	r.ev.emit(ctx, Event{Type: EventToolFinished, Iteration: iter, Tool: call.Name, IsError: res.IsError})

	if res.IsError {
		r.failures[call.Name]++
		if r.failures[call.Name] > toolFailureLimit && !r.failEscalated {
			r.failEscalated = true
			r.setTier(ctx, r.tier.Escalate(), fmt.Sprintf("%s failed %d times", call.Name, r.failures[call.Name]))
		}
		return result(res), nil
	}

	r.gathering.Succeeded(call.Name)
	r.succeeded[call.Name] = true
	if rec.Mutating {
		r.wrote = true
	}
	r.outputs = append(r.outputs, res.Content)
	wrapped := security.WrapUntrustedWithInjectionScan("tool:"+call.Name, res.Content)
	if wrapped.Flagged() {
		r.trace.InjectionWarnings++
		r.log.Warn("possible prompt injection in tool result", "tool", call.Name, "categories", security.CategoryNames(wrapped.Findings))
		if m := r.l.cfg.Metrics; m != nil {
			m.InjectionWarnings.WithLabelValues("tool_result").Inc()
		}
	}
	return result(&tools.Result{Content: wrapped.Text}), nil
}

func (r *run) recordToolMetric(t tools.Tool, name string, isError bool) {
	m := r.l.cfg.Metrics
	if m == nil {
		return
	}
	origin := ""
	if t != nil {
		origin = string(t.Origin())
	}
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(name, origin, status).Inc()
}

// IsAbort reports whether err means the run was cancelled rather than failed.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
