package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/internal/tools"
	"github.com/haasonsaas/cos/pkg/models"
)

// Gate denial reasons.
const (
	ReasonSuspended   = "supply-chain-suspended"
	ReasonReadOnly    = "readonly-mode"
	ReasonRateLimit   = "rate-limit"
	ReasonUnknownTool = "unknown-tool"
	ReasonUserDenied  = "user-denied"
	ReasonNoApprover  = "no-approver"
)

// Default gate caps.
const (
	DefaultMaxCallsPerResponse = 4
	DefaultMaxCallsPerTool     = 5
)

// targetKeys are argument keys naming what a call acts on, in priority order.
var targetKeys = []string{"page_title", "title", "page", "uid", "block_uid", "parent_uid", "file", "path", "entity", "id"}

// ApprovalRequest asks the user to authorise one mutating call.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	Target      string          `json:"target,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApprovalDecision is the user's answer.
type ApprovalDecision struct {
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approver obtains a decision for a request. Implementations block until
// the user answers or ctx ends.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

func (f ApproverFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// PendingApproval is a request delivered by a ChannelApprover.
type PendingApproval struct {
	Request ApprovalRequest
	reply   chan ApprovalDecision
}

// Decide answers the request. Only the first answer counts.
func (p *PendingApproval) Decide(approved bool, reason string) {
	select {
	case p.reply <- ApprovalDecision{Approved: approved, Reason: reason, DecidedAt: time.Now()}:
	default:
	}
}

// ChannelApprover passes requests to a UI goroutine and waits for its
// decision.
type ChannelApprover struct {
	requests chan *PendingApproval
}

// NewChannelApprover creates an approver with a small request buffer.
func NewChannelApprover() *ChannelApprover {
	return &ChannelApprover{requests: make(chan *PendingApproval, 1)}
}

// Requests yields pending approvals for the UI to answer.
func (a *ChannelApprover) Requests() <-chan *PendingApproval { return a.requests }

func (a *ChannelApprover) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	p := &PendingApproval{Request: req, reply: make(chan ApprovalDecision, 1)}
	select {
	case a.requests <- p:
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
	select {
	case d := <-p.reply:
		return d, nil
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
}

// SuspensionChecker reports whether a pinned server is suspended and, if so,
// summarises the schema change that suspended it.
type SuspensionChecker interface {
	SuspensionSummary(key string) (string, bool)
}

// Decision is the gate's verdict for one call.
type Decision struct {
	Allowed bool
	Kind    models.ApprovalKind
	Reason  string
	// Simulated is set for dry-run calls; Result holds the simulated output.
	Simulated bool
	Mutating  bool
	Target    string
	// Result is returned to the model instead of executing the tool.
	Result *tools.Result
}

// GateConfig configures a Gate.
type GateConfig struct {
	Tools    *tools.Registry
	Approver Approver
	// Suspensions is usually the MCP pin store; nil means nothing is suspended.
	Suspensions         SuspensionChecker
	MaxCallsPerResponse int
	MaxCallsPerTool     int
	// ReadOnlyAllowlist names mutating tools that pass without approval.
	ReadOnlyAllowlist []string
	// OnDecision observes every decision, for usage stats.
	OnDecision func(call models.ToolCall, d Decision)
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Gate mediates every tool call. Approvals live only in a RunState and
// never outlast a run.
type Gate struct {
	cfg       GateConfig
	allowlist map[string]bool
	logger    *slog.Logger
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) *Gate {
	if cfg.MaxCallsPerResponse <= 0 {
		cfg.MaxCallsPerResponse = DefaultMaxCallsPerResponse
	}
	if cfg.MaxCallsPerTool <= 0 {
		cfg.MaxCallsPerTool = DefaultMaxCallsPerTool
	}
	allow := make(map[string]bool, len(cfg.ReadOnlyAllowlist))
	for _, n := range cfg.ReadOnlyAllowlist {
		allow[strings.TrimSpace(n)] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, allowlist: allow, logger: logger.With("component", "gate")}
}

// RunState is the per-run gate bookkeeping.
type RunState struct {
	RunID    string
	ReadOnly bool
	DryRun   bool

	mu          sync.Mutex
	perResponse int
	perTool     map[string]int
	approved    map[string]bool
}

// NewRunState creates state for one run.
func NewRunState(runID string, readOnly, dryRun bool) *RunState {
	return &RunState{RunID: runID, ReadOnly: readOnly, DryRun: dryRun, perTool: map[string]int{}, approved: map[string]bool{}}
}

// NewResponse resets the per-response counter.
func (s *RunState) NewResponse() {
	s.mu.Lock()
	s.perResponse = 0
	s.mu.Unlock()
}

// count charges one call and reports whether the caps still allow it.
func (s *RunState) count(tool string, perResponse, perTool int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perResponse >= perResponse || s.perTool[tool] >= perTool {
		return false
	}
	s.perResponse++
	s.perTool[tool]++
	return true
}

// takeDryRun disarms dry-run and reports whether it was armed. Only the
// first mutating call of a run is simulated.
func (s *RunState) takeDryRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := s.DryRun
	s.DryRun = false
	return armed
}

func (s *RunState) grant(key string) {
	s.mu.Lock()
	s.approved[key] = true
	s.mu.Unlock()
}

func (s *RunState) granted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approved[key]
}

// Approve decides whether call may run.
func (g *Gate) Approve(ctx context.Context, call models.ToolCall, run *RunState) (Decision, error) {
	d, err := g.decide(ctx, call, run)
	if err != nil {
		return d, err
	}
	if d.Allowed {
		g.logger.Debug("tool call allowed", "tool", call.Name, "kind", d.Kind, "target", d.Target)
	} else {
		g.logger.Info("tool call blocked", "tool", call.Name, "reason", d.Reason, "simulated", d.Simulated)
	}
	if m := g.cfg.Metrics; m != nil {
		label := "allowed"
		if !d.Allowed {
			label = "denied"
		}
		reason := d.Reason
		if reason == "" {
			reason = string(d.Kind)
		}
		m.Approvals.WithLabelValues(label, reason).Inc()
	}
	if g.cfg.OnDecision != nil {
		g.cfg.OnDecision(call, d)
	}
	return d, nil
}

func (g *Gate) decide(ctx context.Context, call models.ToolCall, run *RunState) (Decision, error) {
	t, ok := g.cfg.Tools.Get(call.Name)
	if !ok {
		return deny(ReasonUnknownTool, tools.Errorf("%v: %s", tools.ErrNotFound, call.Name)), nil
	}
	mutating := tools.IsMutatingCall(t, call.Input)
	target := ExtractTarget(call.Input)

	if key := tools.ServerKeyForCall(t, call.Input); key != "" && g.cfg.Suspensions != nil {
		if summary, suspended := g.cfg.Suspensions.SuspensionSummary(key); suspended {
			return deny(ReasonSuspended, tools.Errorf(
				"%s is suspended: the server's tool schemas changed since they were pinned (%s). Ask the user to review it with accept-pin or reject-pin.", key, summary)), nil
		}
	}
	if mutating && run.takeDryRun() {
		return Decision{
			Kind:      models.ApprovalSimulated,
			Reason:    "dry-run",
			Simulated: true,
			Mutating:  true,
			Target:    target,
			Result:    tools.Text(fmt.Sprintf("[dry-run] %s was not executed. Arguments: %s", call.Name, compactJSON(call.Input))),
		}, nil
	}
	if run.ReadOnly && t.Mutating() != tools.MutatingFalse {
		return deny(ReasonReadOnly, tools.Errorf("%s is not available in read-only mode", call.Name)), nil
	}
	if !run.count(call.Name, g.cfg.MaxCallsPerResponse, g.cfg.MaxCallsPerTool) {
		return deny(ReasonRateLimit, tools.Errorf(
			"rate limit: at most %d tool calls per response and %d calls to %s per request",
			g.cfg.MaxCallsPerResponse, g.cfg.MaxCallsPerTool, call.Name)), nil
	}
	if !mutating || g.allowlist[call.Name] {
		return Decision{Allowed: true, Kind: models.ApprovalReadOnly, Mutating: mutating, Target: target}, nil
	}
	grantKey := call.Name + "\x00" + target
	if target != "" && run.granted(grantKey) {
		return Decision{Allowed: true, Kind: models.ApprovalAuto, Mutating: true, Target: target}, nil
	}
	if g.cfg.Approver == nil {
		return deny(ReasonNoApprover, tools.Errorf("%s needs approval and no approver is available", call.Name)), nil
	}
	ans, err := g.cfg.Approver.RequestApproval(ctx, ApprovalRequest{
		ID:          uuid.NewString(),
		RunID:       run.RunID,
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Description: t.Description(),
		Target:      target,
		Input:       call.Input,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("approval for %s: %w", call.Name, err)
	}
	if !ans.Approved {
		msg := "The user declined this action."
		if ans.Reason != "" {
			msg += " " + ans.Reason
		}
		d := deny(ReasonUserDenied, tools.Errorf("%s", msg))
		d.Mutating, d.Target = true, target
		return d, nil
	}
	if target != "" {
		run.grant(grantKey)
	}
	return Decision{Allowed: true, Kind: models.ApprovalGranted, Mutating: true, Target: target}, nil
}

func deny(reason string, res *tools.Result) Decision {
	return Decision{Kind: models.ApprovalDenied, Reason: reason, Result: res}
}

// ExtractTarget returns the first non-empty target argument of a call.
func ExtractTarget(args json.RawMessage) string {
	var m map[string]any
	if len(args) == 0 || json.Unmarshal(args, &m) != nil {
		return ""
	}
	for _, k := range targetKeys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprint(v)
		}
	}
	return ""
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}
