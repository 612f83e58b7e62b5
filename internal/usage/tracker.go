package usage

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/debounce"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/pkg/models"
)

const (
	DefaultHistoryDays = 90
	DefaultSaveDelay   = 3 * time.Second
	dayLayout          = "2006-01-02"
)

// ModelCost is one model's share of a day.
type ModelCost struct {
	Usage
	Calls int     `json:"calls"`
	Cost  float64 `json:"cost"`
}

// DayCost is the spend rollup of one local day.
type DayCost struct {
	Date string `json:"date"`
	Usage
	Cost   float64              `json:"cost"`
	Models map[string]ModelCost `json:"models,omitempty"`
}

// DayStats are the per-day counters written to the usage stats page.
type DayStats struct {
	Date               string         `json:"date"`
	AgentRuns          int            `json:"agent_runs"`
	ToolCalls          map[string]int `json:"tool_calls,omitempty"`
	ApprovalsGranted   int            `json:"approvals_granted"`
	ApprovalsDenied    int            `json:"approvals_denied"`
	InjectionWarnings  int            `json:"injection_warnings"`
	ClaimedActionFires int            `json:"claimed_action_fires"`
	TierEscalations    int            `json:"tier_escalations"`
	MemoryWriteBlocks  int            `json:"memory_write_blocks"`
}

// TotalToolCalls sums the per-tool counts.
func (s DayStats) TotalToolCalls() int {
	n := 0
	for _, c := range s.ToolCalls {
		n += c
	}
	return n
}

// StatsWriter publishes a day's counters, usually to the stats page.
type StatsWriter interface {
	WriteDay(ctx context.Context, day time.Time, stats DayStats) error
}

// Tracker prices completions, enforces the daily cap and keeps per-day
// history. Writes to the settings store are debounced; Close flushes.
type Tracker struct {
	store       kv.Store
	pricing     Pricing
	historyDays int
	stats       StatsWriter
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	session  Usage
	spent    float64
	cap      float64
	costs    map[string]DayCost
	days     map[string]DayStats
	dirty    map[string]bool
	unpriced map[string]bool

	saver *debounce.Trigger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithPricing(p Pricing) Option {
	return func(t *Tracker) {
		if len(p) > 0 {
			t.pricing = p
		}
	}
}

// WithHistoryDays bounds how many days of cost and stats are kept.
func WithHistoryDays(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.historyDays = n
		}
	}
}

// WithDailyCap sets the initial cap; a cap saved in the store wins.
func WithDailyCap(usd float64) Option {
	return func(t *Tracker) { t.cap = usd }
}

// WithStatsWriter publishes each changed day when the tracker saves.
func WithStatsWriter(w StatsWriter) Option {
	return func(t *Tracker) { t.stats = w }
}

func WithSaveDelay(d time.Duration) Option {
	return func(t *Tracker) { t.saver = debounce.NewTrigger(d, t.save) }
}

func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l.With("component", "usage")
		}
	}
}

// NewTracker creates a tracker backed by store. Call Load to restore
// saved history.
func NewTracker(store kv.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:       store,
		pricing:     DefaultPricing(),
		historyDays: DefaultHistoryDays,
		loc:         time.Local,
		now:         time.Now,
		logger:      slog.Default().With("component", "usage"),
		costs:       map[string]DayCost{},
		days:        map[string]DayStats{},
		dirty:       map[string]bool{},
		unpriced:    map[string]bool{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.saver == nil {
		t.saver = debounce.NewTrigger(DefaultSaveDelay, t.save)
	}
	return t
}

// Load restores cost history, usage stats and the daily cap.
func (t *Tracker) Load(ctx context.Context) error {
	costs, _, err := kv.GetJSON[map[string]DayCost](ctx, t.store, kv.KeyCostHistory)
	if err != nil {
		return fmt.Errorf("load cost history: %w", err)
	}
	days, _, err := kv.GetJSON[map[string]DayStats](ctx, t.store, kv.KeyUsageStats)
	if err != nil {
		return fmt.Errorf("load usage stats: %w", err)
	}
	limit, ok, err := kv.GetJSON[float64](ctx, t.store, kv.KeyDailyCap)
	if err != nil {
		return fmt.Errorf("load daily cap: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if costs != nil {
		t.costs = costs
	}
	if days != nil {
		t.days = days
	}
	if ok {
		t.cap = limit
	}
	t.pruneLocked()
	return nil
}

func (t *Tracker) dayKey(at time.Time) string { return at.In(t.loc).Format(dayLayout) }

// RecordCompletion implements agent.CostMeter.
func (t *Tracker) RecordCompletion(_ context.Context, provider models.Provider, model string, inputTokens, outputTokens int) float64 {
	u := Usage{InputTokens: int64(inputTokens), OutputTokens: int64(outputTokens)}
	price, ok := t.pricing.For(model)

	t.mu.Lock()
	if !ok && !t.unpriced[model] {
		t.unpriced[model] = true
		t.logger.Warn("no price for model, counting it as free", "provider", provider, "model", model)
	}
	cost := price.Estimate(&u)
	key := t.dayKey(t.now())
	day := t.costs[key]
	day.Date = key
	day.Add(&u)
	day.Cost += cost
	if day.Models == nil {
		day.Models = map[string]ModelCost{}
	}
	mc := day.Models[model]
	mc.Add(&u)
	mc.Calls++
	mc.Cost += cost
	day.Models[model] = mc
	t.costs[key] = day
	t.session.Add(&u)
	t.spent += cost
	t.mu.Unlock()

	t.saver.Poke()
	return cost
}

// CapReached implements agent.CostMeter.
func (t *Tracker) CapReached(context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cap > 0 && t.costs[t.dayKey(t.now())].Cost >= t.cap
}

// RunFinished implements agent.RunObserver.
func (t *Tracker) RunFinished(_ context.Context, trace *models.RunTrace) {
	if trace == nil {
		return
	}
	t.mu.Lock()
	key := t.dayKey(trace.StartedAt)
	s := t.days[key]
	s.Date = key
	s.AgentRuns++
	for _, c := range trace.ToolCalls {
		if c.Executed {
			if s.ToolCalls == nil {
				s.ToolCalls = map[string]int{}
			}
			s.ToolCalls[c.Name]++
		}
		switch {
		case c.Approval == models.ApprovalGranted:
			s.ApprovalsGranted++
		case c.Reason == agent.ReasonUserDenied:
			s.ApprovalsDenied++
		}
		if c.Reason == "memory-write-blocked" {
			s.MemoryWriteBlocks++
		}
	}
	s.InjectionWarnings += trace.InjectionWarnings
	s.ClaimedActionFires += trace.ClaimedActionFires
	if trace.Escalated {
		s.TierEscalations++
	}
	t.days[key] = s
	t.dirty[key] = true
	t.mu.Unlock()

	t.saver.Poke()
}

// SetDailyCap changes and persists the cap. Zero removes it.
func (t *Tracker) SetDailyCap(ctx context.Context, usd float64) error {
	if usd < 0 {
		return fmt.Errorf("daily cap must not be negative")
	}
	t.mu.Lock()
	t.cap = usd
	t.mu.Unlock()
	return kv.SetJSON(ctx, t.store, kv.KeyDailyCap, usd)
}

// DailyCap returns the cap in USD, zero when unset.
func (t *Tracker) DailyCap() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cap
}

// Session returns tokens and spend of this process.
func (t *Tracker) Session() (Usage, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session, t.spent
}

// Today returns today's spend.
func (t *Tracker) Today() DayCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.dayKey(t.now())
	d := t.costs[key]
	d.Date = key
	d.Models = maps.Clone(d.Models)
	return d
}

// History returns the kept days, newest first.
func (t *Tracker) History() []DayCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DayCost, 0, len(t.costs))
	for _, k := range slices.Sorted(maps.Keys(t.costs)) {
		d := t.costs[k]
		d.Models = maps.Clone(d.Models)
		out = append(out, d)
	}
	slices.Reverse(out)
	return out
}

// Stats returns the counters of the day containing at.
func (t *Tracker) Stats(at time.Time) DayStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.dayKey(at)
	s := t.days[key]
	s.Date = key
	s.ToolCalls = maps.Clone(s.ToolCalls)
	return s
}

// Reset clears session totals and usage counters. Cost history is kept
// so the daily cap still holds.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	t.session, t.spent = Usage{}, 0
	t.days = map[string]DayStats{}
	t.dirty = map[string]bool{}
	t.mu.Unlock()
	return t.store.Delete(ctx, kv.KeyUsageStats)
}

// Flush writes pending changes now.
func (t *Tracker) Flush() { t.saver.Flush() }

// Close flushes and stops the debounced writer.
func (t *Tracker) Close() { t.saver.Stop() }

func (t *Tracker) pruneLocked() {
	cutoff := t.dayKey(t.now().AddDate(0, 0, -t.historyDays))
	for k := range t.costs {
		if k < cutoff {
			delete(t.costs, k)
		}
	}
	for k := range t.days {
		if k < cutoff {
			delete(t.days, k)
		}
	}
}

func (t *Tracker) save() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.mu.Lock()
	t.pruneLocked()
	costs := maps.Clone(t.costs)
	days := maps.Clone(t.days)
	dirty := slices.Sorted(maps.Keys(t.dirty))
	t.dirty = map[string]bool{}
	t.mu.Unlock()

	if err := kv.SetJSON(ctx, t.store, kv.KeyCostHistory, costs); err != nil {
		t.logger.Warn("cost history not saved", "error", err)
	}
	if err := kv.SetJSON(ctx, t.store, kv.KeyUsageStats, days); err != nil {
		t.logger.Warn("usage stats not saved", "error", err)
	}
	if t.stats == nil {
		return
	}
	for _, key := range dirty {
		day, err := time.ParseInLocation(dayLayout, key, t.loc)
		if err != nil {
			continue
		}
		if err := t.stats.WriteDay(ctx, day, days[key]); err != nil {
			t.logger.Warn("usage stats page not updated", "day", key, "error", err)
		}
	}
}

var (
	_ agent.CostMeter   = (*Tracker)(nil)
	_ agent.RunObserver = (*Tracker)(nil)
)
