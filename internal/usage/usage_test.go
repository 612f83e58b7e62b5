package usage

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCostEstimate(t *testing.T) {
	c := Cost{Input: 3, Output: 15}
	got := c.Estimate(&Usage{InputTokens: 1000, OutputTokens: 500})
	if !near(got, 0.0105) {
		t.Errorf("Estimate = %v, want 0.0105", got)
	}
}

func TestPricingPrefixFallback(t *testing.T) {
	p := DefaultPricing()
	tests := []struct {
		model string
		want  Cost
		ok    bool
	}{
		{"gpt-5", Cost{Input: 1.25, Output: 10}, true},
		{"gpt-5-mini-2025-08-07", Cost{Input: 0.25, Output: 2}, true},
		{"claude-sonnet-4-5-20250929", Cost{Input: 3, Output: 15}, true},
		{"llama-3", Cost{}, false},
	}
	for _, tt := range tests {
		got, ok := p.For(tt.model)
		if ok != tt.ok || got != tt.want {
			t.Errorf("For(%q) = %+v, %v", tt.model, got, ok)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{FormatTokenCount(999), "999"},
		{FormatTokenCount(1500), "1.5k"},
		{FormatTokenCount(25_000), "25k"},
		{FormatTokenCount(2_500_000), "2.5m"},
		{FormatUSD(0), "$0.00"},
		{FormatUSD(0.004), "$0.0040"},
		{FormatUSD(1.234), "$1.23"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestTracker(t *testing.T, store kv.Store, c *clock, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithLocation(time.UTC), WithNow(c.now), WithSaveDelay(time.Hour)}, opts...)
	tr := NewTracker(store, opts...)
	t.Cleanup(tr.Close)
	return tr
}

func TestTrackerDailyCap(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)}
	tr := newTestTracker(t, kv.NewMemory(), c, WithDailyCap(0.02))

	cost := tr.RecordCompletion(ctx, models.ProviderAnthropic, "claude-sonnet-4-5", 1000, 1000)
	if !near(cost, 0.018) || tr.CapReached(ctx) {
		t.Fatalf("cost = %v, cap reached = %v", cost, tr.CapReached(ctx))
	}
	tr.RecordCompletion(ctx, models.ProviderAnthropic, "claude-sonnet-4-5", 1000, 0)
	if !tr.CapReached(ctx) {
		t.Error("cap not reached at $0.021")
	}

	// A new day starts under the cap.
	c.t = c.t.Add(2 * time.Hour)
	if tr.CapReached(ctx) {
		t.Error("cap carried into the next day")
	}
	if err := tr.SetDailyCap(ctx, -1); err == nil {
		t.Error("negative cap accepted")
	}
}

func TestTrackerPersistsAndPrunes(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(t, store, c, WithHistoryDays(30))
	tr.RecordCompletion(ctx, models.ProviderOpenAI, "gpt-5", 1_000_000, 0)
	c.t = c.t.AddDate(0, 0, 40)
	tr.RecordCompletion(ctx, models.ProviderOpenAI, "gpt-5-mini", 1_000_000, 0)
	if err := tr.SetDailyCap(ctx, 5); err != nil {
		t.Fatal(err)
	}
	tr.Flush()

	restored := newTestTracker(t, store, c, WithHistoryDays(30))
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	hist := restored.History()
	if len(hist) != 1 || hist[0].Date != "2026-02-10" {
		t.Fatalf("history = %+v", hist)
	}
	want := map[string]ModelCost{"gpt-5-mini": {Usage: Usage{InputTokens: 1_000_000}, Calls: 1, Cost: 0.25}}
	if diff := cmp.Diff(want, hist[0].Models); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}
	if restored.DailyCap() != 5 {
		t.Errorf("cap = %v", restored.DailyCap())
	}
}

type recordingStats struct {
	days []DayStats
}

func (r *recordingStats) WriteDay(_ context.Context, _ time.Time, s DayStats) error {
	r.days = append(r.days, s)
	return nil
}

func TestTrackerRunStats(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	rs := &recordingStats{}
	tr := newTestTracker(t, kv.NewMemory(), c, WithStatsWriter(rs))

	tr.RunFinished(ctx, &models.RunTrace{
		StartedAt: c.t,
		ToolCalls: []models.ToolCallRecord{
			{Name: "cos_search", Executed: true, Approval: models.ApprovalReadOnly},
			{Name: "cos_update_block", Executed: true, Approval: models.ApprovalGranted},
			{Name: "cos_delete_block", Approval: models.ApprovalDenied, Reason: agent.ReasonUserDenied},
			{Name: "cos_update_memory", Executed: true, IsError: true, Reason: "memory-write-blocked"},
		},
		InjectionWarnings:  2,
		ClaimedActionFires: 1,
		Escalated:          true,
	})
	tr.Flush()

	want := DayStats{
		Date:               "2026-03-02",
		AgentRuns:          1,
		ToolCalls:          map[string]int{"cos_search": 1, "cos_update_block": 1, "cos_update_memory": 1},
		ApprovalsGranted:   1,
		ApprovalsDenied:    1,
		InjectionWarnings:  2,
		ClaimedActionFires: 1,
		TierEscalations:    1,
		MemoryWriteBlocks:  1,
	}
	if diff := cmp.Diff(want, tr.Stats(c.t)); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
	if len(rs.days) != 1 {
		t.Errorf("stats writes = %d", len(rs.days))
	}

	if err := tr.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.Stats(c.t).AgentRuns != 0 {
		t.Error("reset kept counters")
	}
}

func TestStatsPageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := graph.NewMemory()
	p := NewStatsPage(g, "Chief of Staff/Usage Stats", time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	for runs := 1; runs <= 3; runs++ {
		if err := p.WriteDay(ctx, day, DayStats{AgentRuns: runs, ToolCalls: map[string]int{"cos_search": runs}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.WriteDay(ctx, day.AddDate(0, 0, 1), DayStats{AgentRuns: 1}); err != nil {
		t.Fatal(err)
	}
	page, _ := g.PullPage(ctx, "Chief of Staff/Usage Stats")
	if len(page.Children) != 2 {
		t.Fatalf("blocks = %d, want 2", len(page.Children))
	}
	if !strings.HasPrefix(page.Children[0].String, graph.DateLink(day.AddDate(0, 0, 1))) {
		t.Errorf("newest day not first: %q", page.Children[0].String)
	}
	if !strings.Contains(page.Children[1].String, "runs: 3") || !strings.Contains(page.Children[1].String, "cos_search×3") {
		t.Errorf("day block = %q", page.Children[1].String)
	}
}
