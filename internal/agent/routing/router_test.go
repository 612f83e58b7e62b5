package routing

import (
	"testing"

	"github.com/haasonsaas/cos/pkg/models"
)

func TestRouteTiers(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want models.Tier
	}{
		{"greeting", Input{Prompt: "hi there"}, models.TierMini},
		{"zero tools with complexity", Input{Prompt: "should I weigh the pros and cons of moving, first think then finally decide, compared to last year"}, models.TierMini},
		{"single lookup", Input{Prompt: "what's on my calendar today"}, models.TierMini},
		{"multi tool chain", Input{Prompt: "first read my email, then check my calendar and tasks and compare"}, models.TierPower},
		{"routed mcp promotes", Input{Prompt: "hi", RoutedMCP: true}, models.TierPower},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(Config{})
			if got := r.Route(tt.in); got.Tier != tt.want {
				t.Errorf("Route() tier = %s (score %.3f, signals %v), want %s", got.Tier, got.Score, got.Signals, tt.want)
			}
		})
	}
}

func TestThresholdBoundaryPicksLowerTier(t *testing.T) {
	r := NewRouter(Config{PowerThreshold: 0.45, LudicrousThreshold: 0.8})
	tests := map[float64]models.Tier{
		0:      models.TierMini,
		0.45:   models.TierMini,
		0.4501: models.TierPower,
		0.8:    models.TierPower,
		0.8001: models.TierLudicrous,
		1:      models.TierLudicrous,
	}
	for score, want := range tests {
		if got := r.tierFor(score); got != want {
			t.Errorf("tierFor(%v) = %s, want %s", score, got, want)
		}
	}
}

func TestSkillCeiling(t *testing.T) {
	r := NewRouter(Config{})
	for range 3 {
		r.Push(TurnStats{SuccessfulUnique: 3, Escalated: true})
	}
	in := Input{
		Prompt:       "run weekly review: first compare [[Q1]] vs [[Q2]], then decide, trends over the past month",
		Skill:        "Weekly Review",
		SkillSources: []string{"a", "b", "c", "d", "e"},
	}
	d := r.Route(in)
	if d.Score <= DefaultLudicrousThreshold {
		t.Fatalf("score = %.3f, expected a ludicrous-range score for this test", d.Score)
	}
	if d.Tier != models.TierPower || !d.Capped {
		t.Errorf("tier = %s capped = %v, want power capped", d.Tier, d.Capped)
	}
	if d.ToolCount != 5 {
		t.Errorf("tool count = %d, want skill source count", d.ToolCount)
	}
}

func TestComplexFollowupNeedsSuccessfulUniqueTools(t *testing.T) {
	r := NewRouter(Config{})
	// A retry loop: many calls and iterations but one distinct successful tool.
	r.Push(TurnStats{ToolCalls: 12, UniqueTools: 4, SuccessfulUnique: 1, Iterations: 10, Escalated: true})
	d := r.Route(Input{Prompt: "and my email?"})
	if d.Trajectory != 0 {
		t.Errorf("trajectory = %.2f, want 0 for retry-inflated turn", d.Trajectory)
	}

	r.Push(TurnStats{ToolCalls: 2, UniqueTools: 2, SuccessfulUnique: 2, Iterations: 3})
	d = r.Route(Input{Prompt: "and my email?"})
	if d.Trajectory == 0 {
		t.Fatal("expected complex_followup after two successful distinct tools")
	}
	found := false
	for _, s := range d.Signals {
		found = found || s == "complex_followup"
	}
	if !found {
		t.Errorf("signals = %v", d.Signals)
	}
}

func TestTrajectoryWindowEvicts(t *testing.T) {
	r := NewRouter(Config{TrajectoryWindow: 3})
	r.Push(TurnStats{SuccessfulUnique: 5})
	for range 3 {
		r.Push(TurnStats{SuccessfulUnique: 1})
	}
	if n := len(r.Window()); n != 3 {
		t.Fatalf("window = %d", n)
	}
	if d := r.Route(Input{Prompt: "email"}); d.Trajectory != 0 {
		t.Errorf("evicted turn still scored: %.2f", d.Trajectory)
	}
	r.Reset()
	if len(r.Window()) != 0 {
		t.Error("Reset kept turns")
	}
}

func TestRecordFromTrace(t *testing.T) {
	r := NewRouter(Config{})
	r.Record(&models.RunTrace{Iterations: 2, ToolCalls: []models.ToolCallRecord{
		{Name: "cos_search", Executed: true},
		{Name: "cos_get_page", Executed: true},
		{Name: "cos_get_page", Executed: true, IsError: true},
	}})
	w := r.Window()
	if len(w) != 1 || w[0].ToolCalls != 3 || w[0].SuccessfulUnique != 2 || w[0].UniqueTools != 2 {
		t.Errorf("window = %+v", w)
	}
}

// Appending complexity signals to a prompt never lowers its tier on a
// fixed trajectory.
func TestRoutingMonotonicInComplexity(t *testing.T) {
	bases := []string{
		"hi",
		"check my email",
		"check my email and calendar",
		"summarise my email, calendar, tasks and slack messages",
		"look at [[Project A]] and [[Project B]] pages",
	}
	suffixes := []string{
		" and compare them",
		", first gather context then finally summarise",
		". Should I weigh the trade-offs?",
		" since last quarter",
		" compare [[X]] versus [[Y]], first this then that, should I decide, over the past year",
	}
	trajectories := [][]TurnStats{
		nil,
		{{SuccessfulUnique: 1, ToolCalls: 9}},
		{{SuccessfulUnique: 2}, {SuccessfulUnique: 3, Escalated: true}},
	}
	for ti, traj := range trajectories {
		r := NewRouter(Config{})
		for _, s := range traj {
			r.Push(s)
		}
		for _, base := range bases {
			prev := r.Route(Input{Prompt: base})
			for _, suffix := range suffixes {
				got := r.Route(Input{Prompt: base + suffix})
				if got.Tier.Rank() < prev.Tier.Rank() || got.Score < prev.Score {
					t.Errorf("trajectory %d: %q -> %q lowered %s(%.3f) to %s(%.3f)",
						ti, base, base+suffix, prev.Tier, prev.Score, got.Tier, got.Score)
				}
			}
		}
	}
}
