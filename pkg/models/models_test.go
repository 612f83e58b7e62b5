package models

import "testing"

func TestTierEscalateAndOrder(t *testing.T) {
	if TierMini.Escalate() != TierPower || TierPower.Escalate() != TierLudicrous || TierLudicrous.Escalate() != TierLudicrous {
		t.Error("Escalate ladder broken")
	}
	if TierMini.Max(TierPower) != TierPower || TierLudicrous.Min(TierPower) != TierPower {
		t.Error("Max/Min ordering broken")
	}
	if tier, ok := ParseTier(" Power "); !ok || tier != TierPower {
		t.Errorf("ParseTier = %v, %v", tier, ok)
	}
	if _, ok := ParseTier("turbo"); ok {
		t.Error("ParseTier accepted unknown tier")
	}
}

func TestRunTraceCounters(t *testing.T) {
	tr := RunTrace{ToolCalls: []ToolCallRecord{
		{Name: "a", Executed: true},
		{Name: "a", Executed: true},
		{Name: "b", Executed: true, IsError: true},
		{Name: "c", Executed: false},
	}}
	if got := tr.UniqueTools(); got != 3 {
		t.Errorf("UniqueTools = %d, want 3", got)
	}
	if got := tr.UniqueSuccessfulTools(); got != 1 {
		t.Errorf("UniqueSuccessfulTools = %d, want 1", got)
	}
	if got := len(tr.ExecutedCalls()); got != 3 {
		t.Errorf("ExecutedCalls = %d, want 3", got)
	}
}
