package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const auditPage = "Chief of Staff/Audit Log"

func trace(start time.Time, prompt string) *models.RunTrace {
	return &models.RunTrace{
		RunID:      "r1",
		Trigger:    "cron",
		Prompt:     prompt,
		StartedAt:  start,
		FinishedAt: start.Add(2500 * time.Millisecond),
		Model:      "gpt-5-mini",
		Iterations: 2,
		ToolCalls:  []models.ToolCallRecord{{Name: "cos_search"}},
		Cost:       0.0123,
		Outcome:    models.OutcomeFinish,
	}
}

func TestFormat(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	got := Format(trace(start, "summarise\n my   week"), time.UTC)
	want := "[[March 2nd, 2026]] 09:05 · gpt-5-mini · 2 iter · 1 tools · 2.5s · $0.0123 · finish (cron) · summarise my week"
	if got != want {
		t.Errorf("Format =\n%q\nwant\n%q", got, want)
	}
	long := Format(trace(start, strings.Repeat("é", 200)), time.UTC)
	if !strings.HasSuffix(long, strings.Repeat("é", previewChars)+"…") {
		t.Errorf("preview not capped: %q", long)
	}
}

func TestRunsAreLoggedNewestFirst(t *testing.T) {
	ctx := context.Background()
	g := graph.NewMemory()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := New(g, auditPage, WithLocation(time.UTC), WithNow(func() time.Time { return now }))

	l.RunFinished(ctx, trace(now, "first"))
	l.RunFinished(ctx, trace(now.Add(time.Minute), "second"))
	l.Close()
	l.RunFinished(ctx, trace(now, "after close"))

	page, err := g.PullPage(ctx, auditPage)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Children) != 2 || !strings.HasSuffix(page.Children[0].String, "second") {
		t.Errorf("entries = %+v", page.Children)
	}
}

func TestTrimRetention(t *testing.T) {
	ctx := context.Background()
	g := graph.NewMemory()
	now := time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)
	l := New(g, auditPage, WithLocation(time.UTC), WithNow(func() time.Time { return now }), WithRetentionDays(14))
	defer l.Close()

	for _, days := range []int{0, 10, 14, 15, 30} {
		if err := l.Write(ctx, trace(now.AddDate(0, 0, -days), "x")); err != nil {
			t.Fatal(err)
		}
	}
	pageUID, _ := graph.EnsurePage(ctx, g, auditPage)
	_, _ = g.CreateBlock(ctx, pageUID, graph.OrderLast, "notes without a date")

	n, err := l.Trim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	page, _ := g.PullPage(ctx, auditPage)
	if len(page.Children) != 4 {
		t.Errorf("remaining = %d, want 4", len(page.Children))
	}
}
