package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryTreeOperations(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	pageUID, err := g.CreatePage(ctx, "Projects")
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if again, _ := g.CreatePage(ctx, "Projects"); again != pageUID {
		t.Errorf("CreatePage not idempotent: %s vs %s", again, pageUID)
	}
	a, _ := g.CreateBlock(ctx, pageUID, OrderLast, "alpha")
	b, _ := g.CreateBlock(ctx, pageUID, OrderFirst, "beta")
	child, _ := g.CreateBlock(ctx, a, OrderLast, "alpha child")

	page, err := g.PullPage(ctx, "Projects")
	if err != nil {
		t.Fatalf("PullPage: %v", err)
	}
	if len(page.Children) != 2 || page.Children[0].UID != b || page.Children[1].UID != a {
		t.Fatalf("children order = %+v", page.Children)
	}
	if got := Render(page.Children); got != "- beta\n- alpha\n  - alpha child\n" {
		t.Errorf("Render = %q", got)
	}

	if err := g.MoveBlock(ctx, child, pageUID, OrderLast); err != nil {
		t.Fatalf("MoveBlock: %v", err)
	}
	if err := g.MoveBlock(ctx, a, child, OrderLast); err != nil {
		t.Errorf("moving a block under a former child should be allowed after the move: %v", err)
	}
	if err := g.MoveBlock(ctx, child, a, OrderLast); err == nil {
		t.Error("expected cycle rejection")
	}
	if title, _ := g.PageOf(ctx, a); title != "Projects" {
		t.Errorf("PageOf = %q", title)
	}

	if err := g.DeleteBlock(ctx, child); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if _, err := g.PullBlock(ctx, a); !errors.Is(err, ErrNotFound) {
		t.Errorf("descendant survived delete: %v", err)
	}
}

func TestMemoryWatchDeliversBeforeAfter(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	uid, _ := g.CreatePage(ctx, "Inbox")
	var events []WatchEvent
	stop, _ := g.Watch(ctx, "Inbox", func(ev WatchEvent) { events = append(events, ev) })

	blk, _ := g.CreateBlock(ctx, uid, OrderLast, "call Sam")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if len(events[0].Before.Children) != 0 || len(events[0].After.Children) != 1 {
		t.Errorf("before/after = %d/%d children", len(events[0].Before.Children), len(events[0].After.Children))
	}

	other, _ := g.CreatePage(ctx, "Elsewhere")
	_ = g.MoveBlock(ctx, blk, other, OrderLast)
	if len(events) != 2 || len(events[1].After.Children) != 0 {
		t.Errorf("move out of watched page not observed: %+v", events)
	}

	stop()
	_, _ = g.CreateBlock(ctx, uid, OrderLast, "after stop")
	if len(events) != 2 {
		t.Errorf("stopped watcher still called")
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	g := NewMemory()
	uid, _ := g.CreatePage(ctx, "Notes")
	_, _ = g.CreateBlock(ctx, uid, OrderLast, "Quarterly Budget review")
	_, _ = g.CreateBlock(ctx, uid, OrderLast, "unrelated")
	hits, err := g.Search(ctx, "budget", 10)
	if err != nil || len(hits) != 1 || hits[0].PageTitle != "Notes" {
		t.Errorf("Search = %+v, %v", hits, err)
	}
}

func TestQueryUnsupportedByDefault(t *testing.T) {
	g := NewMemory()
	if _, err := g.Query(context.Background(), "[:find ?e :where [?e :node/title]]"); !errors.Is(err, ErrUnsupportedQuery) {
		t.Errorf("Query err = %v", err)
	}
	g.QueryFunc = func(string, []any) ([][]any, error) { return [][]any{{"x"}}, nil }
	rows, err := g.Query(context.Background(), "q")
	if err != nil || len(rows) != 1 {
		t.Errorf("Query with func = %v, %v", rows, err)
	}
}

func TestWithRetryRetriesTransientWrites(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	page, _ := mem.CreatePage(ctx, "P")
	fails := 2
	mem.FailWrites = func(op string) error {
		if op == "create-block" && fails > 0 {
			fails--
			return ErrTransient
		}
		return nil
	}
	g := WithRetry(mem, 3)
	if _, err := g.CreateBlock(ctx, page, OrderLast, "x"); err != nil {
		t.Fatalf("CreateBlock with retry: %v", err)
	}

	calls := 0
	mem.FailWrites = func(string) error { calls++; return errors.New("permission denied") }
	if err := g.UpdateBlock(ctx, "nope", "y"); err == nil || calls != 1 {
		t.Errorf("permanent error retried: calls=%d err=%v", calls, err)
	}
}

func TestDateTitles(t *testing.T) {
	cases := map[string]time.Time{
		"October 14th, 2026":  time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
		"January 1st, 2026":   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"March 22nd, 2026":    time.Date(2026, 3, 22, 0, 0, 0, 0, time.UTC),
		"May 23rd, 2026":      time.Date(2026, 5, 23, 0, 0, 0, 0, time.UTC),
		"June 11th, 2026":     time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC),
		"December 31st, 2025": time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	for want, at := range cases {
		if got := DateTitle(at); got != want {
			t.Errorf("DateTitle(%v) = %q, want %q", at, got, want)
		}
		parsed, ok := ParseDateTitle(want, time.UTC)
		if !ok || parsed.Year() != at.Year() || parsed.YearDay() != at.YearDay() {
			t.Errorf("ParseDateTitle(%q) = %v, %v", want, parsed, ok)
		}
	}
	if d, ok := LeadingDate("[[October 1st, 2026]] run finished", time.UTC); !ok || d.Day() != 1 {
		t.Errorf("LeadingDate = %v, %v", d, ok)
	}
	if _, ok := LeadingDate("run [[October 1st, 2026]]", time.UTC); ok {
		t.Error("LeadingDate matched a non-leading link")
	}
	if !strings.HasPrefix(DateLink(time.Now()), "[[") {
		t.Error("DateLink missing brackets")
	}
}
