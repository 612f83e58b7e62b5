package usage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/cos/internal/graph"
)

// StatsPage keeps one summary block per day on a graph page.
type StatsPage struct {
	g     graph.Graph
	title string
	loc   *time.Location
}

// NewStatsPage writes day summaries to the titled page.
func NewStatsPage(g graph.Graph, title string, loc *time.Location) *StatsPage {
	if loc == nil {
		loc = time.Local
	}
	return &StatsPage{g: g, title: title, loc: loc}
}

// WriteDay updates the day's block, creating it newest-first when missing.
func (p *StatsPage) WriteDay(ctx context.Context, day time.Time, stats DayStats) error {
	pageUID, err := graph.EnsurePage(ctx, p.g, p.title)
	if err != nil {
		return err
	}
	page, err := p.g.PullPage(ctx, p.title)
	if err != nil {
		return err
	}
	text := FormatStats(day.In(p.loc), stats)
	for _, b := range page.Children {
		if d, ok := graph.LeadingDate(b.String, p.loc); ok && sameDay(d, day.In(p.loc)) {
			if b.String == text {
				return nil
			}
			return p.g.UpdateBlock(ctx, b.UID, text)
		}
	}
	_, err = p.g.CreateBlock(ctx, pageUID, graph.OrderFirst, text)
	return err
}

// FormatStats renders a day summary line.
func FormatStats(day time.Time, s DayStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s runs: %d · tool calls: %d · approvals: %d granted / %d denied · injection warnings: %d · claimed-action fires: %d · escalations: %d · memory write blocks: %d",
		graph.DateLink(day), s.AgentRuns, s.TotalToolCalls(), s.ApprovalsGranted, s.ApprovalsDenied,
		s.InjectionWarnings, s.ClaimedActionFires, s.TierEscalations, s.MemoryWriteBlocks)
	if len(s.ToolCalls) > 0 {
		names := make([]string, 0, len(s.ToolCalls))
		for name := range s.ToolCalls {
			names = append(names, name)
		}
		slices.SortFunc(names, func(a, c string) int {
			if d := s.ToolCalls[c] - s.ToolCalls[a]; d != 0 {
				return d
			}
			return strings.Compare(a, c)
		})
		if len(names) > 5 {
			names = names[:5]
		}
		parts := make([]string, len(names))
		for i, n := range names {
			parts[i] = fmt.Sprintf("%s×%d", n, s.ToolCalls[n])
		}
		b.WriteString(" · top: " + strings.Join(parts, ", "))
	}
	return b.String()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
