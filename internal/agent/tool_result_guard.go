package agent

import (
	"fmt"

	"github.com/haasonsaas/cos/pkg/models"
)

// Tool-result trimming limits. Once a run's messages exceed the budget,
// the oldest tool payloads are cut to the first limit, then to the second.
const (
	MessageBudgetBytes = 50 * 1024
	trimFirstPass      = 2 * 1024
	trimSecondPass     = 500
)

// MessageBytes approximates the request size of msgs.
func MessageBytes(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
		for _, tc := range m.ToolCalls {
			n += len(tc.Name) + len(tc.Input)
		}
		for _, r := range m.ToolResults {
			n += len(r.Content)
		}
	}
	return n
}

// TrimToolResults shortens tool payloads, oldest first, until msgs fit
// budget or every payload is at the second-pass size. The most recent
// tool turn is left intact. It reports how many payloads were cut.
func TrimToolResults(msgs []models.Message, budget int) int {
	if budget <= 0 {
		budget = MessageBudgetBytes
	}
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(msgs[i].ToolResults) > 0 {
			last = i
			break
		}
	}
	trimmed := 0
	size := MessageBytes(msgs)
	for _, limit := range []int{trimFirstPass, trimSecondPass} {
		for i := 0; i < last && size > budget; i++ {
			results := msgs[i].ToolResults
			if len(results) == 0 {
				continue
			}
			// Results are shared with the caller's history slice; copy before editing.
			results = append([]models.ToolResult(nil), results...)
			for j := range results {
				before := len(results[j].Content)
				if before <= limit {
					continue
				}
				results[j].Content = cutPayload(results[j].Content, limit)
				size -= before - len(results[j].Content)
				trimmed++
			}
			msgs[i].ToolResults = results
		}
	}
	return trimmed
}

func cutPayload(s string, limit int) string {
	marker := fmt.Sprintf("\n…[trimmed %d bytes]", len(s)-limit)
	cut := limit
	// Stay on a UTF-8 boundary.
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + marker
}
