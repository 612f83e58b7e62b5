package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/cos/pkg/models"
)

func toolTurn(payload string) models.Message {
	return models.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c", Content: payload}}}
}

func TestTrimToolResultsOldestFirst(t *testing.T) {
	big := strings.Repeat("a", 30*1024)
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "go"},
		toolTurn(big),
		toolTurn(big),
		toolTurn(big),
	}
	n := TrimToolResults(msgs, MessageBudgetBytes)
	if n == 0 {
		t.Fatal("nothing trimmed")
	}
	if got := len(msgs[3].ToolResults[0].Content); got != len(big) {
		t.Errorf("latest tool turn trimmed to %d bytes", got)
	}
	if !strings.Contains(msgs[1].ToolResults[0].Content, "[trimmed") {
		t.Error("oldest payload kept whole")
	}
	if MessageBytes(msgs) > MessageBudgetBytes {
		t.Errorf("size %d still over budget", MessageBytes(msgs))
	}
}

func TestTrimToolResultsLeavesCallerHistory(t *testing.T) {
	shared := []models.ToolResult{{Content: strings.Repeat("b", 60*1024)}}
	history := []models.Message{{Role: models.RoleTool, ToolResults: shared}, toolTurn("x")}
	msgs := append([]models.Message(nil), history...)
	TrimToolResults(msgs, 1024)
	if len(shared[0].Content) != 60*1024 {
		t.Error("trim edited the shared result slice")
	}
}

func TestCutPayloadRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 600)
	out := cutPayload(s, 501)
	head, _, _ := strings.Cut(out, "\n…[trimmed")
	if !strings.HasPrefix(s, head) || len(head)%2 != 0 {
		t.Errorf("cut mid-rune: %d bytes", len(head))
	}
}
