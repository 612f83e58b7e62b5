package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/cos/internal/tools"
)

func TestClaimGuard(t *testing.T) {
	list := []tools.Tool{
		fnTool("cos_update_memory", tools.MutatingFalse),
		fnTool("gmail_send_email", tools.MutatingTrue),
	}
	g := NewClaimGuard(list)
	offered := map[string]bool{"cos_update_memory": true, "gmail_send_email": true}

	tests := []struct {
		name string
		text string
		hit  bool
		tool string
	}{
		{"memory claim", "Saved your note about tea.", true, "cos_update_memory"},
		{"dynamic claim", "I sent the email to Dana.", true, "gmail_send_email"},
		{"static claim", "I've scheduled that for Monday.", true, ""},
		{"plain answer", "Your next meeting is at 3pm according to the page you pasted.", false, ""},
		{"future tense", "I can save that if you like.", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := g.Check(tt.text, offered)
			if ok != tt.hit {
				t.Fatalf("Check(%q) = %v, want %v", tt.text, ok, tt.hit)
			}
			if ok && tt.tool != "" && c.Tool != tt.tool {
				t.Errorf("tool = %q, want %q", c.Tool, tt.tool)
			}
			if ok && !strings.Contains(c.Nudge(), "no tool was called") {
				t.Errorf("nudge = %q", c.Nudge())
			}
		})
	}

	// Tools that were not offered are never suggested.
	c, ok := g.Check("Saved your note about tea.", map[string]bool{})
	if !ok || c.Tool != "" {
		t.Errorf("unoffered claim = %+v, %v", c, ok)
	}
}

func TestIsFabrication(t *testing.T) {
	long := "Here is your inbox summary. " + strings.Repeat("You have an email from Sam about the launch. ", 12)
	if !IsFabrication(long, 0) {
		t.Error("long external-data answer not flagged")
	}
	if IsFabrication(long, 1) {
		t.Error("flagged despite a tool call")
	}
	if IsFabrication("Your inbox is empty.", 0) {
		t.Error("short answer flagged")
	}
}

func TestGatheringGuard(t *testing.T) {
	var nilGuard *GatheringGuard
	if _, stop := nilGuard.BeforeWrite(); stop {
		t.Error("nil guard fired")
	}
	if NewGatheringGuard("x", nil) != nil {
		t.Error("guard without sources should be nil")
	}

	g := NewGatheringGuard("Morning Brief", []string{"gmail_fetch", "calendar_list"})
	g.Succeeded("GMAIL_FETCH")
	msg, stop := g.BeforeWrite()
	if !stop || !strings.Contains(msg, "calendar_list") || strings.Contains(msg, "gmail_fetch") {
		t.Errorf("BeforeWrite = %q, %v", msg, stop)
	}
	if _, stop := g.BeforeWrite(); stop {
		t.Error("guard fired twice in one run")
	}
}
