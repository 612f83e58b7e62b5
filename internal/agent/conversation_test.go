package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/pkg/models"
)

func TestConversationTrimsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	c := NewConversation(store, 4)
	for _, q := range []string{"one", "two", "three"} {
		if err := c.Append(ctx, q, "re "+q, nil); err != nil {
			t.Fatal(err)
		}
	}
	turns := c.Turns()
	if len(turns) != 4 || turns[0].Content != "two" || turns[0].Role != models.RoleUser {
		t.Fatalf("turns = %+v", turns)
	}

	restored := NewConversation(store, 4)
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(contents(turns), contents(restored.Turns())); diff != "" {
		t.Errorf("restored history (-want +got):\n%s", diff)
	}

	if err := restored.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, kv.KeyChatHistory); ok {
		t.Error("history key survived Clear")
	}
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestConversationCapsTurnLength(t *testing.T) {
	c := NewConversation(nil, 0)
	long := strings.Repeat("x", MaxAssistTurnChars+50)
	if err := c.Append(context.Background(), strings.Repeat("q", MaxUserTurnChars+1), long, nil); err != nil {
		t.Fatal(err)
	}
	turns := c.Turns()
	if n := len([]rune(turns[0].Content)); n != MaxUserTurnChars+1 {
		t.Errorf("user turn runes = %d", n)
	}
	if !strings.HasSuffix(turns[1].Content, "…") {
		t.Error("assistant turn not truncated")
	}
}

func TestExtractRefs(t *testing.T) {
	outputs := []string{
		`{"uid":"Ab3_def9z","text":"see [[Project X]]"}`,
		`Updated ((Ab3_def9z)) and ((Zz9-yyy8x)) under [[ Weekly Review ]]`,
	}
	got := ExtractRefs(outputs...)
	want := []string{"((Ab3_def9z))", "[[Project X]]", "((Zz9-yyy8x))", "[[Weekly Review]]"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("refs (-want +got):\n%s", diff)
	}

	c := NewConversation(nil, 0)
	_ = c.Append(context.Background(), "what changed?", "Two blocks.", outputs)
	if !strings.HasPrefix(c.Turns()[1].Content, "[refs: ((Ab3_def9z))") {
		t.Errorf("assistant turn = %q", c.Turns()[1].Content)
	}
}
