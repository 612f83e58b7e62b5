package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/pkg/models"
)

// History limits.
const (
	DefaultHistoryTurns = 12
	MaxUserTurnChars    = 500
	MaxAssistTurnChars  = 2000
	maxRefs             = 12
)

var (
	blockRefRe = regexp.MustCompile(`\(\(([A-Za-z0-9_-]{9})\)\)`)
	pageRefRe  = regexp.MustCompile(`\[\[([^\[\]\n]{1,120})\]\]`)
	jsonUIDRe  = regexp.MustCompile(`"uid"\s*:\s*"([A-Za-z0-9_-]{9})"`)
)

// Conversation is the rolling chat history of one runtime. Only user and
// final assistant turns are kept; tool traffic lives inside a run.
type Conversation struct {
	max   int
	store kv.Store

	mu    sync.Mutex
	turns []models.Message
}

// NewConversation creates a history holding at most maxTurns turns. A nil
// store keeps history in memory only.
func NewConversation(store kv.Store, maxTurns int) *Conversation {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	return &Conversation{max: maxTurns, store: store}
}

// Load restores history from the settings store.
func (c *Conversation) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	turns, ok, err := kv.GetJSON[[]models.Message](ctx, c.store, kv.KeyChatHistory)
	if err != nil || !ok {
		return err
	}
	c.mu.Lock()
	c.turns = c.trim(turns)
	c.mu.Unlock()
	return nil
}

// Turns returns a copy of the history, oldest first.
func (c *Conversation) Turns() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.turns...)
}

// Append records one exchange. The assistant turn is prefixed with the
// key references found in the run's tool results so follow-ups can name
// them.
func (c *Conversation) Append(ctx context.Context, user, assistant string, toolOutputs []string) error {
	now := time.Now()
	u := models.Message{Role: models.RoleUser, Content: truncateRunes(user, MaxUserTurnChars), CreatedAt: now}
	text := truncateRunes(assistant, MaxAssistTurnChars)
	if refs := ExtractRefs(toolOutputs...); len(refs) > 0 {
		text = "[refs: " + strings.Join(refs, ", ") + "]\n" + text
	}
	a := models.Message{Role: models.RoleAssistant, Content: text, CreatedAt: now}

	c.mu.Lock()
	c.turns = c.trim(append(c.turns, u, a))
	snapshot := append([]models.Message(nil), c.turns...)
	c.mu.Unlock()
	return c.save(ctx, snapshot)
}

// Clear drops all history.
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.turns = nil
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, kv.KeyChatHistory)
}

func (c *Conversation) trim(turns []models.Message) []models.Message {
	if over := len(turns) - c.max; over > 0 {
		turns = append([]models.Message(nil), turns[over:]...)
	}
	// Never start on a dangling assistant turn.
	for len(turns) > 0 && turns[0].Role != models.RoleUser {
		turns = turns[1:]
	}
	return turns
}

func (c *Conversation) save(ctx context.Context, turns []models.Message) error {
	if c.store == nil {
		return nil
	}
	if err := kv.SetJSON(ctx, c.store, kv.KeyChatHistory, turns); err != nil {
		return fmt.Errorf("save chat history: %w", err)
	}
	return nil
}

// ExtractRefs collects block refs, page refs and JSON uids from texts in
// order of first appearance.
func ExtractRefs(texts ...string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(ref string) {
		if !seen[ref] && len(out) < maxRefs {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	for _, t := range texts {
		for _, m := range blockRefRe.FindAllStringSubmatch(t, -1) {
			add("((" + m[1] + "))")
		}
		for _, m := range jsonUIDRe.FindAllStringSubmatch(t, -1) {
			add("((" + m[1] + "))")
		}
		for _, m := range pageRefRe.FindAllStringSubmatch(t, -1) {
			add("[[" + strings.TrimSpace(m[1]) + "]]")
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
