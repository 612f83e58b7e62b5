package tape

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/pkg/models"
)

type fixedProvider struct {
	chunks []*agent.CompletionChunk
}

func (p *fixedProvider) Name() models.Provider { return models.ProviderOpenAI }

func (p *fixedProvider) Complete(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestRecordSaveReplay(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "cos_search", Input: json.RawMessage(`{"query":"x"}`)}
	inner := &fixedProvider{chunks: []*agent.CompletionChunk{
		{Text: "Look"}, {Text: "ing"}, {ToolCall: &call}, {Done: true, InputTokens: 10, OutputTokens: 3},
	}}
	rec := NewRecorder(inner)
	req := &agent.CompletionRequest{Model: "gpt-5-mini", Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tools: []agent.ToolSpec{{Name: "cos_search"}}}

	ch, err := rec.Complete(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := agent.Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Looking" || len(got.ToolCalls) != 1 {
		t.Fatalf("passthrough = %+v", got)
	}

	path := filepath.Join(t.TempDir(), "run.tape.json")
	if err := rec.Tape().Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Turns[0].Tools[0] != "cos_search" || loaded.Turns[0].Messages != 1 {
		t.Errorf("turn = %+v", loaded.Turns[0])
	}

	rep := NewReplayer(loaded)
	ch, err = rep.Complete(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := agent.Collect(context.Background(), ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, replayed); diff != "" {
		t.Errorf("replay mismatch (-recorded +replayed):\n%s", diff)
	}
	if _, err := rep.Complete(context.Background(), req); !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestReplayedFailureIsFailoverEligible(t *testing.T) {
	tp := New(models.ProviderAnthropic)
	tp.Turns = []Turn{{Model: "claude-haiku-4-5", Error: "503 service unavailable: overloaded"}}
	_, err := NewReplayer(tp).Complete(context.Background(), &agent.CompletionRequest{})
	if !agent.KindOf(err).FailoverEligible() {
		t.Errorf("kind = %s", agent.KindOf(err))
	}
}
