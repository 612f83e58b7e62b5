package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/config"
	"github.com/haasonsaas/cos/internal/cron"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoProvider answers every request with the same text.
type echoProvider struct {
	text string

	mu    sync.Mutex
	calls int
}

func (p *echoProvider) Name() models.Provider { return models.ProviderAnthropic }

func (p *echoProvider) Complete(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.text}
	ch <- &agent.CompletionChunk{Done: true, InputTokens: 1200, OutputTokens: 300}
	close(ch)
	return ch, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestApp(t *testing.T, p agent.LLMProvider, clk *clock) (*App, *graph.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.Timezone = "UTC"
	g := graph.NewMemory()
	a, err := New(context.Background(), Options{
		Config:    cfg,
		Store:     kv.NewMemory(),
		Graph:     g,
		Providers: []agent.LLMProvider{p},
		Now:       clk.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a, g
}

func TestAskFeedsUsageAndAudit(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	p := &echoProvider{text: "Your day is clear."}
	a, g := newTestApp(t, p, clk)
	ctx := context.Background()

	res, err := a.Runtime.Ask(ctx, models.Request{Prompt: "what is on today?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Your day is clear." {
		t.Errorf("text = %q", res.Text)
	}
	session, _ := a.Usage.Session()
	if session.InputTokens != 1200 || session.OutputTokens != 300 {
		t.Errorf("session usage = %+v", session)
	}
	if a.Usage.Stats(clk.Now()).AgentRuns != 1 {
		t.Errorf("stats = %+v", a.Usage.Stats(clk.Now()))
	}

	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	page, err := g.PullPage(ctx, a.Config.Pages.Audit)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Children) != 1 || !strings.Contains(page.Children[0].String, "what is on today?") {
		t.Errorf("audit page = %+v", page.Children)
	}
}

func TestScheduledJobRunsInBackground(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	p := &echoProvider{text: "Summary written."}
	a, _ := newTestApp(t, p, clk)
	ctx := context.Background()
	defer a.Close(ctx)

	if _, err := a.Jobs.Add(ctx, cron.Job{
		Name:            "digest",
		Type:            cron.JobTypeInterval,
		IntervalMinutes: 30,
		Prompt:          "summarise my inbox",
	}); err != nil {
		t.Fatal(err)
	}
	if n := a.Scheduler.Tick(ctx); n != 0 {
		t.Fatalf("fired %d jobs before they were due", n)
	}
	clk.Advance(31 * time.Minute)
	if n := a.Scheduler.Tick(ctx); n != 1 {
		t.Fatalf("fired = %d, want 1", n)
	}
	last := a.Traces().Last()
	if last == nil || last.Trigger != "cron" {
		t.Fatalf("last trace = %+v", last)
	}
	jobs, err := a.Jobs.Jobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if jobs[0].RunCount != 1 {
		t.Errorf("run count = %d", jobs[0].RunCount)
	}

	summaries, err := a.jobSummaries(ctx)
	if err != nil || len(summaries) != 1 || summaries[0].Name != "digest" {
		t.Errorf("summaries = %+v, %v", summaries, err)
	}
}

// gatedProvider blocks each completion until release is closed.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedProvider) Name() models.Provider { return models.ProviderAnthropic }

func (p *gatedProvider) Complete(ctx context.Context, _ *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: "done"}
	ch <- &agent.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
	close(ch)
	return ch, nil
}

func TestJobDeferredWhileRuntimeBusy(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	p := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	a, _ := newTestApp(t, p, clk)
	ctx := context.Background()
	defer a.Close(ctx)

	job, err := a.Jobs.Add(ctx, cron.Job{
		Name:            "digest",
		Type:            cron.JobTypeInterval,
		IntervalMinutes: 30,
		Prompt:          "summarise my inbox",
	})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(31 * time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := a.Runtime.Ask(ctx, models.Request{Prompt: "hold the runtime"})
		done <- err
	}()
	<-p.started

	if n := a.Scheduler.Tick(ctx); n != 0 {
		t.Fatalf("fired = %d while busy", n)
	}
	if err := a.runJob(ctx, job); !errors.Is(err, cron.ErrSkipped) || !errors.Is(err, agent.ErrBusy) {
		t.Fatalf("runJob err = %v, want ErrSkipped wrapping ErrBusy", err)
	}
	jobs, err := a.Jobs.Jobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if jobs[0].RunCount != 0 || !jobs[0].LastRun.IsZero() {
		t.Fatalf("busy fire was recorded: %+v", jobs[0])
	}

	close(p.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := a.Scheduler.Tick(ctx); n != 1 {
		t.Fatalf("fired = %d after release, want 1", n)
	}
}

func TestMCPPortsMergesConfigAndSettings(t *testing.T) {
	clk := &clock{now: time.Now()}
	a, _ := newTestApp(t, &echoProvider{}, clk)
	ctx := context.Background()
	defer a.Close(ctx)

	a.Config.MCP.Ports = []int{8931, 8932}
	if err := a.AddMCPPort(ctx, 8932); err != nil {
		t.Fatal(err)
	}
	if err := a.AddMCPPort(ctx, 9000); err != nil {
		t.Fatal(err)
	}
	if err := a.AddMCPPort(ctx, 70000); err == nil {
		t.Error("out of range port accepted")
	}
	got := a.MCPPorts(ctx)
	want := []int{8931, 8932, 9000}
	if len(got) != len(want) {
		t.Fatalf("ports = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ports = %v, want %v", got, want)
		}
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	cfg := config.Default()
	t.Setenv("MISTRAL_API_KEY", "env-key")

	if got := APIKey(ctx, cfg, store, models.ProviderMistral); got != "env-key" {
		t.Errorf("env fallback = %q", got)
	}
	if err := store.Set(ctx, kv.KeyAPIKeyPrefix+"mistral", []byte("stored-key")); err != nil {
		t.Fatal(err)
	}
	if got := APIKey(ctx, cfg, store, models.ProviderMistral); got != "stored-key" {
		t.Errorf("settings = %q", got)
	}
	cfg.LLM.Providers = map[string]config.ProviderConfig{"mistral": {APIKey: "config-key"}}
	if got := APIKey(ctx, cfg, store, models.ProviderMistral); got != "config-key" {
		t.Errorf("config = %q", got)
	}
}

func TestStartStopWithBackgroundServices(t *testing.T) {
	clk := &clock{now: time.Now()}
	a, g := newTestApp(t, &echoProvider{text: "ok"}, clk)
	a.Config.Scheduler.Enabled = true
	a.Config.Inbox.Enabled = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := g.PullPage(ctx, a.Config.Pages.Inbox); err != nil {
		t.Errorf("inbox page not ensured: %v", err)
	}
	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.Close(stopCtx); err != nil {
		t.Fatal(err)
	}
}
