// Package audit writes one block per agent run to the audit page and trims
// entries older than the retention window.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/pkg/models"
)

const (
	DefaultRetentionDays = 14
	DefaultBufferSize    = 64
	previewChars         = 120
	// trimEvery bounds how often a write also trims the page.
	trimEvery = time.Hour
)

// Log appends run entries to a graph page, newest first. Writes happen on
// a background worker so a slow graph never holds up a run.
type Log struct {
	g         graph.Graph
	title     string
	retention int
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger

	buffer    chan *models.RunTrace
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	lastTrim time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithRetentionDays sets how many days of entries are kept. Zero keeps
// everything.
func WithRetentionDays(days int) Option {
	return func(l *Log) {
		if days >= 0 {
			l.retention = days
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(l *Log) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.buffer = make(chan *models.RunTrace, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger.With("component", "audit")
		}
	}
}

// New starts an audit log writing to the titled page.
func New(g graph.Graph, title string, opts ...Option) *Log {
	l := &Log{
		g:         g,
		title:     title,
		retention: DefaultRetentionDays,
		loc:       time.Local,
		now:       time.Now,
		logger:    slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.buffer == nil {
		l.buffer = make(chan *models.RunTrace, DefaultBufferSize)
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// RunFinished queues an entry for trace. When the buffer is full the entry
// is dropped and logged.
func (l *Log) RunFinished(_ context.Context, trace *models.RunTrace) {
	if trace == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.buffer <- trace:
	default:
		l.logger.Warn("audit buffer full, entry dropped", "run_id", trace.RunID)
	}
}

// Close writes queued entries and stops the worker.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.buffer)
		l.mu.Unlock()
		l.wg.Wait()
	})
}

func (l *Log) worker() {
	defer l.wg.Done()
	for trace := range l.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.Write(ctx, trace); err != nil {
			l.logger.Warn("audit entry not written", "run_id", trace.RunID, "error", err)
		}
		if l.trimDue() {
			if n, err := l.Trim(ctx); err != nil {
				l.logger.Warn("audit trim failed", "error", err)
			} else if n > 0 {
				l.logger.Info("audit entries trimmed", "deleted", n)
			}
		}
		cancel()
	}
}

func (l *Log) trimDue() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.retention == 0 || now.Sub(l.lastTrim) < trimEvery {
		return false
	}
	l.lastTrim = now
	return true
}

// Write adds trace's entry at the top of the page.
func (l *Log) Write(ctx context.Context, trace *models.RunTrace) error {
	pageUID, err := graph.EnsurePage(ctx, l.g, l.title)
	if err != nil {
		return fmt.Errorf("audit page: %w", err)
	}
	_, err = l.g.CreateBlock(ctx, pageUID, graph.OrderFirst, Format(trace, l.loc))
	return err
}

// Trim deletes entries whose leading date link is older than the
// retention window and reports how many were removed.
func (l *Log) Trim(ctx context.Context) (int, error) {
	if l.retention == 0 {
		return 0, nil
	}
	page, err := l.g.PullPage(ctx, l.title)
	if err != nil {
		return 0, err
	}
	y, m, d := l.now().In(l.loc).Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, l.loc).AddDate(0, 0, -l.retention)
	deleted := 0
	for _, b := range page.Children {
		day, ok := graph.LeadingDate(b.String, l.loc)
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := l.g.DeleteBlock(ctx, b.UID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Format renders an entry: date link and time, model, counts, cost,
// outcome and a prompt preview.
func Format(t *models.RunTrace, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	start := t.StartedAt.In(loc)
	model := t.Model
	if model == "" {
		model = "-"
	}
	outcome := string(t.Outcome)
	if t.Trigger != "" && t.Trigger != "chat" {
		outcome += " (" + t.Trigger + ")"
	}
	return fmt.Sprintf("%s %s · %s · %d iter · %d tools · %s · $%.4f · %s · %s",
		graph.DateLink(start), start.Format("15:04"), model, t.Iterations, len(t.ToolCalls),
		t.Duration().Round(100*time.Millisecond), t.Cost, outcome, preview(t.Prompt))
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "…"
}
