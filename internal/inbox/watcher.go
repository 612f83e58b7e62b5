// Package inbox turns blocks dropped on the inbox page into background
// agent runs and files the answers on the daily page.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/debounce"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/pkg/models"
)

const (
	DefaultDebounce     = 5 * time.Second
	DefaultPerEvent     = 8
	DefaultMaxQueue     = 40
	DefaultScanInterval = time.Minute
	DefaultProcessed    = "Processed"
)

// Asker runs one agent request. *agent.Runtime implements it.
type Asker interface {
	Ask(ctx context.Context, req models.Request) (*agent.Result, error)
}

// Watcher watches one page and processes new top-level blocks one at a
// time. Blocks present when it starts are instructions and are never
// processed.
type Watcher struct {
	g         graph.Graph
	page      string
	asker     Asker
	debounce  time.Duration
	perEvent  int
	maxQueue  int
	scanEvery time.Duration
	processed string
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	started  bool
	closed   bool
	static   map[string]bool
	queue    []string
	queued   map[string]bool
	inFlight map[string]bool
	before   *graph.Page
	after    *graph.Page
	scanSig  string
	lastScan time.Time

	trigger *debounce.Trigger
	stop    func()
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period after a page change.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithLimits sets how many items one change may enqueue and the cap on
// pending plus in-flight items.
func WithLimits(perEvent, maxQueue int) Option {
	return func(w *Watcher) {
		if perEvent > 0 {
			w.perEvent = perEvent
		}
		if maxQueue > 0 {
			w.maxQueue = maxQueue
		}
	}
}

// WithScanInterval sets the minimum gap between full-page scans.
func WithScanInterval(d time.Duration) Option {
	return func(w *Watcher) { w.scanEvery = d }
}

// WithProcessedHeading names the daily-page heading answers are filed under.
func WithProcessedHeading(s string) Option {
	return func(w *Watcher) {
		if s != "" {
			w.processed = s
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(w *Watcher) {
		if loc != nil {
			w.loc = loc
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l.With("component", "inbox")
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// New creates a stopped watcher for page.
func New(g graph.Graph, page string, asker Asker, opts ...Option) *Watcher {
	w := &Watcher{
		g:         g,
		page:      page,
		asker:     asker,
		debounce:  DefaultDebounce,
		perEvent:  DefaultPerEvent,
		maxQueue:  DefaultMaxQueue,
		scanEvery: DefaultScanInterval,
		processed: DefaultProcessed,
		loc:       time.Local,
		now:       time.Now,
		logger:    slog.Default().With("component", "inbox"),
		static:    map[string]bool{},
		queued:    map[string]bool{},
		inFlight:  map[string]bool{},
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start snapshots the page's current blocks, subscribes to changes and
// starts the worker.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if w.closed {
		return errors.New("inbox: watcher closed")
	}
	if _, err := graph.EnsurePage(ctx, w.g, w.page); err != nil {
		return fmt.Errorf("inbox: ensure %s: %w", w.page, err)
	}
	page, err := w.g.PullPage(ctx, w.page)
	if err != nil {
		return fmt.Errorf("inbox: snapshot %s: %w", w.page, err)
	}
	for _, b := range page.Children {
		w.static[b.UID] = true
	}
	w.trigger = debounce.NewTrigger(w.debounce, w.settle)
	stop, err := w.g.Watch(ctx, w.page, w.onChange)
	if err != nil {
		return fmt.Errorf("inbox: watch %s: %w", w.page, err)
	}
	w.stop = stop

	ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	w.done = make(chan struct{})
	w.started = true
	go w.work(ctx)
	w.logger.Info("inbox watcher started", "page", w.page, "instructions", len(w.static))
	return nil
}

// Pending returns how many items are queued or in flight.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) + len(w.inFlight)
}

// Close stops watching, drops queued items, aborts the item in flight and
// waits for the worker to exit.
func (w *Watcher) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.queue, w.queued = nil, map[string]bool{}
	w.mu.Unlock()
	if !started {
		return nil
	}

	w.stop()
	w.trigger.Stop()
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onChange coalesces a burst of watch events into one before/after pair.
func (w *Watcher) onChange(ev graph.WatchEvent) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if w.before == nil {
		w.before = ev.Before
	}
	w.after = ev.After
	trigger := w.trigger
	w.mu.Unlock()
	trigger.Poke()
}

// settle runs once a burst of changes has been quiet for the debounce period.
func (w *Watcher) settle() {
	w.mu.Lock()
	before, after := w.before, w.after
	w.before, w.after = nil, nil
	if w.closed {
		w.mu.Unlock()
		return
	}
	added := w.enqueueLocked(newUIDs(before, after))
	idle := len(w.queue) == 0 && len(w.inFlight) == 0
	w.mu.Unlock()

	if added > 0 {
		w.signal()
		return
	}
	if idle {
		w.fullScan(context.Background(), childCount(after))
	}
}

// enqueueLocked adds up to perEvent eligible candidates without passing
// the queue cap. It returns how many were added.
func (w *Watcher) enqueueLocked(candidates []*graph.Block) int {
	added := 0
	for _, b := range candidates {
		if added >= w.perEvent || len(w.queue)+len(w.inFlight) >= w.maxQueue {
			break
		}
		if strings.TrimSpace(b.String) == "" || w.static[b.UID] || w.queued[b.UID] || w.inFlight[b.UID] {
			continue
		}
		w.queue = append(w.queue, b.UID)
		w.queued[b.UID] = true
		added++
	}
	if added > 0 {
		w.logger.Debug("inbox items queued", "added", added, "pending", len(w.queue)+len(w.inFlight))
	}
	return added
}

// fullScan re-reads the page when a change produced no candidates. It is
// skipped while the page looks the same as at the last scan, and at most
// once per scan interval.
func (w *Watcher) fullScan(ctx context.Context, children int) {
	w.mu.Lock()
	sig := w.signatureLocked(children)
	if sig == w.scanSig || (!w.lastScan.IsZero() && w.now().Sub(w.lastScan) < w.scanEvery) {
		w.mu.Unlock()
		return
	}
	w.scanSig, w.lastScan = sig, w.now()
	w.mu.Unlock()

	page, err := w.g.PullPage(ctx, w.page)
	if err != nil {
		w.logger.Warn("inbox full scan failed", "error", err)
		return
	}
	w.mu.Lock()
	added := 0
	if !w.closed {
		added = w.enqueueLocked(page.Children)
	}
	w.mu.Unlock()
	if added > 0 {
		w.logger.Info("inbox full scan found items", "added", added)
		w.signal()
	}
}

func (w *Watcher) signatureLocked(children int) string {
	queued := slices.Sorted(maps.Keys(w.queued))
	flight := slices.Sorted(maps.Keys(w.inFlight))
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(children)))
	h.Write([]byte("|" + strings.Join(queued, ",") + "|" + strings.Join(flight, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) work(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		for {
			uid, ok := w.next()
			if !ok {
				break
			}
			w.process(ctx, uid)
			w.mu.Lock()
			delete(w.inFlight, uid)
			w.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *Watcher) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.queue) == 0 {
		return "", false
	}
	uid := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.queued, uid)
	w.inFlight[uid] = true
	return uid, true
}

// newUIDs returns top-level blocks in after that were not in before.
func newUIDs(before, after *graph.Page) []*graph.Block {
	if after == nil {
		return nil
	}
	seen := map[string]bool{}
	if before != nil {
		for _, b := range before.Children {
			seen[b.UID] = true
		}
	}
	var out []*graph.Block
	for _, b := range after.Children {
		if !seen[b.UID] {
			out = append(out, b)
		}
	}
	return out
}

func childCount(p *graph.Page) int {
	if p == nil {
		return 0
	}
	return len(p.Children)
}
