// Package memory keeps the graph-backed memory pages and the skill list in
// sync with the host graph for prompt assembly.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/debounce"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/prompt"
	"github.com/haasonsaas/cos/internal/security"
)

// DefaultPages are the memory pages rendered into the system prompt.
var DefaultPages = []string{
	"Chief of Staff/Memory",
	"Chief of Staff/Inbox",
	"Chief of Staff/Projects",
	"Chief of Staff/Decisions",
	"Chief of Staff/Lessons Learned",
	"Chief of Staff/Improvement Requests",
}

// DefaultSkillsPage holds one top-level block per skill.
const DefaultSkillsPage = "Chief of Staff/Skills"

// DefaultInvalidateDelay coalesces bursts of watch callbacks.
const DefaultInvalidateDelay = time.Second

// ErrWriteBlocked is returned when a memory write matches an injection category.
var ErrWriteBlocked = errors.New("memory write blocked")

// BlockedWriteError names the categories that blocked a memory write.
type BlockedWriteError struct {
	Page       string
	Categories []string
}

func (e *BlockedWriteError) Error() string {
	return fmt.Sprintf("memory write to %q blocked: content matched %s; restate it as a plain fact without instructions",
		e.Page, strings.Join(e.Categories, ", "))
}

func (e *BlockedWriteError) Unwrap() error { return ErrWriteBlocked }

// Cache holds rendered memory pages and parsed skills. Watch callbacks
// mark it stale; the next read rebuilds it from the graph.
type Cache struct {
	graph      graph.Graph
	pages      []string
	skillsPage string
	delay      time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	memStale   bool
	skillStale bool
	memory     []prompt.MemorySnapshot
	skills     []Skill
	stops      []func()
	trigger    *debounce.Trigger
	pendingMem bool
	pendingSk  bool
	onChange   func()
}

// Option configures a Cache.
type Option func(*Cache)

// WithPages overrides the memory page titles.
func WithPages(titles []string) Option {
	return func(c *Cache) {
		if len(titles) > 0 {
			c.pages = append([]string(nil), titles...)
		}
	}
}

// WithSkillsPage overrides the skills page title.
func WithSkillsPage(title string) Option {
	return func(c *Cache) {
		if title != "" {
			c.skillsPage = title
		}
	}
}

// WithInvalidateDelay sets the debounce applied to watch callbacks.
func WithInvalidateDelay(d time.Duration) Option {
	return func(c *Cache) { c.delay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnChange registers a callback run after each debounced invalidation.
func WithOnChange(fn func()) Option {
	return func(c *Cache) { c.onChange = fn }
}

// NewCache returns a stale cache over g.
func NewCache(g graph.Graph, opts ...Option) *Cache {
	c := &Cache{
		graph:      g,
		pages:      append([]string(nil), DefaultPages...),
		skillsPage: DefaultSkillsPage,
		delay:      DefaultInvalidateDelay,
		logger:     slog.Default().With("component", "memory"),
		memStale:   true,
		skillStale: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.trigger = debounce.NewTrigger(c.delay, c.invalidate)
	return c
}

// Pages returns the memory page titles.
func (c *Cache) Pages() []string { return append([]string(nil), c.pages...) }

// SkillsPage returns the skills page title.
func (c *Cache) SkillsPage() string { return c.skillsPage }

// IsMemoryPage reports whether title is one of the memory pages.
func (c *Cache) IsMemoryPage(title string) bool {
	for _, p := range c.pages {
		if strings.EqualFold(p, strings.TrimSpace(title)) {
			return true
		}
	}
	return false
}

// Start installs pull-watches on every memory page and the skills page.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	started := len(c.stops) > 0
	c.mu.Unlock()
	if started {
		return nil
	}
	titles := append(c.Pages(), c.skillsPage)
	stops := make([]func(), 0, len(titles))
	for _, title := range titles {
		isSkills := title == c.skillsPage
		stop, err := c.graph.Watch(ctx, title, func(graph.WatchEvent) { c.poke(isSkills) })
		if err != nil {
			for _, s := range stops {
				s()
			}
			return fmt.Errorf("watch %q: %w", title, err)
		}
		stops = append(stops, stop)
	}
	c.mu.Lock()
	c.stops = stops
	c.mu.Unlock()
	c.logger.Debug("memory watches installed", "pages", len(titles))
	return nil
}

// Close removes the watches and applies any pending invalidation.
func (c *Cache) Close() {
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, s := range stops {
		s()
	}
	c.trigger.Stop()
}

func (c *Cache) poke(skills bool) {
	c.mu.Lock()
	if skills {
		c.pendingSk = true
	} else {
		c.pendingMem = true
	}
	c.mu.Unlock()
	c.trigger.Poke()
}

func (c *Cache) invalidate() {
	c.mu.Lock()
	if c.pendingMem {
		c.memStale = true
	}
	if c.pendingSk {
		c.skillStale = true
	}
	c.pendingMem, c.pendingSk = false, false
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Invalidate marks both caches stale immediately.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.memStale, c.skillStale = true, true
	c.mu.Unlock()
}

// Snapshots returns the memory pages, rebuilding them if stale. Missing
// pages are skipped. Caps are applied at prompt assembly.
func (c *Cache) Snapshots(ctx context.Context) ([]prompt.MemorySnapshot, error) {
	c.mu.Lock()
	if !c.memStale {
		out := append([]prompt.MemorySnapshot(nil), c.memory...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	snaps := make([]prompt.MemorySnapshot, 0, len(c.pages))
	for _, title := range c.pages {
		page, err := c.graph.PullPage(ctx, title)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pull memory page %q: %w", title, err)
		}
		content := strings.TrimSpace(graph.Render(page.Children))
		if content == "" {
			continue
		}
		snaps = append(snaps, prompt.MemorySnapshot{Title: title, Content: content})
	}

	c.mu.Lock()
	c.memory = snaps
	c.memStale = false
	c.mu.Unlock()
	return append([]prompt.MemorySnapshot(nil), snaps...), nil
}

// Write appends text to a memory page after scanning it with the
// memory-write categories. Blocked writes return *BlockedWriteError.
func (c *Cache) Write(ctx context.Context, page, text string) (string, error) {
	page = strings.TrimSpace(page)
	if page == "" {
		page = c.pages[0]
	}
	if !c.IsMemoryPage(page) {
		return "", fmt.Errorf("%q is not a memory page", page)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("memory text is empty")
	}
	if findings := security.ScanMemoryWrite(text); len(findings) > 0 {
		c.logger.Warn("memory write blocked", "page", page, "categories", security.CategoryNames(findings))
		return "", &BlockedWriteError{Page: page, Categories: security.CategoryNames(findings)}
	}
	pageUID, err := graph.EnsurePage(ctx, c.graph, page)
	if err != nil {
		return "", fmt.Errorf("ensure memory page: %w", err)
	}
	uid, err := c.graph.CreateBlock(ctx, pageUID, graph.OrderLast, text)
	if err != nil {
		return "", fmt.Errorf("append memory block: %w", err)
	}
	c.mu.Lock()
	c.memStale = true
	c.mu.Unlock()
	return uid, nil
}

// Bootstrap creates any missing memory pages and the skills page, seeding
// each with a header block. It returns the titles it created.
func (c *Cache) Bootstrap(ctx context.Context, seedSkills bool) ([]string, error) {
	var created []string
	titles := c.Pages()
	if seedSkills {
		titles = append(titles, c.skillsPage)
	}
	for _, title := range titles {
		if _, err := c.graph.PullPage(ctx, title); err == nil {
			continue
		} else if !errors.Is(err, graph.ErrNotFound) {
			return created, err
		}
		uid, err := c.graph.CreatePage(ctx, title)
		if err != nil {
			return created, fmt.Errorf("create %q: %w", title, err)
		}
		if title == c.skillsPage {
			err = seedSkillPage(ctx, c.graph, uid)
		} else {
			_, err = c.graph.CreateBlock(ctx, uid, graph.OrderFirst, "Notes the assistant keeps for "+strings.TrimPrefix(title, "Chief of Staff/"))
		}
		if err != nil {
			return created, err
		}
		created = append(created, title)
	}
	c.Invalidate()
	return created, nil
}
