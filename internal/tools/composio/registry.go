package composio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/mcp"
	"github.com/haasonsaas/cos/internal/prompt"
	"github.com/haasonsaas/cos/internal/tools"
)

// Registry defaults.
const (
	DefaultSchemaTTL   = 7 * 24 * time.Hour
	DefaultMaxToolkits = 30
	schemaBatchSize    = 10
	maxDiscoverySlugs  = 20
	maxPromptParams    = 6
)

// Catalog is the subset of the broker the registry discovers through.
type Catalog interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
	GetSchemas(ctx context.Context, slugs []string) ([]ToolSchema, error)
}

// ServerKey returns the pin key for a toolkit.
func ServerKey(toolkit string) string {
	return "composio:" + NormalizeToolkit(toolkit)
}

// ToolkitEntry is one cached toolkit.
type ToolkitEntry struct {
	Toolkit   string                `json:"toolkit"`
	Tools     map[string]ToolSchema `json:"tools"`
	FetchedAt time.Time             `json:"fetched_at"`
}

// Known per-toolkit mistakes models make with broker tools.
var toolkitPitfalls = map[string][]string{
	"gmail": {
		"GMAIL_FETCH_EMAILS takes a Gmail search string in query (e.g. is:unread newer_than:1d); use max_results, not limit.",
		"Reply with GMAIL_REPLY_TO_THREAD using thread_id from a fetched message, not the message id.",
	},
	"googlecalendar": {
		"Times are RFC3339 with an explicit offset; all-day events use date-only values.",
		"calendar_id defaults to primary; do not invent one.",
	},
	"slack": {
		"channel takes a channel id (C...) or #name; look it up before posting if unsure.",
	},
	"github": {
		"owner and repo are separate parameters; never pass owner/repo in one field.",
	},
}

// Registry caches broker tool schemas per toolkit, persisted in the
// settings store. Entries older than the TTL are dropped; beyond the
// toolkit cap the oldest entry is evicted.
type Registry struct {
	store   kv.Store
	catalog Catalog
	pins    *mcp.Pins
	bom     *mcp.BOM
	ttl     time.Duration
	max     int
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.RWMutex
	kits   map[string]*ToolkitEntry
	loaded bool
	group  singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets the schema lifetime.
func WithTTL(d time.Duration) RegistryOption { return func(r *Registry) { r.ttl = d } }

// WithMaxToolkits caps cached toolkits.
func WithMaxToolkits(n int) RegistryOption { return func(r *Registry) { r.max = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption { return func(r *Registry) { r.now = now } }

// WithPins enables schema pinning per toolkit.
func WithPins(p *mcp.Pins) RegistryOption { return func(r *Registry) { r.pins = p } }

// WithBOM records discovered toolkits in the bill of materials.
func WithBOM(b *mcp.BOM) RegistryOption { return func(r *Registry) { r.bom = b } }

// NewRegistry creates a registry backed by store.
func NewRegistry(store kv.Store, catalog Catalog, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		catalog: catalog,
		ttl:     DefaultSchemaTTL,
		max:     DefaultMaxToolkits,
		now:     time.Now,
		logger:  slog.Default().With("component", "composio-registry"),
		kits:    make(map[string]*ToolkitEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the persisted cache. It runs once; later calls are no-ops.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	stored, _, err := kv.GetJSON[map[string]*ToolkitEntry](ctx, r.store, kv.KeyToolSchemaCache)
	if err != nil {
		r.logger.Warn("discarding unreadable schema cache", "error", err)
		stored = nil
	}
	for k, e := range stored {
		if e != nil && e.Tools != nil {
			r.kits[NormalizeToolkit(k)] = e
		}
	}
	r.loaded = true
	r.pruneLocked()
	return nil
}

func (r *Registry) ensureLoaded(ctx context.Context) {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if !loaded {
		_ = r.Load(ctx)
	}
}

func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-r.ttl)
	for k, e := range r.kits {
		if e.FetchedAt.Before(cutoff) {
			delete(r.kits, k)
		}
	}
	for r.max > 0 && len(r.kits) > r.max {
		oldest := ""
		for k, e := range r.kits {
			if oldest == "" || e.FetchedAt.Before(r.kits[oldest].FetchedAt) ||
				(e.FetchedAt.Equal(r.kits[oldest].FetchedAt) && k < oldest) {
				oldest = k
			}
		}
		delete(r.kits, oldest)
	}
}

func (r *Registry) saveLocked(ctx context.Context) error {
	return kv.SetJSON(ctx, r.store, kv.KeyToolSchemaCache, r.kits)
}

// Put merges schemas into the cache, refreshing each touched toolkit.
func (r *Registry) Put(ctx context.Context, schemas []ToolSchema) error {
	r.ensureLoaded(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, s := range schemas {
		s.Slug = NormalizeSlug(s.Slug)
		if s.Slug == "" {
			continue
		}
		s.Toolkit = NormalizeToolkit(s.Toolkit)
		if s.Toolkit == "" {
			s.Toolkit = NormalizeToolkit(strings.SplitN(s.Slug, "_", 2)[0])
		}
		e := r.kits[s.Toolkit]
		if e == nil {
			e = &ToolkitEntry{Toolkit: s.Toolkit, Tools: map[string]ToolSchema{}}
			r.kits[s.Toolkit] = e
		}
		e.Tools[s.Slug] = s
		e.FetchedAt = now
	}
	r.pruneLocked()
	return r.saveLocked(ctx)
}

// Remove drops a toolkit from the cache.
func (r *Registry) Remove(ctx context.Context, toolkit string) error {
	r.ensureLoaded(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kits, NormalizeToolkit(toolkit))
	return r.saveLocked(ctx)
}

// Clear empties the cache.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kits = make(map[string]*ToolkitEntry)
	r.loaded = true
	return r.store.Delete(ctx, kv.KeyToolSchemaCache)
}

// Lookup returns the cached schema for an exact slug.
func (r *Registry) Lookup(slug string) (ToolSchema, bool) {
	slug = NormalizeSlug(slug)
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.ttl)
	for _, e := range r.kits {
		if e.FetchedAt.Before(cutoff) {
			continue
		}
		if s, ok := e.Tools[slug]; ok {
			return s, true
		}
	}
	return ToolSchema{}, false
}

// Slugs lists every live cached slug.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.ttl)
	var out []string
	for _, e := range r.kits {
		if e.FetchedAt.Before(cutoff) {
			continue
		}
		for slug := range e.Tools {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns copies of the live toolkits sorted by name.
func (r *Registry) Entries() []ToolkitEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-r.ttl)
	out := make([]ToolkitEntry, 0, len(r.kits))
	for _, e := range r.kits {
		if e.FetchedAt.Before(cutoff) {
			continue
		}
		cp := ToolkitEntry{Toolkit: e.Toolkit, FetchedAt: e.FetchedAt, Tools: make(map[string]ToolSchema, len(e.Tools))}
		for k, v := range e.Tools {
			cp.Tools[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Toolkit < out[j].Toolkit })
	return out
}

// Discover searches the broker for query, fetches schemas for the hits in
// parallel batches and caches them. Concurrent calls for the same query
// share one broker round trip.
func (r *Registry) Discover(ctx context.Context, query string) ([]ToolSchema, error) {
	if r.catalog == nil {
		return nil, ErrNotConnected
	}
	r.ensureLoaded(ctx)
	key := strings.ToLower(strings.TrimSpace(query))
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.discover(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ToolSchema), nil
}

func (r *Registry) discover(ctx context.Context, query string) ([]ToolSchema, error) {
	hits, err := r.catalog.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	var slugs []string
	seen := map[string]bool{}
	for _, h := range hits {
		if h.Slug == "" || seen[h.Slug] {
			continue
		}
		seen[h.Slug] = true
		slugs = append(slugs, h.Slug)
		if len(slugs) == maxDiscoverySlugs {
			break
		}
	}
	if len(slugs) == 0 {
		return nil, nil
	}

	batches := make([][]ToolSchema, (len(slugs)+schemaBatchSize-1)/schemaBatchSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := range batches {
		lo, hi := i*schemaBatchSize, min((i+1)*schemaBatchSize, len(slugs))
		g.Go(func() error {
			got, err := r.catalog.GetSchemas(gctx, slugs[lo:hi])
			if err != nil {
				return fmt.Errorf("get tool schemas: %w", err)
			}
			batches[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var schemas []ToolSchema
	for _, b := range batches {
		schemas = append(schemas, b...)
	}
	if err := r.Put(ctx, schemas); err != nil {
		return nil, fmt.Errorf("cache schemas: %w", err)
	}
	r.verify(ctx, schemas)
	r.logger.Info("discovered broker tools", "query", query, "hits", len(hits), "schemas", len(schemas))
	return schemas, nil
}

// verify pins each toolkit's observed schemas and records the BOM.
func (r *Registry) verify(ctx context.Context, schemas []ToolSchema) {
	byKit := map[string][]ToolSchema{}
	for _, s := range schemas {
		tk := NormalizeToolkit(s.Toolkit)
		if tk == "" {
			tk = NormalizeToolkit(strings.SplitN(NormalizeSlug(s.Slug), "_", 2)[0])
		}
		byKit[tk] = append(byKit[tk], s)
	}
	for tk, list := range byKit {
		key := ServerKey(tk)
		pinned := make([]mcp.PinnedTool, 0, len(list))
		for _, s := range list {
			pinned = append(pinned, mcp.PinnedTool{Name: NormalizeSlug(s.Slug), InputSchema: s.InputSchema})
		}
		if r.pins != nil {
			if _, err := r.pins.VerifyPartial(ctx, key, pinned); err != nil {
				r.logger.Warn("pin verification failed", "toolkit", tk, "error", err)
			}
		}
		if r.bom != nil {
			r.recordBOM(ctx, key, tk)
		}
	}
}

func (r *Registry) recordBOM(ctx context.Context, key, toolkit string) {
	r.mu.RLock()
	e := r.kits[toolkit]
	var list []ToolSchema
	if e != nil {
		for _, s := range e.Tools {
			list = append(list, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Slug < list[j].Slug })

	entry := mcp.BOMEntry{
		ServerKey: key,
		Origin:    string(tools.OriginComposio),
		Name:      toolkit,
		UpdatedAt: r.now(),
		Suspended: r.pins.IsSuspended(key),
	}
	if r.pins != nil {
		if pin, ok, err := r.pins.Get(ctx, key); err == nil && ok {
			entry.SchemaHash = pin.Hash
		}
	}
	for _, s := range list {
		mut := tools.MutatingFalse
		if tools.IsPotentiallyMutatingTool(s.Slug, s.Description) {
			mut = tools.MutatingTrue
		}
		entry.Tools = append(entry.Tools, mcp.BOMTool{
			Name:     s.Slug,
			Mutating: mut.String(),
			Flags:    mcp.ScanDescription(s.Description),
		})
	}
	if err := r.bom.Record(ctx, entry); err != nil {
		r.logger.Warn("record bom failed", "toolkit", toolkit, "error", err)
	}
}

// Sections renders the cached toolkits for the system prompt.
func (r *Registry) Sections() []prompt.ToolkitSection {
	entries := r.Entries()
	out := make([]prompt.ToolkitSection, 0, len(entries))
	for _, e := range entries {
		sec := prompt.ToolkitSection{Toolkit: e.Toolkit, Pitfalls: toolkitPitfalls[e.Toolkit]}
		slugs := make([]string, 0, len(e.Tools))
		for slug := range e.Tools {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		for _, slug := range slugs {
			s := e.Tools[slug]
			sec.Tools = append(sec.Tools, prompt.ToolLine{
				Slug:        slug,
				Description: s.Description,
				Params:      ParamHints(s.InputSchema),
			})
		}
		out = append(out, sec)
	}
	return out
}

// ParamHints lists a schema's parameters, required first, with optional
// ones suffixed by "?".
func ParamHints(schema json.RawMessage) []string {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if len(schema) == 0 || json.Unmarshal(schema, &s) != nil {
		return nil
	}
	req := map[string]bool{}
	var out []string
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; ok && !req[name] {
			req[name] = true
			out = append(out, name)
		}
	}
	var opt []string
	for name := range s.Properties {
		if !req[name] {
			opt = append(opt, name)
		}
	}
	sort.Strings(opt)
	for _, name := range opt {
		out = append(out, name+"?")
	}
	if len(out) > maxPromptParams {
		out = append(out[:maxPromptParams], "...")
	}
	return out
}
