package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/security"
)

// BOMTool is one tool's entry in a server's bill of materials.
type BOMTool struct {
	Name     string   `json:"name"`
	Mutating string   `json:"mutating"`
	Flags    []string `json:"flags,omitempty"`
}

// BOMEntry records what a connected server exposes.
type BOMEntry struct {
	ServerKey  string    `json:"server_key"`
	Origin     string    `json:"origin"`
	Name       string    `json:"name,omitempty"`
	Version    string    `json:"version,omitempty"`
	URL        string    `json:"url,omitempty"`
	SchemaHash string    `json:"schema_hash"`
	Tools      []BOMTool `json:"tools"`
	Flagged    int       `json:"flagged"`
	UpdatedAt  time.Time `json:"updated_at"`
	Suspended  bool      `json:"suspended,omitempty"`
}

// ScanDescription runs the injection scan over a tool description and
// returns the matched category names.
func ScanDescription(description string) []string {
	return security.CategoryNames(security.Scan(description))
}

// BOM persists per-server entries under kv.KeyMCPBOM.
type BOM struct {
	store kv.Store
	mu    sync.Mutex
}

// NewBOM binds a BOM to store.
func NewBOM(store kv.Store) *BOM {
	return &BOM{store: store}
}

// Entries returns all entries sorted by server key.
func (b *BOM) Entries(ctx context.Context) ([]BOMEntry, error) {
	m, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BOMEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerKey < out[j].ServerKey })
	return out, nil
}

// Record replaces the entry for e.ServerKey.
func (b *BOM) Record(ctx context.Context, e BOMEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load(ctx)
	if err != nil {
		return err
	}
	e.Flagged = 0
	for _, t := range e.Tools {
		if len(t.Flags) > 0 {
			e.Flagged++
		}
	}
	m[e.ServerKey] = e
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode bom: %w", err)
	}
	if err := b.store.Set(ctx, kv.KeyMCPBOM, raw); err != nil {
		return fmt.Errorf("save bom: %w", err)
	}
	return nil
}

func (b *BOM) load(ctx context.Context) (map[string]BOMEntry, error) {
	m := map[string]BOMEntry{}
	raw, ok, err := b.store.Get(ctx, kv.KeyMCPBOM)
	if err != nil {
		return nil, fmt.Errorf("load bom: %w", err)
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return map[string]BOMEntry{}, nil
		}
	}
	return m, nil
}
