package mcp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/kv"
)

// ErrNotSuspended is returned when resolving a server that has no pending change.
var ErrNotSuspended = errors.New("mcp: server is not suspended")

// PinnedTool is the part of a tool definition covered by a schema pin.
type PinnedTool struct {
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Pin is the accepted schema state of one server.
type Pin struct {
	Hash         string            `json:"hash"`
	Fingerprints map[string]string `json:"fingerprints"`
	PinnedAt     time.Time         `json:"pinned_at"`
}

// Suspension describes a schema change awaiting a decision.
type Suspension struct {
	ServerKey       string            `json:"server_key"`
	NewHash         string            `json:"new_hash"`
	NewToolNames    []string          `json:"new_tool_names"`
	NewFingerprints map[string]string `json:"new_fingerprints"`
	Added           []string          `json:"added,omitempty"`
	Removed         []string          `json:"removed,omitempty"`
	Modified        []string          `json:"modified,omitempty"`
	SuspendedAt     time.Time         `json:"suspended_at"`
}

// Summary renders the diff in one line.
func (s *Suspension) Summary() string {
	var parts []string
	if len(s.Added) > 0 {
		parts = append(parts, "added: "+strings.Join(s.Added, ", "))
	}
	if len(s.Removed) > 0 {
		parts = append(parts, "removed: "+strings.Join(s.Removed, ", "))
	}
	if len(s.Modified) > 0 {
		parts = append(parts, "modified: "+strings.Join(s.Modified, ", "))
	}
	if len(parts) == 0 {
		return "schema changed"
	}
	return strings.Join(parts, "; ")
}

// Decision resolves a suspension.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// SchemaHash returns the SHA-256 of the canonical JSON of tools sorted by name.
func SchemaHash(tools []PinnedTool) string {
	sorted := append([]PinnedTool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	canon := make([]PinnedTool, len(sorted))
	for i, t := range sorted {
		canon[i] = PinnedTool{Name: t.Name, InputSchema: canonicalJSON(t.InputSchema)}
	}
	payload, _ := json.Marshal(canon)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Fingerprints hashes each tool definition separately.
func Fingerprints(tools []PinnedTool) map[string]string {
	out := make(map[string]string, len(tools))
	for _, t := range tools {
		payload, _ := json.Marshal(PinnedTool{Name: t.Name, InputSchema: canonicalJSON(t.InputSchema)})
		sum := sha256.Sum256(payload)
		out[t.Name] = hex.EncodeToString(sum[:8])
	}
	return out
}

// canonicalJSON re-encodes raw with sorted object keys. Numbers keep their
// literal form. Invalid JSON is hashed as a string.
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`null`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	out, err := json.Marshal(v)
	if err != nil {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	return out
}

// DiffFingerprints compares two fingerprint maps by tool name.
func DiffFingerprints(old, cur map[string]string) (added, removed, modified []string) {
	for name, fp := range cur {
		prev, ok := old[name]
		switch {
		case !ok:
			added = append(added, name)
		case prev != fp:
			modified = append(modified, name)
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)
	return added, removed, modified
}

// Pins tracks accepted schema pins in the settings store and the
// in-memory set of suspended servers. It is shared by every server
// origin so the gate can consult one place.
type Pins struct {
	store  kv.Store
	now    func() time.Time
	logger *slog.Logger

	// wmu serialises read-modify-write of the stored pins.
	wmu        sync.Mutex
	mu         sync.RWMutex
	suspended  map[string]*Suspension
	onResolved []func(key string, d Decision)
}

// NewPins binds pins to store.
func NewPins(store kv.Store) *Pins {
	return &Pins{
		store:     store,
		now:       time.Now,
		logger:    slog.Default().With("component", "mcp-pins"),
		suspended: make(map[string]*Suspension),
	}
}

// SetClock overrides the time source.
func (p *Pins) SetClock(now func() time.Time) { p.now = now }

// OnResolved registers a callback run after Resolve.
func (p *Pins) OnResolved(fn func(key string, d Decision)) {
	p.mu.Lock()
	p.onResolved = append(p.onResolved, fn)
	p.mu.Unlock()
}

func (p *Pins) load(ctx context.Context) (map[string]Pin, error) {
	pins := map[string]Pin{}
	raw, ok, err := p.store.Get(ctx, kv.KeySchemaPins)
	if err != nil {
		return nil, fmt.Errorf("load schema pins: %w", err)
	}
	if !ok || len(raw) == 0 {
		return pins, nil
	}
	if err := json.Unmarshal(raw, &pins); err != nil {
		p.logger.Warn("discarding corrupt schema pins", "error", err)
		return map[string]Pin{}, nil
	}
	return pins, nil
}

func (p *Pins) save(ctx context.Context, pins map[string]Pin) error {
	raw, err := json.Marshal(pins)
	if err != nil {
		return fmt.Errorf("encode schema pins: %w", err)
	}
	if err := p.store.Set(ctx, kv.KeySchemaPins, raw); err != nil {
		return fmt.Errorf("save schema pins: %w", err)
	}
	return nil
}

// Get returns the stored pin for key.
func (p *Pins) Get(ctx context.Context, key string) (Pin, bool, error) {
	pins, err := p.load(ctx)
	if err != nil {
		return Pin{}, false, err
	}
	pin, ok := pins[key]
	return pin, ok, nil
}

// Verify compares tools against the stored pin for key. The first
// observation of a server is pinned as-is. A mismatch registers and
// returns a suspension; nil means the server may be used.
func (p *Pins) Verify(ctx context.Context, key string, tools []PinnedTool) (*Suspension, error) {
	hash := SchemaHash(tools)
	fps := Fingerprints(tools)

	p.wmu.Lock()
	defer p.wmu.Unlock()
	pins, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	pin, ok := pins[key]
	if !ok {
		pins[key] = Pin{Hash: hash, Fingerprints: fps, PinnedAt: p.now()}
		if err := p.save(ctx, pins); err != nil {
			return nil, err
		}
		p.logger.Info("pinned server schema", "server", key, "tools", len(tools))
		return nil, nil
	}
	if pin.Hash == hash {
		return nil, nil
	}

	added, removed, modified := DiffFingerprints(pin.Fingerprints, fps)
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	s := &Suspension{
		ServerKey:       key,
		NewHash:         hash,
		NewToolNames:    names,
		NewFingerprints: fps,
		Added:           added,
		Removed:         removed,
		Modified:        modified,
		SuspendedAt:     p.now(),
	}
	p.mu.Lock()
	p.suspended[key] = s
	p.mu.Unlock()
	p.logger.Warn("server schema changed; suspended", "server", key, "diff", s.Summary())
	return s, nil
}

// VerifyPartial is Verify for catalogues observed a few tools at a time.
// Tools not yet pinned are added; a changed schema for a pinned tool
// suspends key. Removal is not detectable from a partial view.
func (p *Pins) VerifyPartial(ctx context.Context, key string, tools []PinnedTool) (*Suspension, error) {
	fps := Fingerprints(tools)
	p.wmu.Lock()
	defer p.wmu.Unlock()
	pins, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	pin := pins[key]
	if pin.Fingerprints == nil {
		pin.Fingerprints = map[string]string{}
	}
	var modified, added []string
	for name, fp := range fps {
		prev, ok := pin.Fingerprints[name]
		switch {
		case !ok:
			added = append(added, name)
		case prev != fp:
			modified = append(modified, name)
		}
	}
	if len(modified) > 0 {
		merged := make(map[string]string, len(pin.Fingerprints)+len(fps))
		for n, fp := range pin.Fingerprints {
			merged[n] = fp
		}
		for n, fp := range fps {
			merged[n] = fp
		}
		sort.Strings(modified)
		names := make([]string, 0, len(merged))
		for n := range merged {
			names = append(names, n)
		}
		sort.Strings(names)
		s := &Suspension{
			ServerKey:       key,
			NewHash:         hashFingerprints(merged),
			NewToolNames:    names,
			NewFingerprints: merged,
			Modified:        modified,
			SuspendedAt:     p.now(),
		}
		p.Suspend(s)
		p.logger.Warn("tool schema changed; suspended", "server", key, "diff", s.Summary())
		return s, nil
	}
	if len(added) == 0 {
		return nil, nil
	}
	for _, n := range added {
		pin.Fingerprints[n] = fps[n]
	}
	pin.Hash = hashFingerprints(pin.Fingerprints)
	pin.PinnedAt = p.now()
	pins[key] = pin
	return nil, p.save(ctx, pins)
}

func hashFingerprints(fps map[string]string) string {
	payload, _ := json.Marshal(fps)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Suspend registers s directly.
func (p *Pins) Suspend(s *Suspension) {
	p.mu.Lock()
	p.suspended[s.ServerKey] = s
	p.mu.Unlock()
}

// IsSuspended reports whether key has a pending change.
func (p *Pins) IsSuspended(key string) bool {
	if p == nil || key == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.suspended[key]
	return ok
}

// Suspension returns the pending change for key.
func (p *Pins) Suspension(key string) (*Suspension, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.suspended[key]
	return s, ok
}

// SuspensionSummary returns the one-line diff of key's pending change.
func (p *Pins) SuspensionSummary(key string) (string, bool) {
	s, ok := p.Suspension(key)
	if !ok {
		return "", false
	}
	return s.Summary(), true
}

// Suspensions lists pending changes sorted by server key.
func (p *Pins) Suspensions() []*Suspension {
	p.mu.RLock()
	out := make([]*Suspension, 0, len(p.suspended))
	for _, s := range p.suspended {
		out = append(out, s)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerKey < out[j].ServerKey })
	return out
}

// Resolve accepts or rejects a pending change. Accepting stores the new
// pin; rejecting keeps the old pin so the change is flagged again on the
// next connection.
func (p *Pins) Resolve(ctx context.Context, key string, d Decision) error {
	p.mu.Lock()
	s, ok := p.suspended[key]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotSuspended)
	}
	switch d {
	case DecisionAccept:
		p.wmu.Lock()
		pins, err := p.load(ctx)
		if err == nil {
			pins[key] = Pin{Hash: s.NewHash, Fingerprints: s.NewFingerprints, PinnedAt: p.now()}
			err = p.save(ctx, pins)
		}
		p.wmu.Unlock()
		if err != nil {
			return err
		}
	case DecisionReject:
	default:
		return fmt.Errorf("mcp: unknown decision %q", d)
	}
	p.mu.Lock()
	delete(p.suspended, key)
	hooks := append([]func(string, Decision){}, p.onResolved...)
	p.mu.Unlock()
	p.logger.Info("suspension resolved", "server", key, "decision", string(d))
	for _, fn := range hooks {
		fn(key, d)
	}
	return nil
}
