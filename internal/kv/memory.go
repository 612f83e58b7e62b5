package kv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend holds the shared key space for in-process instances.
// Each Open call returns a Store bound to a fresh tab id.
type MemoryBackend struct {
	mu    sync.RWMutex
	data  map[string][]byte
	views map[string]*Memory
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:  make(map[string][]byte),
		views: make(map[string]*Memory),
	}
}

// Open returns a Store for a new instance. An empty tabID generates one.
func (b *MemoryBackend) Open(tabID string) *Memory {
	if tabID == "" {
		tabID = uuid.NewString()
	}
	m := &Memory{backend: b, tabID: tabID}
	b.mu.Lock()
	b.views[tabID] = m
	b.mu.Unlock()
	return m
}

func (b *MemoryBackend) broadcast(ev Event) {
	b.mu.RLock()
	var targets []func(Event)
	for id, v := range b.views {
		if id == ev.Source {
			continue
		}
		v.mu.Lock()
		targets = append(targets, v.subs.snapshot()...)
		v.mu.Unlock()
	}
	b.mu.RUnlock()
	for _, fn := range targets {
		fn(ev)
	}
}

// Memory is an in-process Store view.
type Memory struct {
	backend *MemoryBackend
	tabID   string

	mu     sync.Mutex
	subs   subscribers
	closed bool
}

// NewMemory returns a standalone store with its own backend.
func NewMemory() *Memory {
	return NewMemoryBackend().Open("")
}

// TabID implements Store.
func (m *Memory) TabID() string { return m.tabID }

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.isClosed() {
		return nil, false, ErrClosed
	}
	m.backend.mu.RLock()
	defer m.backend.mu.RUnlock()
	v, ok := m.backend.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.backend.mu.Lock()
	m.backend.data[key] = stored
	m.backend.mu.Unlock()
	m.backend.broadcast(Event{Key: key, Value: stored, Source: m.tabID})
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.backend.mu.Lock()
	_, existed := m.backend.data[key]
	delete(m.backend.data, key)
	m.backend.mu.Unlock()
	if existed {
		m.backend.broadcast(Event{Key: key, Deleted: true, Source: m.tabID})
	}
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	m.backend.mu.RLock()
	defer m.backend.mu.RUnlock()
	var keys []string
	for k := range m.backend.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.subs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs.fns, id)
		m.mu.Unlock()
	}
}

// Close detaches the view from the backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = subscribers{}
	m.mu.Unlock()
	m.backend.mu.Lock()
	delete(m.backend.views, m.tabID)
	m.backend.mu.Unlock()
	return nil
}
