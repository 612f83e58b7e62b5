package graph

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type node struct {
	uid      string
	text     string
	heading  int
	parent   string
	children []string
	title    string // set for pages
}

type watcher struct {
	id    int
	title string
	fn    func(WatchEvent)
}

// Memory is an in-process Graph. Watch callbacks run synchronously after
// the mutation that triggered them, outside the graph lock.
type Memory struct {
	mu       sync.RWMutex
	nodes    map[string]*node
	titles   map[string]string // title -> page uid
	watchers []watcher
	nextID   int
	opened   []string

	// QueryFunc answers Query calls; nil makes Query unsupported.
	QueryFunc func(query string, args []any) ([][]any, error)
	// FailWrites, when set, is consulted before every write.
	FailWrites func(op string) error
}

// NewMemory returns an empty graph.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]*node), titles: make(map[string]string)}
}

const uidAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

// NewUID returns a 9-character block uid.
func (m *Memory) NewUID() string {
	buf := make([]byte, 9)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = uidAlphabet[int(buf[i])%len(uidAlphabet)]
	}
	return string(buf)
}

// Query implements Graph.
func (m *Memory) Query(_ context.Context, query string, args ...any) ([][]any, error) {
	if m.QueryFunc == nil {
		return nil, ErrUnsupportedQuery
	}
	return m.QueryFunc(query, args)
}

// PullPage implements Graph.
func (m *Memory) PullPage(_ context.Context, title string) (*Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.snapshotLocked(title)
	if p == nil {
		return nil, fmt.Errorf("page %q: %w", title, ErrNotFound)
	}
	return p, nil
}

// PullBlock implements Graph.
func (m *Memory) PullBlock(_ context.Context, uid string) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[uid]
	if !ok || n.title != "" {
		return nil, fmt.Errorf("block %q: %w", uid, ErrNotFound)
	}
	return m.blockLocked(n, m.orderOf(n)), nil
}

// PageOf implements Graph.
func (m *Memory) PageOf(_ context.Context, uid string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	title := m.pageTitleLocked(uid)
	if title == "" {
		return "", fmt.Errorf("block %q: %w", uid, ErrNotFound)
	}
	return title, nil
}

// Search implements Graph with a case-insensitive substring match.
func (m *Memory) Search(_ context.Context, text string, limit int) ([]SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(text))
	var hits []SearchHit
	for _, n := range m.nodes {
		if n.title != "" || needle == "" {
			continue
		}
		if strings.Contains(strings.ToLower(n.text), needle) {
			hits = append(hits, SearchHit{UID: n.uid, String: n.text, PageTitle: m.pageTitleLocked(n.uid)})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].PageTitle != hits[j].PageTitle {
			return hits[i].PageTitle < hits[j].PageTitle
		}
		return hits[i].UID < hits[j].UID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// CreatePage implements Graph. Creating an existing title returns its uid.
func (m *Memory) CreatePage(_ context.Context, title string) (string, error) {
	if err := m.check("create-page"); err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("graph: empty page title")
	}
	m.mu.Lock()
	if uid, ok := m.titles[title]; ok {
		m.mu.Unlock()
		return uid, nil
	}
	uid := m.NewUID()
	m.nodes[uid] = &node{uid: uid, title: title}
	m.titles[title] = uid
	events := m.eventsLocked(map[string]*Page{title: nil})
	m.mu.Unlock()
	m.fire(events)
	return uid, nil
}

// CreateBlock implements Graph.
func (m *Memory) CreateBlock(_ context.Context, parentUID string, order int, text string) (string, error) {
	if err := m.check("create-block"); err != nil {
		return "", err
	}
	m.mu.Lock()
	parent, ok := m.nodes[parentUID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("parent %q: %w", parentUID, ErrNotFound)
	}
	before := m.beforeLocked(parentUID)
	uid := m.NewUID()
	m.nodes[uid] = &node{uid: uid, text: text, parent: parentUID}
	parent.children = insertAt(parent.children, uid, order)
	events := m.eventsLocked(before)
	m.mu.Unlock()
	m.fire(events)
	return uid, nil
}

// UpdateBlock implements Graph.
func (m *Memory) UpdateBlock(_ context.Context, uid, text string) error {
	if err := m.check("update-block"); err != nil {
		return err
	}
	m.mu.Lock()
	n, ok := m.nodes[uid]
	if !ok || n.title != "" {
		m.mu.Unlock()
		return fmt.Errorf("block %q: %w", uid, ErrNotFound)
	}
	before := m.beforeLocked(uid)
	n.text = text
	events := m.eventsLocked(before)
	m.mu.Unlock()
	m.fire(events)
	return nil
}

// SetHeading marks a block as a heading of the given level.
func (m *Memory) SetHeading(uid string, level int) {
	m.mu.Lock()
	if n, ok := m.nodes[uid]; ok {
		n.heading = level
	}
	m.mu.Unlock()
}

// MoveBlock implements Graph.
func (m *Memory) MoveBlock(_ context.Context, uid, parentUID string, order int) error {
	if err := m.check("move-block"); err != nil {
		return err
	}
	m.mu.Lock()
	n, ok := m.nodes[uid]
	target, tok := m.nodes[parentUID]
	if !ok || !tok || n.title != "" {
		m.mu.Unlock()
		return fmt.Errorf("move %q under %q: %w", uid, parentUID, ErrNotFound)
	}
	for p := parentUID; p != ""; p = m.nodes[p].parent {
		if p == uid {
			m.mu.Unlock()
			return fmt.Errorf("graph: cannot move %q under its own descendant", uid)
		}
	}
	before := m.beforeLocked(uid)
	for k, v := range m.beforeLocked(parentUID) {
		before[k] = v
	}
	old := m.nodes[n.parent]
	old.children = remove(old.children, uid)
	n.parent = parentUID
	target.children = insertAt(target.children, uid, order)
	events := m.eventsLocked(before)
	m.mu.Unlock()
	m.fire(events)
	return nil
}

// DeleteBlock implements Graph.
func (m *Memory) DeleteBlock(_ context.Context, uid string) error {
	if err := m.check("delete-block"); err != nil {
		return err
	}
	m.mu.Lock()
	n, ok := m.nodes[uid]
	if !ok || n.title != "" {
		m.mu.Unlock()
		return fmt.Errorf("block %q: %w", uid, ErrNotFound)
	}
	before := m.beforeLocked(uid)
	parent := m.nodes[n.parent]
	parent.children = remove(parent.children, uid)
	var drop func(string)
	drop = func(id string) {
		for _, c := range m.nodes[id].children {
			drop(c)
		}
		delete(m.nodes, id)
	}
	drop(uid)
	events := m.eventsLocked(before)
	m.mu.Unlock()
	m.fire(events)
	return nil
}

// OpenPage records the navigation request.
func (m *Memory) OpenPage(_ context.Context, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.titles[title]; !ok {
		return fmt.Errorf("page %q: %w", title, ErrNotFound)
	}
	m.opened = append(m.opened, title)
	return nil
}

// Opened returns the titles passed to OpenPage.
func (m *Memory) Opened() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.opened...)
}

// Watch implements Graph.
func (m *Memory) Watch(_ context.Context, title string, fn func(WatchEvent)) (func(), error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, watcher{id: id, title: title, fn: fn})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}, nil
}

func (m *Memory) check(op string) error {
	if m.FailWrites != nil {
		return m.FailWrites(op)
	}
	return nil
}

// beforeLocked snapshots the page containing uid, if any watcher cares.
func (m *Memory) beforeLocked(uid string) map[string]*Page {
	out := map[string]*Page{}
	title := m.pageTitleLocked(uid)
	if title == "" {
		return out
	}
	if m.watched(title) {
		out[title] = m.snapshotLocked(title)
	} else {
		out[title] = nil
	}
	return out
}

func (m *Memory) watched(title string) bool {
	for _, w := range m.watchers {
		if w.title == title {
			return true
		}
	}
	return false
}

type pending struct {
	fn func(WatchEvent)
	ev WatchEvent
}

func (m *Memory) eventsLocked(before map[string]*Page) []pending {
	var out []pending
	titles := make([]string, 0, len(before))
	for t := range before {
		titles = append(titles, t)
	}
	sort.Strings(titles)
	for _, title := range titles {
		if !m.watched(title) {
			continue
		}
		after := m.snapshotLocked(title)
		for _, w := range m.watchers {
			if w.title == title {
				out = append(out, pending{fn: w.fn, ev: WatchEvent{Title: title, Before: before[title], After: after}})
			}
		}
	}
	return out
}

func (m *Memory) fire(events []pending) {
	for _, p := range events {
		p.fn(p.ev)
	}
}

func (m *Memory) pageTitleLocked(uid string) string {
	for cur := uid; cur != ""; {
		n, ok := m.nodes[cur]
		if !ok {
			return ""
		}
		if n.title != "" {
			return n.title
		}
		cur = n.parent
	}
	return ""
}

func (m *Memory) snapshotLocked(title string) *Page {
	uid, ok := m.titles[title]
	if !ok {
		return nil
	}
	n := m.nodes[uid]
	p := &Page{UID: uid, Title: title}
	for i, c := range n.children {
		p.Children = append(p.Children, m.blockLocked(m.nodes[c], i))
	}
	return p
}

func (m *Memory) blockLocked(n *node, order int) *Block {
	b := &Block{UID: n.uid, String: n.text, Order: order, Heading: n.heading}
	for i, c := range n.children {
		b.Children = append(b.Children, m.blockLocked(m.nodes[c], i))
	}
	return b
}

func (m *Memory) orderOf(n *node) int {
	if p, ok := m.nodes[n.parent]; ok {
		for i, c := range p.children {
			if c == n.uid {
				return i
			}
		}
	}
	return 0
}

func insertAt(list []string, uid string, order int) []string {
	if order < 0 || order >= len(list) {
		return append(list, uid)
	}
	list = append(list, "")
	copy(list[order+1:], list[order:])
	list[order] = uid
	return list
}

func remove(list []string, uid string) []string {
	for i, v := range list {
		if v == uid {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
