// Package graph defines the host knowledge-graph port the runtime reads and
// writes, plus an in-memory implementation used by the CLI and tests.
package graph

import (
	"context"
	"errors"
	"strings"
)

// Order values for CreateBlock and MoveBlock.
const (
	OrderFirst = 0
	OrderLast  = -1
)

var (
	// ErrNotFound is returned when a page or block does not exist.
	ErrNotFound = errors.New("graph: not found")
	// ErrTransient marks a write failure worth retrying.
	ErrTransient = errors.New("graph: transient failure")
	// ErrUnsupportedQuery is returned by hosts that cannot run raw queries.
	ErrUnsupportedQuery = errors.New("graph: query not supported")
)

// Block is a node in a page tree.
type Block struct {
	UID      string   `json:"uid"`
	String   string   `json:"string"`
	Order    int      `json:"order"`
	Heading  int      `json:"heading,omitempty"`
	Children []*Block `json:"children,omitempty"`
}

// Page is a titled root with top-level child blocks.
type Page struct {
	UID      string   `json:"uid"`
	Title    string   `json:"title"`
	Children []*Block `json:"children,omitempty"`
}

// SearchHit is one block matched by Search.
type SearchHit struct {
	UID       string `json:"uid"`
	String    string `json:"string"`
	PageTitle string `json:"page_title"`
}

// WatchEvent carries page snapshots before and after a change. Before is
// nil when the page was just created; After is nil when it was deleted.
type WatchEvent struct {
	Title  string
	Before *Page
	After  *Page
}

// Graph is the host API consumed by the runtime.
type Graph interface {
	// Query runs a raw datalog query against the host.
	Query(ctx context.Context, query string, args ...any) ([][]any, error)
	// PullPage returns the full tree of the titled page.
	PullPage(ctx context.Context, title string) (*Page, error)
	// PullBlock returns a block subtree.
	PullBlock(ctx context.Context, uid string) (*Block, error)
	// PageOf returns the title of the page containing uid.
	PageOf(ctx context.Context, uid string) (string, error)
	Search(ctx context.Context, text string, limit int) ([]SearchHit, error)

	CreatePage(ctx context.Context, title string) (string, error)
	// CreateBlock inserts text under parent (a page or block uid) at order.
	CreateBlock(ctx context.Context, parentUID string, order int, text string) (string, error)
	UpdateBlock(ctx context.Context, uid, text string) error
	MoveBlock(ctx context.Context, uid, parentUID string, order int) error
	DeleteBlock(ctx context.Context, uid string) error
	OpenPage(ctx context.Context, title string) error

	// Watch calls fn after every change under the titled page until stop is called.
	Watch(ctx context.Context, title string, fn func(WatchEvent)) (stop func(), err error)
	NewUID() string
}

// EnsurePage returns the uid of title, creating the page when missing.
func EnsurePage(ctx context.Context, g Graph, title string) (string, error) {
	page, err := g.PullPage(ctx, title)
	if err == nil {
		return page.UID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return g.CreatePage(ctx, title)
}

// Render flattens blocks into an indented outline.
func Render(blocks []*Block) string {
	var b strings.Builder
	var walk func([]*Block, int)
	walk = func(bs []*Block, depth int) {
		for _, blk := range bs {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("- ")
			b.WriteString(blk.String)
			b.WriteByte('\n')
			walk(blk.Children, depth+1)
		}
	}
	walk(blocks, 0)
	return b.String()
}

// FindChild returns the first direct child whose text equals s.
func FindChild(children []*Block, s string) *Block {
	for _, c := range children {
		if strings.TrimSpace(c.String) == s {
			return c
		}
	}
	return nil
}
