// Package native implements the in-process tools that read and write the
// host graph, the memory pages, skills and scheduled jobs.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/cos/internal/cron"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/memory"
	"github.com/haasonsaas/cos/internal/tools"
)

// Deps are the services native tools operate on. Nil Memory or Jobs omits
// the corresponding tools.
type Deps struct {
	Graph    graph.Graph
	Memory   *memory.Cache
	Jobs     *cron.Store
	Now      func() time.Time
	Location *time.Location
}

func (d Deps) now() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

// Register adds every native tool to r.
func Register(r *tools.Registry, d Deps) error {
	for _, t := range Tools(d) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Tools returns the native tool set for d.
func Tools(d Deps) []tools.Tool {
	list := graphTools(d)
	if d.Memory != nil {
		list = append(list, memoryTools(d)...)
	}
	if d.Jobs != nil {
		list = append(list, cronTools(d)...)
	}
	return list
}

func define[T any](name, desc string, m tools.Mutating, category string, fn func(ctx context.Context, args T) (*tools.Result, error)) tools.Tool {
	return &tools.Func{
		ToolName:        name,
		ToolDescription: desc,
		ToolSchema:      tools.SchemaFor[T](),
		ToolMutating:    m,
		ToolOrigin:      tools.OriginNative,
		ToolCategory:    category,
		Fn: func(ctx context.Context, raw json.RawMessage) (*tools.Result, error) {
			args, err := tools.Decode[T](raw)
			if err != nil {
				return tools.Errorf("%v", err), nil
			}
			return fn(ctx, args)
		},
	}
}

// graphError turns expected host failures into model-visible results and
// passes everything else up as a dispatch error.
func graphError(op string, err error) (*tools.Result, error) {
	if errors.Is(err, graph.ErrNotFound) {
		return tools.Errorf("%s: %v", op, err), nil
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

type emptyArgs struct{}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Text to search for in block contents"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum hits (default 20),minimum=1,maximum=100"`
}

type titleArgs struct {
	Title string `json:"title" jsonschema:"description=Exact page title"`
}

type uidArgs struct {
	UID string `json:"uid" jsonschema:"description=Block uid"`
}

type createBlockArgs struct {
	ParentUID string `json:"parent_uid,omitempty" jsonschema:"description=Parent block or page uid"`
	PageTitle string `json:"page_title,omitempty" jsonschema:"description=Page title used when parent_uid is empty; created if missing"`
	Text      string `json:"text" jsonschema:"description=Block text"`
	Position  string `json:"position,omitempty" jsonschema:"enum=first,enum=last,description=Where to insert (default last)"`
}

type updateBlockArgs struct {
	UID  string `json:"uid" jsonschema:"description=Block uid"`
	Text string `json:"text" jsonschema:"description=Replacement text"`
}

type moveBlockArgs struct {
	UID       string `json:"uid" jsonschema:"description=Block to move"`
	ParentUID string `json:"parent_uid" jsonschema:"description=New parent uid"`
	Position  string `json:"position,omitempty" jsonschema:"enum=first,enum=last"`
}

type dailyArgs struct {
	Text string `json:"text" jsonschema:"description=Text to append to today's daily page"`
}

func order(position string) int {
	if strings.EqualFold(position, "first") {
		return graph.OrderFirst
	}
	return graph.OrderLast
}

func graphTools(d Deps) []tools.Tool {
	g := d.Graph
	return []tools.Tool{
		define("cos_search", "Search block text across the graph. Returns uid, text and page title per hit.",
			tools.MutatingFalse, "", func(ctx context.Context, a searchArgs) (*tools.Result, error) {
				if strings.TrimSpace(a.Query) == "" {
					return tools.Errorf("query is required"), nil
				}
				limit := a.Limit
				if limit <= 0 || limit > 100 {
					limit = 20
				}
				hits, err := g.Search(ctx, a.Query, limit)
				if err != nil {
					return nil, fmt.Errorf("search: %w", err)
				}
				return tools.JSON(map[string]any{"hits": hits, "count": len(hits)}), nil
			}),
		define("cos_get_page", "Read a page as an outline. Each line ends with the block uid in ((double parentheses)).",
			tools.MutatingFalse, "", func(ctx context.Context, a titleArgs) (*tools.Result, error) {
				page, err := g.PullPage(ctx, a.Title)
				if err != nil {
					return graphError("get page", err)
				}
				out := renderWithUIDs(page.Children)
				if out == "" {
					out = "(empty page)"
				}
				return tools.Text(fmt.Sprintf("[[%s]] ((%s))\n%s", page.Title, page.UID, out)), nil
			}),
		define("cos_get_block", "Read a block and its children.",
			tools.MutatingFalse, "", func(ctx context.Context, a uidArgs) (*tools.Result, error) {
				b, err := g.PullBlock(ctx, a.UID)
				if err != nil {
					return graphError("get block", err)
				}
				return tools.Text(renderWithUIDs([]*graph.Block{b})), nil
			}),
		define("cos_open_page", "Open a page in the main window for the user.",
			tools.MutatingFalse, "", func(ctx context.Context, a titleArgs) (*tools.Result, error) {
				if err := g.OpenPage(ctx, a.Title); err != nil {
					return graphError("open page", err)
				}
				return tools.Text("Opened [[" + a.Title + "]]"), nil
			}),
		define("cos_create_page", "Create a page. Returns its uid; an existing title returns the existing uid.",
			tools.MutatingTrue, "", func(ctx context.Context, a titleArgs) (*tools.Result, error) {
				if strings.TrimSpace(a.Title) == "" {
					return tools.Errorf("title is required"), nil
				}
				uid, err := g.CreatePage(ctx, a.Title)
				if err != nil {
					return graphError("create page", err)
				}
				return tools.JSON(map[string]string{"uid": uid, "title": a.Title}), nil
			}),
		define("cos_create_block", "Create a block under a parent uid or at the top level of a page.",
			tools.MutatingTrue, "", func(ctx context.Context, a createBlockArgs) (*tools.Result, error) {
				parent := a.ParentUID
				if parent == "" {
					if strings.TrimSpace(a.PageTitle) == "" {
						return tools.Errorf("parent_uid or page_title is required"), nil
					}
					uid, err := graph.EnsurePage(ctx, g, a.PageTitle)
					if err != nil {
						return graphError("ensure page", err)
					}
					parent = uid
				}
				uid, err := g.CreateBlock(ctx, parent, order(a.Position), a.Text)
				if err != nil {
					return graphError("create block", err)
				}
				return tools.JSON(map[string]string{"uid": uid, "parent_uid": parent}), nil
			}),
		define("cos_update_block", "Replace the text of a block.",
			tools.MutatingTrue, "", func(ctx context.Context, a updateBlockArgs) (*tools.Result, error) {
				if err := g.UpdateBlock(ctx, a.UID, a.Text); err != nil {
					return graphError("update block", err)
				}
				return tools.JSON(map[string]string{"uid": a.UID, "status": "updated"}), nil
			}),
		define("cos_move_block", "Move a block under a new parent.",
			tools.MutatingTrue, "", func(ctx context.Context, a moveBlockArgs) (*tools.Result, error) {
				if err := g.MoveBlock(ctx, a.UID, a.ParentUID, order(a.Position)); err != nil {
					return graphError("move block", err)
				}
				return tools.JSON(map[string]string{"uid": a.UID, "parent_uid": a.ParentUID, "status": "moved"}), nil
			}),
		define("cos_delete_block", "Delete a block and its children.",
			tools.MutatingTrue, "", func(ctx context.Context, a uidArgs) (*tools.Result, error) {
				if err := g.DeleteBlock(ctx, a.UID); err != nil {
					return graphError("delete block", err)
				}
				return tools.JSON(map[string]string{"uid": a.UID, "status": "deleted"}), nil
			}),
		define("cos_append_daily", "Append a block to today's daily page.",
			tools.MutatingTrue, "", func(ctx context.Context, a dailyArgs) (*tools.Result, error) {
				title := graph.DateTitle(d.now())
				pageUID, err := graph.EnsurePage(ctx, g, title)
				if err != nil {
					return graphError("ensure daily page", err)
				}
				uid, err := g.CreateBlock(ctx, pageUID, graph.OrderLast, a.Text)
				if err != nil {
					return graphError("append daily", err)
				}
				return tools.JSON(map[string]string{"uid": uid, "page_title": title}), nil
			}),
	}
}

func renderWithUIDs(blocks []*graph.Block) string {
	var b strings.Builder
	var walk func([]*graph.Block, int)
	walk = func(bs []*graph.Block, depth int) {
		for _, blk := range bs {
			fmt.Fprintf(&b, "%s- %s ((%s))\n", strings.Repeat("  ", depth), blk.String, blk.UID)
			walk(blk.Children, depth+1)
		}
	}
	walk(blocks, 0)
	return strings.TrimRight(b.String(), "\n")
}
