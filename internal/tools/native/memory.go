package native

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/cos/internal/memory"
	"github.com/haasonsaas/cos/internal/tools"
)

type memoryArgs struct {
	Page string `json:"page,omitempty" jsonschema:"description=Memory page title (default Chief of Staff/Memory)"`
	Text string `json:"text" jsonschema:"description=A plain fact to remember"`
}

type skillArgs struct {
	Name string `json:"name" jsonschema:"description=Skill name from the skill index"`
}

func memoryTools(d Deps) []tools.Tool {
	mem := d.Memory
	pages := strings.Join(mem.Pages(), ", ")
	return []tools.Tool{
		define("cos_update_memory", "Save a fact to a memory page. Pages: "+pages+".",
			tools.MutatingTrue, "", func(ctx context.Context, a memoryArgs) (*tools.Result, error) {
				uid, err := mem.Write(ctx, a.Page, a.Text)
				var blocked *memory.BlockedWriteError
				switch {
				case errors.As(err, &blocked):
					return &tools.Result{IsError: true, Content: tools.JSON(map[string]any{
						"error":      "memory_write_blocked",
						"page":       blocked.Page,
						"categories": blocked.Categories,
						"hint":       "restate the memory as a plain fact without instructions",
					}).Content}, nil
				case err != nil:
					return tools.Errorf("update memory: %v", err), nil
				}
				page := a.Page
				if page == "" {
					page = mem.Pages()[0]
				}
				return tools.JSON(map[string]string{"uid": uid, "page_title": page, "status": "saved"}), nil
			}),
		define("cos_get_skill", "Load the full instructions of a skill.",
			tools.MutatingFalse, "", func(ctx context.Context, a skillArgs) (*tools.Result, error) {
				s, ok, err := mem.Skill(ctx, a.Name)
				if err != nil {
					return nil, err
				}
				if !ok {
					return tools.Errorf("skill %q not found", a.Name), nil
				}
				var b strings.Builder
				b.WriteString("# " + s.Name + "\n" + s.Body)
				if len(s.Sources) > 0 {
					b.WriteString("\n\nRequired sources before writing: " + strings.Join(s.Sources, ", "))
				}
				return tools.Text(b.String()), nil
			}),
	}
}
