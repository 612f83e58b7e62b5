package composio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/haasonsaas/cos/internal/mcp"
)

const testAPIKey = "test-key"

// fakeBroker answers the broker's JSON-RPC surface over plain JSON
// responses.
type fakeBroker struct {
	srv *httptest.Server

	mu          sync.Mutex
	schemas     map[string]ToolSchema
	hits        []string
	schemaCalls int
	executed    [][]Execution
	redirect    string
	badKeys     int
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	f := &fakeBroker{schemas: map[string]ToolSchema{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBroker) addSchema(s ToolSchema) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[s.Slug] = s
	f.hits = append(f.hits, s.Slug)
}

func (f *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-api-key") != testAPIKey {
		f.mu.Lock()
		f.badKeys++
		f.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
	switch req.Method {
	case "initialize":
		resp["result"] = map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"serverInfo":      map[string]string{"name": "broker", "version": "3"},
		}
	case "tools/list":
		resp["result"] = map[string]any{"tools": []map[string]any{
			{"name": SearchToolsName, "inputSchema": map[string]any{"type": "object"}},
			{"name": MultiExecuteName, "inputSchema": map[string]any{"type": "object"}},
		}}
	case "tools/call":
		var p mcp.CallToolParams
		_ = json.Unmarshal(req.Params, &p)
		resp["result"] = map[string]any{
			"content": []map[string]string{{"type": "text", "text": f.callTool(p)}},
		}
	default:
		resp["error"] = map[string]any{"code": mcp.ErrCodeMethodNotFound, "message": "no such method"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeBroker) callTool(p mcp.CallToolParams) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out any
	switch p.Name {
	case SearchToolsName:
		var results []map[string]string
		for _, slug := range f.hits {
			results = append(results, map[string]string{"tool_slug": slug, "toolkit": f.schemas[slug].Toolkit})
		}
		out = map[string]any{"successful": true, "data": map[string]any{"results": results}}
	case GetToolSchemasName:
		f.schemaCalls++
		var args struct {
			ToolSlugs []string `json:"tool_slugs"`
		}
		_ = json.Unmarshal(p.Arguments, &args)
		var list []map[string]any
		for _, slug := range args.ToolSlugs {
			s := f.schemas[slug]
			list = append(list, map[string]any{
				"slug":         s.Slug,
				"toolkit":      map[string]string{"slug": s.Toolkit},
				"description":  s.Description,
				"input_schema": s.InputSchema,
			})
		}
		// Schemas arrive as an embedded JSON string, as the hosted broker does.
		inner, _ := json.Marshal(map[string]any{"tool_schemas": list})
		out = map[string]any{"data": string(inner)}
	case MultiExecuteName:
		var args struct {
			Tools []Execution `json:"tools"`
		}
		_ = json.Unmarshal(p.Arguments, &args)
		f.executed = append(f.executed, args.Tools)
		out = map[string]any{"successful": true, "results": len(args.Tools)}
	case ManageConnectionsName:
		out = map[string]any{"data": map[string]any{"results": map[string]any{
			"gmail": map[string]any{"status": "INITIATED", "redirect_url": f.redirect},
		}}}
	}
	payload, _ := json.Marshal(out)
	return string(payload)
}

func schema(slug, toolkit, desc, body string) ToolSchema {
	return ToolSchema{Slug: slug, Toolkit: toolkit, Description: desc, InputSchema: json.RawMessage(body)}
}
