package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
)

// fakeServer is a minimal MCP server speaking the SSE transport.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	tools      []*Tool
	sessions   map[string]chan []byte
	nextID     int
	calls      []string
	noEndpoint bool
}

func newFakeServer(t *testing.T, tools ...*Tool) *fakeServer {
	t.Helper()
	f := &fakeServer{t: t, tools: tools, sessions: map[string]chan []byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", f.handleSSE)
	mux.HandleFunc("/message", f.handleMessage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) port() int {
	u, _ := url.Parse(f.srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return p
}

func (f *fakeServer) setTools(tools ...*Tool) {
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
}

func (f *fakeServer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "no flush", http.StatusInternalServerError)
		return
	}
	f.mu.Lock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	out := make(chan []byte, 16)
	f.sessions[id] = out
	noEndpoint := f.noEndpoint
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.sessions, id)
		f.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": hello\n\n")
	if !noEndpoint {
		fmt.Fprintf(w, "event: endpoint\ndata: /message?session=%s\n\n", id)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (f *fakeServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	if req.ID == nil {
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
	f.mu.Lock()
	switch req.Method {
	case "initialize":
		resp["result"] = map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]string{"name": "fake", "version": "0.1"},
		}
	case "tools/list":
		resp["result"] = map[string]any{"tools": f.tools}
	case "tools/call":
		var p CallToolParams
		_ = json.Unmarshal(req.Params, &p)
		f.calls = append(f.calls, p.Name+" "+string(p.Arguments))
		if p.Name == "fail" {
			resp["error"] = map[string]any{"code": ErrCodeInternalError, "message": "boom"}
		} else {
			resp["result"] = map[string]any{"content": []map[string]string{{"type": "text", "text": "called " + p.Name}}}
		}
	default:
		resp["error"] = map[string]any{"code": ErrCodeMethodNotFound, "message": "no such method"}
	}
	out := f.sessions[r.URL.Query().Get("session")]
	f.mu.Unlock()

	payload, _ := json.Marshal(resp)
	if out != nil {
		out <- payload
	}
}

func boolPtr(b bool) *bool { return &b }

func readOnlyTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "Read " + name,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		Annotations: &ToolAnnotations{ReadOnlyHint: boolPtr(true)},
	}
}

func destructiveTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "Change " + name,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		Annotations: &ToolAnnotations{DestructiveHint: boolPtr(true)},
	}
}
