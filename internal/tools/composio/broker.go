// Package composio connects the assistant to the hosted tool broker: a
// remote MCP endpoint that searches, describes and executes third-party
// toolkit actions on the user's behalf.
package composio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/mcp"
)

// Broker meta-tool names.
const (
	SearchToolsName       = "COMPOSIO_SEARCH_TOOLS"
	GetToolSchemasName    = "COMPOSIO_GET_TOOL_SCHEMAS"
	MultiExecuteName      = "COMPOSIO_MULTI_EXECUTE_TOOL"
	ManageConnectionsName = "COMPOSIO_MANAGE_CONNECTIONS"
)

var (
	// ErrNoAPIKey is returned by Connect when no key is configured.
	ErrNoAPIKey = errors.New("composio: api key is not set")
	// ErrNotConnected is returned by broker calls before Connect.
	ErrNotConnected = errors.New("composio: broker is not connected")
)

// BrokerError is a tool-level failure reported by the broker.
type BrokerError struct {
	Tool    string
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("composio %s: %s", e.Tool, e.Message)
}

// SearchHit is one tool suggested by SEARCH_TOOLS.
type SearchHit struct {
	Slug        string `json:"slug"`
	Toolkit     string `json:"toolkit"`
	Description string `json:"description,omitempty"`
}

// ToolSchema is a broker tool's full definition.
type ToolSchema struct {
	Slug        string          `json:"slug"`
	Toolkit     string          `json:"toolkit"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Execution is one entry of a multi-execute batch.
type Execution struct {
	ToolSlug  string          `json:"tool_slug"`
	Arguments json.RawMessage `json:"arguments"`
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	BaseURL string
	// ProxyURL, when set, is prefixed to BaseURL.
	ProxyURL   string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Broker is the client for the hosted broker endpoint.
type Broker struct {
	cfg    BrokerConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *mcp.Client
}

// NewBroker creates an unconnected broker.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{cfg: cfg, logger: cfg.Logger.With("component", "composio")}
}

// Endpoint returns the URL requests are posted to.
func (b *Broker) Endpoint() string {
	base := strings.TrimRight(b.cfg.BaseURL, "/")
	if b.cfg.ProxyURL == "" {
		return base
	}
	return strings.TrimRight(b.cfg.ProxyURL, "/") + "/" + base
}

// SetAPIKey replaces the key used by the next Connect.
func (b *Broker) SetAPIKey(key string) {
	b.mu.Lock()
	b.cfg.APIKey = strings.TrimSpace(key)
	b.mu.Unlock()
}

// Connect runs the MCP handshake against the broker. It is a no-op when
// already connected.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil && b.client.Connected() {
		return nil
	}
	if b.cfg.APIKey == "" {
		return ErrNoAPIKey
	}
	tr := mcp.NewHTTPTransport(b.Endpoint(), map[string]string{"x-api-key": b.cfg.APIKey}, b.cfg.HTTPClient, b.cfg.Timeout)
	client := mcp.NewClient(tr, b.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("composio connect: %w", err)
	}
	b.client = client
	b.logger.Info("broker connected", "tools", len(client.Tools()))
	return nil
}

// Disconnect drops the broker session.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// Connected reports whether a session is open.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.client.Connected()
}

func (b *Broker) session() (*mcp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || !b.client.Connected() {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *Broker) call(ctx context.Context, tool string, args any) (*mcp.ToolCallResult, error) {
	client, err := b.session()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s arguments: %w", tool, err)
	}
	res, err := client.CallTool(ctx, tool, raw)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// callJSON calls tool and decodes its text content leniently.
func (b *Broker) callJSON(ctx context.Context, tool string, args any) (any, error) {
	res, err := b.call(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, &BrokerError{Tool: tool, Message: res.Text()}
	}
	return decodeLenient(res.Text()), nil
}

// Search asks the broker which tools fit a use case.
func (b *Broker) Search(ctx context.Context, query string) ([]SearchHit, error) {
	v, err := b.callJSON(ctx, SearchToolsName, map[string]any{
		"queries": []map[string]string{{"use_case": query}},
	})
	if err != nil {
		return nil, err
	}
	var hits []SearchHit
	seen := map[string]bool{}
	walk(v, func(m map[string]any) {
		slug := NormalizeSlug(firstString(m, "tool_slug", "slug"))
		if slug == "" || seen[slug] {
			return
		}
		seen[slug] = true
		hits = append(hits, SearchHit{
			Slug:        slug,
			Toolkit:     toolkitOf(m, slug),
			Description: firstString(m, "description", "tool_description"),
		})
	})
	return hits, nil
}

// GetSchemas fetches full definitions for slugs.
func (b *Broker) GetSchemas(ctx context.Context, slugs []string) ([]ToolSchema, error) {
	v, err := b.callJSON(ctx, GetToolSchemasName, map[string]any{"tool_slugs": slugs})
	if err != nil {
		return nil, err
	}
	var out []ToolSchema
	seen := map[string]bool{}
	walk(v, func(m map[string]any) {
		slug := NormalizeSlug(firstString(m, "tool_slug", "slug", "name"))
		schema := firstValue(m, "input_schema", "inputSchema", "input_parameters", "parameters")
		if slug == "" || schema == nil || seen[slug] {
			return
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return
		}
		seen[slug] = true
		out = append(out, ToolSchema{
			Slug:        slug,
			Toolkit:     toolkitOf(m, slug),
			Description: firstString(m, "description"),
			InputSchema: raw,
		})
	})
	return out, nil
}

// MultiExecute runs a batch of tool calls in one broker request.
func (b *Broker) MultiExecute(ctx context.Context, calls []Execution) (*mcp.ToolCallResult, error) {
	for i := range calls {
		if len(calls[i].Arguments) == 0 {
			calls[i].Arguments = json.RawMessage(`{}`)
		}
	}
	return b.call(ctx, MultiExecuteName, map[string]any{"tools": calls})
}

// Connection is the state of a toolkit's account link.
type Connection struct {
	Toolkit     string `json:"toolkit"`
	Active      bool   `json:"active"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// ManageConnections checks or initiates toolkit account links. Toolkits
// needing authorization carry the OAuth redirect URL.
func (b *Broker) ManageConnections(ctx context.Context, toolkits []string) ([]Connection, error) {
	v, err := b.callJSON(ctx, ManageConnectionsName, map[string]any{"toolkits": toolkits})
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(toolkits))
	for _, tk := range toolkits {
		c := Connection{Toolkit: NormalizeToolkit(tk)}
		node := findToolkitNode(v, c.Toolkit)
		if node == nil {
			node = v
		}
		c.RedirectURL = FindRedirectURL(node)
		c.Active = c.RedirectURL == "" && connectionActive(node)
		out = append(out, c)
	}
	return out, nil
}

func findToolkitNode(v any, toolkit string) any {
	var found any
	walk(v, func(m map[string]any) {
		if found != nil {
			return
		}
		if NormalizeToolkit(firstString(m, "toolkit", "toolkit_slug", "app")) == toolkit {
			found = m
			return
		}
		for k, child := range m {
			if NormalizeToolkit(k) == toolkit {
				found = child
				return
			}
		}
	})
	return found
}

func connectionActive(v any) bool {
	active := false
	walk(v, func(m map[string]any) {
		if s := strings.ToUpper(firstString(m, "status", "connection_status")); s == "ACTIVE" || s == "CONNECTED" {
			active = true
		}
		if b, ok := m["has_active_connection"].(bool); ok && b {
			active = true
		}
	})
	return active
}

// decodeLenient parses text as JSON when it looks like JSON and returns
// the raw string otherwise.
func decodeLenient(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return text
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return text
	}
	return v
}

// walk visits every object in v breadth-first. JSON documents embedded
// as strings are decoded and visited too.
func walk(v any, fn func(map[string]any)) {
	queue := []any{v}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		switch x := cur.(type) {
		case map[string]any:
			fn(x)
			for _, child := range x {
				queue = append(queue, child)
			}
		case []any:
			queue = append(queue, x...)
		case string:
			if len(x) > 1 && (x[0] == '{' || x[0] == '[') {
				if decoded := decodeLenient(x); decoded != nil {
					if _, still := decoded.(string); !still {
						queue = append(queue, decoded)
					}
				}
			}
		}
	}
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func toolkitOf(m map[string]any, slug string) string {
	if tk := firstString(m, "toolkit", "toolkit_slug", "app", "app_name"); tk != "" {
		return NormalizeToolkit(tk)
	}
	if tk, ok := m["toolkit"].(map[string]any); ok {
		if s := firstString(tk, "slug", "name"); s != "" {
			return NormalizeToolkit(s)
		}
	}
	return NormalizeToolkit(strings.SplitN(slug, "_", 2)[0])
}
