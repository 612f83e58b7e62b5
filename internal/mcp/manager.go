package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/backoff"
	"github.com/haasonsaas/cos/internal/prompt"
	"github.com/haasonsaas/cos/internal/tools"
)

// DefaultDirectToolLimit is the largest catalogue registered tool by tool.
const DefaultDirectToolLimit = 15

// ErrUnknownServer is returned for ports that were never connected.
var ErrUnknownServer = errors.New("mcp: unknown server")

// ServerKey returns the pin key for a local server port.
func ServerKey(port int) string {
	return "local-mcp:" + strconv.Itoa(port)
}

// server is one port's connection state.
type server struct {
	port int
	key  string
	url  string

	mu         sync.RWMutex
	client     *Client
	info       ServerInfo
	defs       []*Tool
	routed     bool
	registered []string
	lastErr    error
	cancel     context.CancelFunc
	done       chan struct{}
}

func (s *server) label() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info.Name != "" {
		return s.info.Name
	}
	return s.key
}

func (s *server) toolDefs() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defs
}

func (s *server) call(ctx context.Context, name string, args json.RawMessage) (*tools.Result, error) {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil || !c.Connected() {
		return tools.Errorf("MCP server %s is not connected", s.key), nil
	}
	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			return tools.Errorf("%s: %s", name, rpcErr.Message), nil
		}
		return nil, err
	}
	return &tools.Result{Content: res.Text(), IsError: res.IsError}, nil
}

// ServerStatus is a snapshot of one server for status commands.
type ServerStatus struct {
	Port      int    `json:"port"`
	Key       string `json:"key"`
	Name      string `json:"name,omitempty"`
	Connected bool   `json:"connected"`
	Routed    bool   `json:"routed"`
	Tools     int    `json:"tools"`
	Suspended bool   `json:"suspended"`
	Error     string `json:"error,omitempty"`
}

// Manager owns one SSE connection per configured port and keeps the tool
// registry in sync with what each server advertises.
type Manager struct {
	registry       *tools.Registry
	pins           *Pins
	bom            *BOM
	host           string
	connectTimeout time.Duration
	directLimit    int
	policy         backoff.Policy
	httpClient     *http.Client
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.RWMutex
	servers map[int]*server
	metaOn  bool
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithHost sets the host local servers listen on.
func WithHost(host string) Option { return func(m *Manager) { m.host = host } }

// WithManagerConnectTimeout bounds each connection attempt.
func WithManagerConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithDirectToolLimit sets the catalogue size above which meta-tools are used.
func WithDirectToolLimit(n int) Option { return func(m *Manager) { m.directLimit = n } }

// WithReconnectPolicy overrides the reconnect backoff.
func WithReconnectPolicy(p backoff.Policy) Option { return func(m *Manager) { m.policy = p } }

// WithManagerHTTPClient sets the HTTP client shared by transports.
func WithManagerHTTPClient(c *http.Client) Option { return func(m *Manager) { m.httpClient = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a manager registering into reg. pins and bom may be
// shared with other server origins.
func NewManager(reg *tools.Registry, pins *Pins, bom *BOM, opts ...Option) *Manager {
	m := &Manager{
		registry:       reg,
		pins:           pins,
		bom:            bom,
		host:           "127.0.0.1",
		connectTimeout: DefaultConnectTimeout,
		directLimit:    DefaultDirectToolLimit,
		policy:         backoff.ReconnectPolicy(),
		httpClient:     &http.Client{},
		logger:         slog.Default().With("component", "mcp"),
		now:            time.Now,
		servers:        make(map[int]*server),
	}
	for _, opt := range opts {
		opt(m)
	}
	pins.OnResolved(m.resolved)
	return m
}

func (m *Manager) baseURL(port int) string {
	return "http://" + m.host + ":" + strconv.Itoa(port)
}

// Connect opens a connection to port once, without reconnecting.
func (m *Manager) Connect(ctx context.Context, port int) error {
	srv := m.ensure(port)
	return m.connectOnce(ctx, srv)
}

// Start supervises every port in the background, reconnecting with backoff
// when a connection fails or drops.
func (m *Manager) Start(ctx context.Context, ports []int) {
	for _, port := range ports {
		srv := m.ensure(port)
		srv.mu.Lock()
		if srv.cancel != nil {
			srv.mu.Unlock()
			continue
		}
		sctx, cancel := context.WithCancel(ctx)
		srv.cancel = cancel
		srv.done = make(chan struct{})
		done := srv.done
		srv.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer close(done)
			m.supervise(sctx, srv)
		}()
	}
}

func (m *Manager) supervise(ctx context.Context, srv *server) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.drop(srv)
			return
		}
		err := m.connectOnce(ctx, srv)
		if err == nil {
			attempt = 0
			srv.mu.RLock()
			c := srv.client
			srv.mu.RUnlock()
			select {
			case <-ctx.Done():
				m.drop(srv)
				return
			case <-c.Done():
				m.logger.Warn("MCP server disconnected", "server", srv.key)
				m.drop(srv)
			}
		} else {
			m.logger.Debug("MCP connect failed", "server", srv.key, "error", err)
		}
		attempt++
		if backoff.Sleep(ctx, m.policy.Delay(attempt)) != nil {
			m.drop(srv)
			return
		}
	}
}

func (m *Manager) ensure(port int) *server {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[port]; ok {
		return srv
	}
	srv := &server{port: port, key: ServerKey(port), url: m.baseURL(port)}
	m.servers[port] = srv
	return srv
}

func (m *Manager) connectOnce(ctx context.Context, srv *server) error {
	transport := NewSSETransport(srv.url,
		WithHTTPClient(m.httpClient),
		WithConnectTimeout(m.connectTimeout),
		WithTransportLogger(m.logger.With("server", srv.key)))
	client := NewClient(transport, m.logger.With("server", srv.key))

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	err := client.Connect(cctx)
	cancel()
	if err != nil {
		srv.mu.Lock()
		srv.lastErr = err
		srv.mu.Unlock()
		return fmt.Errorf("connect %s: %w", srv.key, err)
	}

	// Replace any previous connection.
	m.drop(srv)

	defs := client.Tools()
	srv.mu.Lock()
	srv.client = client
	srv.info = client.ServerInfo()
	srv.defs = defs
	srv.lastErr = nil
	srv.mu.Unlock()

	susp, err := m.pins.Verify(ctx, srv.key, pinnedTools(defs))
	if err != nil {
		m.logger.Warn("schema pin check failed", "server", srv.key, "error", err)
	}
	m.recordBOM(ctx, srv, defs, susp != nil)
	m.register(srv, defs)
	return nil
}

func (m *Manager) recordBOM(ctx context.Context, srv *server, defs []*Tool, suspended bool) {
	if m.bom == nil {
		return
	}
	entry := BOMEntry{
		ServerKey:  srv.key,
		Origin:     string(tools.OriginLocalMCP),
		Name:       srv.info.Name,
		Version:    srv.info.Version,
		URL:        srv.url,
		SchemaHash: SchemaHash(pinnedTools(defs)),
		UpdatedAt:  m.now(),
		Suspended:  suspended,
	}
	for _, d := range defs {
		flags := ScanDescription(d.Description)
		if len(flags) > 0 {
			m.logger.Warn("tool description flagged", "server", srv.key, "tool", d.Name, "categories", flags)
		}
		entry.Tools = append(entry.Tools, BOMTool{Name: d.Name, Mutating: MutatingOf(d).String(), Flags: flags})
	}
	if err := m.bom.Record(ctx, entry); err != nil {
		m.logger.Warn("failed to record BOM", "server", srv.key, "error", err)
	}
}

func (m *Manager) register(srv *server, defs []*Tool) {
	routed := len(defs) > m.directLimit
	var names []string
	if !routed {
		for _, d := range defs {
			name := ToolName(d.Name)
			if existing, ok := m.registry.Get(name); ok && tools.ServerKeyOf(existing) != srv.key {
				name = ToolName(fmt.Sprintf("mcp%d_%s", srv.port, d.Name))
			}
			if err := m.registry.Register(&remoteTool{srv: srv, def: d, name: name}); err != nil {
				m.logger.Warn("skipping MCP tool", "server", srv.key, "tool", d.Name, "error", err)
				continue
			}
			names = append(names, name)
		}
	}
	srv.mu.Lock()
	srv.routed = routed
	srv.registered = names
	srv.mu.Unlock()
	m.syncMetaTools()
	m.logger.Info("MCP server registered", "server", srv.key, "tools", len(defs), "routed", routed)
}

// drop closes the server's connection and removes its tools.
func (m *Manager) drop(srv *server) {
	srv.mu.Lock()
	c := srv.client
	names := srv.registered
	srv.client = nil
	srv.registered = nil
	srv.routed = false
	srv.defs = nil
	srv.mu.Unlock()
	for _, n := range names {
		m.registry.Unregister(n)
	}
	if c != nil {
		_ = c.Close()
	}
	m.syncMetaTools()
}

func (m *Manager) syncMetaTools() {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := false
	for _, srv := range m.servers {
		srv.mu.RLock()
		if srv.routed && srv.client != nil {
			want = true
		}
		srv.mu.RUnlock()
	}
	switch {
	case want && !m.metaOn:
		_ = m.registry.Register(&routeTool{m: m})
		_ = m.registry.Register(&executeTool{m: m})
		m.metaOn = true
	case !want && m.metaOn:
		m.registry.Unregister(RouteToolName)
		m.registry.Unregister(ExecuteToolName)
		m.metaOn = false
	}
}

// lookup resolves a server by key, port, or advertised name.
func (m *Manager) lookup(ref string) *server {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, srv := range m.servers {
		srv.mu.RLock()
		match := srv.client != nil && (srv.key == ref || strconv.Itoa(srv.port) == ref || strings.EqualFold(srv.info.Name, ref))
		srv.mu.RUnlock()
		if match {
			return srv
		}
	}
	return nil
}

func (m *Manager) routedLabels() []string {
	m.mu.RLock()
	var out []string
	for _, srv := range m.servers {
		srv.mu.RLock()
		if srv.routed && srv.client != nil {
			name := srv.key
			if srv.info.Name != "" {
				name = srv.info.Name + " (" + srv.key + ")"
			}
			out = append(out, name)
		}
		srv.mu.RUnlock()
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// HasRoutedServer reports whether any connected server uses meta-tools.
func (m *Manager) HasRoutedServer() bool {
	return len(m.routedLabels()) > 0
}

// Disconnect stops supervising port and removes its tools.
func (m *Manager) Disconnect(port int) error {
	m.mu.RLock()
	srv, ok := m.servers[port]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("port %d: %w", port, ErrUnknownServer)
	}
	m.stop(srv)
	m.mu.Lock()
	delete(m.servers, port)
	m.mu.Unlock()
	m.syncMetaTools()
	return nil
}

func (m *Manager) stop(srv *server) {
	srv.mu.Lock()
	cancel, done := srv.cancel, srv.done
	srv.cancel, srv.done = nil, nil
	srv.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.drop(srv)
}

// Reconnect drops and reopens the connection for port.
func (m *Manager) Reconnect(ctx context.Context, port int) error {
	m.mu.RLock()
	srv, ok := m.servers[port]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("port %d: %w", port, ErrUnknownServer)
	}
	m.drop(srv)
	return m.connectOnce(ctx, srv)
}

// Close stops every supervisor and closes every connection.
func (m *Manager) Close() error {
	m.mu.RLock()
	servers := make([]*server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()
	for _, srv := range servers {
		m.stop(srv)
	}
	m.wg.Wait()
	return nil
}

// Status lists servers sorted by port.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, srv := range m.servers {
		srv.mu.RLock()
		st := ServerStatus{
			Port:      srv.port,
			Key:       srv.key,
			Name:      srv.info.Name,
			Connected: srv.client != nil && srv.client.Connected(),
			Routed:    srv.routed,
			Tools:     len(srv.defs),
			Suspended: m.pins.IsSuspended(srv.key),
		}
		if srv.lastErr != nil {
			st.Error = srv.lastErr.Error()
		}
		srv.mu.RUnlock()
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ToolkitSections describes routed servers for the system prompt.
func (m *Manager) ToolkitSections() []prompt.ToolkitSection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []prompt.ToolkitSection
	for _, srv := range m.servers {
		srv.mu.RLock()
		if srv.routed && srv.client != nil {
			sec := prompt.ToolkitSection{Toolkit: "Local MCP " + srv.key}
			if srv.info.Name != "" {
				sec.Toolkit = "Local MCP " + srv.info.Name + " (" + srv.key + ", via " + RouteToolName + ")"
			}
			for _, d := range srv.defs {
				sec.Tools = append(sec.Tools, prompt.ToolLine{Slug: d.Name, Description: firstSentence(d.Description)})
			}
			out = append(out, sec)
		}
		srv.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Toolkit < out[j].Toolkit })
	return out
}

// resolved reacts to accept/reject decisions for local servers.
func (m *Manager) resolved(key string, d Decision) {
	m.mu.RLock()
	var target *server
	for _, srv := range m.servers {
		if srv.key == key {
			target = srv
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return
	}
	switch d {
	case DecisionReject:
		m.logger.Warn("schema change rejected; disconnecting", "server", key)
		m.stop(target)
	case DecisionAccept:
		target.mu.RLock()
		defs := target.defs
		target.mu.RUnlock()
		m.recordBOM(context.Background(), target, defs, false)
	}
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
