package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultConnectTimeout bounds the wait for the endpoint event.
const DefaultConnectTimeout = 10 * time.Second

const maxEventSize = 4 << 20

// SSETransport implements the MCP SSE transport: a long-lived GET stream
// delivering an endpoint event and then JSON-RPC message events, with
// requests POSTed to the advertised endpoint.
type SSETransport struct {
	baseURL        string
	headers        map[string]string
	client         *http.Client
	connectTimeout time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	endpoint string
	cancel   context.CancelFunc
	done     chan struct{}

	nextID    atomic.Int64
	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	connected atomic.Bool
	wg        sync.WaitGroup
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithHTTPClient replaces the HTTP client. The client must not set a
// global Timeout because the event stream is long-lived.
func WithHTTPClient(c *http.Client) SSEOption {
	return func(t *SSETransport) { t.client = c }
}

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) SSEOption {
	return func(t *SSETransport) { t.headers = h }
}

// WithConnectTimeout sets how long Connect waits for the endpoint event.
func WithConnectTimeout(d time.Duration) SSEOption {
	return func(t *SSETransport) { t.connectTimeout = d }
}

// WithCallTimeout bounds each request when the caller's context has no deadline.
func WithCallTimeout(d time.Duration) SSEOption {
	return func(t *SSETransport) { t.callTimeout = d }
}

// WithTransportLogger sets the logger.
func WithTransportLogger(l *slog.Logger) SSEOption {
	return func(t *SSETransport) { t.logger = l }
}

// NewSSETransport creates a transport for the server at baseURL. The
// stream is opened at baseURL + "/sse" unless baseURL already ends in /sse.
func NewSSETransport(baseURL string, opts ...SSEOption) *SSETransport {
	t := &SSETransport{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		client:         &http.Client{},
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    60 * time.Second,
		pending:        make(map[int64]chan *JSONRPCResponse),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default().With("component", "mcp", "transport", "sse", "url", t.baseURL)
	}
	return t
}

func (t *SSETransport) streamURL() string {
	if strings.HasSuffix(t.baseURL, "/sse") {
		return t.baseURL
	}
	return t.baseURL + "/sse"
}

// Connect opens the event stream and waits for the endpoint event.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.baseURL == "" {
		return fmt.Errorf("mcp: URL is required for SSE transport")
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("mcp: transport already connected")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.endpoint = ""
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.streamURL(), nil)
	if err != nil {
		t.teardown()
		return fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.setHeaders(req)

	type opened struct {
		resp *http.Response
		err  error
	}
	openCh := make(chan opened, 1)
	go func() {
		resp, err := t.client.Do(req)
		openCh <- opened{resp, err}
	}()

	abandon := func() {
		t.teardown()
		if o := <-openCh; o.resp != nil {
			o.resp.Body.Close()
		}
	}

	timer := time.NewTimer(t.connectTimeout)
	defer timer.Stop()

	var resp *http.Response
	select {
	case o := <-openCh:
		if o.err != nil {
			t.teardown()
			return fmt.Errorf("SSE connect: %w", o.err)
		}
		resp = o.resp
	case <-timer.C:
		abandon()
		return fmt.Errorf("SSE connect: timed out after %v", t.connectTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.teardown()
		return fmt.Errorf("SSE connect: HTTP %d", resp.StatusCode)
	}

	endpointCh := make(chan string, 1)
	t.wg.Add(1)
	go t.readLoop(resp.Body, endpointCh)

	select {
	case ep, ok := <-endpointCh:
		if !ok {
			t.teardown()
			return fmt.Errorf("SSE connect: stream closed before endpoint event")
		}
		resolved, err := t.resolveEndpoint(ep)
		if err != nil {
			t.teardown()
			return err
		}
		t.mu.Lock()
		t.endpoint = resolved
		t.mu.Unlock()
		t.connected.Store(true)
		t.logger.Debug("SSE transport ready", "endpoint", resolved)
		return nil
	case <-timer.C:
		t.teardown()
		return fmt.Errorf("SSE connect: no endpoint event within %v", t.connectTimeout)
	case <-ctx.Done():
		t.teardown()
		return ctx.Err()
	}
}

func (t *SSETransport) resolveEndpoint(ep string) (string, error) {
	base, err := url.Parse(t.streamURL())
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(ep))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", ep, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Host != base.Host {
		return "", fmt.Errorf("mcp: endpoint %q points to a different host", ep)
	}
	return resolved.String(), nil
}

// Close closes the stream and fails pending calls.
func (t *SSETransport) Close() error {
	t.teardown()
	t.wg.Wait()
	return nil
}

func (t *SSETransport) teardown() {
	t.connected.Store(false)
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the read loop exits.
func (t *SSETransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Connected returns whether the transport is connected.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

// Call sends a request and waits for the matching message event.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respCh := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok && t.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	done := t.Done()
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
}

// Notify sends a notification (no response expected).
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	return t.post(ctx, notif)
}

func (t *SSETransport) post(ctx context.Context, msg any) error {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint == "" {
		return ErrNotConnected
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.setHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	// Some servers answer inline instead of over the stream.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
		if err == nil && len(bytes.TrimSpace(b)) > 0 {
			t.dispatch(b)
		}
	}
	return nil
}

func (t *SSETransport) setHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// readLoop parses the event stream until it ends.
func (t *SSETransport) readLoop(body io.ReadCloser, endpointCh chan<- string) {
	defer t.wg.Done()
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	defer func() {
		body.Close()
		t.connected.Store(false)
		close(done)
	}()

	endpointSent := false
	defer func() {
		if !endpointSent {
			close(endpointCh)
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var event string
	var data []string
	flush := func() {
		defer func() { event, data = "", nil }()
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		switch event {
		case "endpoint":
			if !endpointSent {
				endpointSent = true
				endpointCh <- payload
				close(endpointCh)
			}
		case "message", "":
			t.dispatch([]byte(payload))
		default:
			t.logger.Debug("ignoring SSE event", "event", event)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Debug("SSE stream ended", "error", err)
	}
}

func (t *SSETransport) dispatch(payload []byte) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var resp JSONRPCResponse
	if err := dec.Decode(&resp); err != nil {
		t.logger.Debug("dropping malformed message", "error", err)
		return
	}
	if resp.Method != "" {
		t.logger.Debug("server message", "method", resp.Method)
		return
	}
	id, ok := responseID(resp.ID)
	if !ok {
		return
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- &resp:
		default:
		}
	}
}
