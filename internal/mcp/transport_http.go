package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPTransport implements the streamable HTTP transport used by hosted
// servers: every request is a POST whose response is either a JSON body
// or a short event stream carrying the reply.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
	done      chan struct{}
	nextID    atomic.Int64
	connected atomic.Bool
}

// NewHTTPTransport creates a transport posting to url. A zero timeout
// defaults to 60s per request.
func NewHTTPTransport(url string, headers map[string]string, client *http.Client, timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		client:  client,
		logger:  slog.Default().With("component", "mcp", "transport", "http"),
		done:    make(chan struct{}),
	}
}

// Connect marks the transport ready; the handshake is done by the client.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.url == "" {
		return fmt.Errorf("mcp: URL is required for HTTP transport")
	}
	t.connected.Store(true)
	return nil
}

// Close ends the session.
func (t *HTTPTransport) Close() error {
	if t.connected.CompareAndSwap(true, false) {
		close(t.done)
	}
	return nil
}

// Done is closed by Close.
func (t *HTTPTransport) Done() <-chan struct{} { return t.done }

// Connected returns whether the transport is connected.
func (t *HTTPTransport) Connected() bool { return t.connected.Load() }

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rpcResp, err := t.readResponse(resp, id)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
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
	resp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (t *HTTPTransport) readResponse(resp *http.Response, id int64) (*JSONRPCResponse, error) {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var rpcResp JSONRPCResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxEventSize)).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpcResp, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	var data []string
	try := func() *JSONRPCResponse {
		defer func() { data = nil }()
		if len(data) == 0 {
			return nil
		}
		var rpcResp JSONRPCResponse
		if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &rpcResp); err != nil {
			return nil
		}
		if got, ok := responseID(rpcResp.ID); ok && got == id {
			return &rpcResp
		}
		return nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if r := try(); r != nil {
				return r, nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if r := try(); r != nil {
		return r, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("mcp: no response for request %d", id)
}

// HTTPStatusError reports a non-2xx reply.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}
