package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by calls on a closed or unopened transport.
var ErrNotConnected = errors.New("mcp: not connected")

// Transport defines the interface for MCP transports.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Done is closed when the connection drops.
	Done() <-chan struct{}

	// Connected returns whether the transport is connected.
	Connected() bool
}
