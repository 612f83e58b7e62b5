// Package tape records provider conversations and replays them, so runs can
// be reproduced without real LLM calls.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/pkg/models"
)

// Version is the tape file format.
const Version = "1"

// Tape is a recorded sequence of provider turns.
type Tape struct {
	Version   string          `json:"version"`
	Provider  models.Provider `json:"provider"`
	CreatedAt time.Time       `json:"created_at"`
	Turns     []Turn          `json:"turns"`
}

// Turn is one request and its streamed response.
type Turn struct {
	Index        int               `json:"index"`
	Model        string            `json:"model"`
	Messages     int               `json:"messages"`
	Tools        []string          `json:"tools,omitempty"`
	Text         []string          `json:"text,omitempty"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int               `json:"input_tokens,omitempty"`
	OutputTokens int               `json:"output_tokens,omitempty"`
	// Error is the stream or open error, if the turn failed.
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// New creates an empty tape for provider.
func New(provider models.Provider) *Tape {
	return &Tape{Version: Version, Provider: provider, CreatedAt: time.Now()}
}

// Load reads a tape file.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	var t Tape
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode tape %s: %w", path, err)
	}
	if t.Version != Version {
		return nil, fmt.Errorf("tape %s: unsupported version %q", path, t.Version)
	}
	return &t, nil
}

// Save writes the tape to path.
func (t *Tape) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func toolNames(specs []agent.ToolSpec) []string {
	if len(specs) == 0 {
		return nil
	}
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
