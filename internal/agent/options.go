package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/cos/internal/agent/routing"
	"github.com/haasonsaas/cos/internal/memory"
	"github.com/haasonsaas/cos/internal/prompt"
	"github.com/haasonsaas/cos/pkg/models"
)

// DefaultBusyWait bounds how long a foreground request waits for an
// aborted background run to release the lock.
const DefaultBusyWait = 2 * time.Second

// PromptSources feed the system prompt. Any field may be nil.
type PromptSources struct {
	Memory   func(ctx context.Context) ([]prompt.MemorySnapshot, error)
	Skills   func(ctx context.Context) ([]memory.Skill, error)
	Toolkits func() []prompt.ToolkitSection
	Jobs     func(ctx context.Context) ([]prompt.JobSummary, error)
}

// RunObserver is told about every finished run, for cost, audit and
// usage bookkeeping. Observers must not block for long.
type RunObserver interface {
	RunFinished(ctx context.Context, trace *models.RunTrace)
}

// RunObserverFunc adapts a function to RunObserver.
type RunObserverFunc func(ctx context.Context, trace *models.RunTrace)

func (f RunObserverFunc) RunFinished(ctx context.Context, trace *models.RunTrace) { f(ctx, trace) }

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Loop LoopConfig

	// Routing picks the tier; nil routes everything to mini.
	Routing      *routing.Router
	Conversation *Conversation
	Traces       *TraceLog
	Sources      PromptSources

	AssistantName string
	UserName      string
	Location      *time.Location

	// RoutedMCP reports whether a local MCP server sits behind the
	// route/execute meta-tools.
	RoutedMCP func() bool
	// AlwaysInclude names tools offered regardless of the relevance filter.
	AlwaysInclude []string
	BusyWait      time.Duration
	Observers     []RunObserver

	Logger *slog.Logger
}

func (o RuntimeOptions) withDefaults() RuntimeOptions {
	if o.BusyWait <= 0 {
		o.BusyWait = DefaultBusyWait
	}
	if o.Conversation == nil {
		o.Conversation = NewConversation(nil, DefaultHistoryTurns)
	}
	if o.Traces == nil {
		o.Traces = NewTraceLog(nil, DefaultTraceKeep)
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Logger == nil {
		o.Logger = o.Loop.Logger
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Loop.Logger == nil {
		o.Loop.Logger = o.Logger
	}
	return o
}
