// Package app assembles one runtime instance from configuration: settings
// store, graph, providers, tools, caches, scheduler, inbox and bookkeeping.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/agent/routing"
	"github.com/haasonsaas/cos/internal/audit"
	"github.com/haasonsaas/cos/internal/config"
	"github.com/haasonsaas/cos/internal/cron"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/inbox"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/mcp"
	"github.com/haasonsaas/cos/internal/memory"
	"github.com/haasonsaas/cos/internal/observability"
	"github.com/haasonsaas/cos/internal/prompt"
	"github.com/haasonsaas/cos/internal/tools"
	"github.com/haasonsaas/cos/internal/tools/composio"
	"github.com/haasonsaas/cos/internal/tools/native"
	"github.com/haasonsaas/cos/internal/usage"
	"github.com/haasonsaas/cos/pkg/models"
)

// Options override parts of the assembly. Zero values build everything
// from Config.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Store defaults to SQLite at Config.Storage.Path, or memory when empty.
	Store kv.Store
	// Graph defaults to an in-process graph.
	Graph graph.Graph
	// Providers replaces the configured providers.
	Providers []agent.LLMProvider
	// WrapProvider decorates each provider after PII scrubbing is applied.
	WrapProvider func(agent.LLMProvider) agent.LLMProvider
	Approver     agent.Approver
	Events       agent.EventSink
	// TracePath is the JSONL trace log; empty keeps traces in memory.
	TracePath string
	Now       func() time.Time
}

// App is one assembled runtime instance.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Location *time.Location

	Store   kv.Store
	Graph   graph.Graph
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	Tools     *tools.Registry
	Pins      *mcp.Pins
	BOM       *mcp.BOM
	MCP       *mcp.Manager
	Broker    *composio.Broker
	Schemas   *composio.Registry
	Installer *composio.Installer

	Memory    *memory.Cache
	Jobs      *cron.Store
	Scheduler *cron.Scheduler
	Inbox     *inbox.Watcher
	Usage     *usage.Tracker
	Audit     *audit.Log
	Runtime   *agent.Runtime

	now       func() time.Time
	ownsStore bool
	traces    *agent.TraceLog
	shutdown  func(context.Context) error
	started   bool
}

// New builds an instance. Nothing runs in the background until Start.
func New(ctx context.Context, opts Options) (a *App, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := time.Local
	if cfg.Identity.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Identity.Timezone); err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
	}

	a = &App{Config: cfg, Logger: logger, Location: loc, now: now, Store: opts.Store, Graph: opts.Graph}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.Store == nil {
		if a.Store, err = openStore(ctx, cfg.Storage.Path, logger); err != nil {
			return nil, err
		}
		a.ownsStore = true
	}
	if a.Graph == nil {
		a.Graph = graph.NewMemory()
	}
	writes := graph.WithRetry(a.Graph, 3)

	a.Metrics = observability.NewMetrics(nil)
	a.Tracer, a.shutdown, err = observability.NewTracer(ctx, observability.TraceConfig{
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	a.Tools = tools.NewRegistry()
	a.Pins = mcp.NewPins(a.Store)
	a.BOM = mcp.NewBOM(a.Store)

	a.Memory = memory.NewCache(writes,
		memory.WithPages(cfg.Pages.Memory),
		memory.WithSkillsPage(cfg.Pages.Skills),
		memory.WithLogger(logger),
	)
	a.Jobs = cron.NewStore(a.Store, cron.WithStoreClock(now))
	if err := native.Register(a.Tools, native.Deps{
		Graph:    writes,
		Memory:   a.Memory,
		Jobs:     a.Jobs,
		Now:      now,
		Location: loc,
	}); err != nil {
		return nil, fmt.Errorf("native tools: %w", err)
	}

	if err := a.wireComposio(ctx); err != nil {
		return nil, err
	}
	a.MCP = mcp.NewManager(a.Tools, a.Pins, a.BOM,
		mcp.WithHost(cfg.MCP.Host),
		mcp.WithManagerConnectTimeout(cfg.MCP.ConnectTimeout),
		mcp.WithDirectToolLimit(cfg.MCP.DirectToolLimit),
		mcp.WithLogger(logger),
	)

	a.Usage = usage.NewTracker(a.Store,
		usage.WithPricing(usage.DefaultPricing().Merge(pricing(cfg.Usage.Pricing))),
		usage.WithHistoryDays(cfg.Usage.HistoryDays),
		usage.WithDailyCap(cfg.Usage.DailyCapUSD),
		usage.WithStatsWriter(usage.NewStatsPage(writes, cfg.Pages.UsageStats, loc)),
		usage.WithLocation(loc),
		usage.WithNow(now),
		usage.WithLogger(logger),
	)
	if err := a.Usage.Load(ctx); err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	a.Audit = audit.New(writes, cfg.Pages.Audit,
		audit.WithRetentionDays(cfg.Usage.AuditRetentionDays),
		audit.WithLocation(loc),
		audit.WithNow(now),
		audit.WithLogger(logger),
	)

	providers := opts.Providers
	if len(providers) == 0 {
		cfg.LLM.Primary = kv.GetString(ctx, a.Store, kv.KeyProvider, cfg.LLM.Primary)
		if providers, err = buildProviders(ctx, cfg, a.Store, logger); err != nil {
			return nil, err
		}
	}
	if opts.WrapProvider != nil {
		for i, p := range providers {
			providers[i] = opts.WrapProvider(p)
		}
	}
	router, err := newRouter(cfg, providers, a.Metrics, a.Tracer, logger, now)
	if err != nil {
		return nil, err
	}

	if a.traces, err = openTraces(opts.TracePath); err != nil {
		return nil, err
	}
	conv := agent.NewConversation(a.Store, cfg.Agent.HistoryTurns)
	if err := conv.Load(ctx); err != nil {
		logger.Warn("chat history unavailable", "error", err)
	}

	gate := agent.NewGate(agent.GateConfig{
		Tools:               a.Tools,
		Approver:            opts.Approver,
		Suspensions:         a.Pins,
		MaxCallsPerResponse: cfg.Agent.MaxCallsPerResponse,
		MaxCallsPerTool:     cfg.Agent.MaxCallsPerTool,
		ReadOnlyAllowlist:   cfg.Agent.ReadOnlyAllowlist,
		Metrics:             a.Metrics,
		Logger:              logger,
	})
	a.Runtime = agent.NewRuntime(agent.RuntimeOptions{
		Loop: agent.LoopConfig{
			Router:        router,
			Gate:          gate,
			Tools:         a.Tools,
			Costs:         a.Usage,
			MaxIterations: cfg.Agent.MaxIterations,
			MaxTokens:     cfg.LLM.MaxOutputTokens,
			Events:        opts.Events,
			Metrics:       a.Metrics,
			Tracer:        a.Tracer,
			Logger:        logger,
			Now:           now,
		},
		Routing: routing.NewRouter(routing.Config{
			PowerThreshold:     cfg.LLM.Routing.PowerThreshold,
			LudicrousThreshold: cfg.LLM.Routing.LudicrousThreshold,
			TrajectoryWindow:   cfg.LLM.Routing.TrajectoryWindow,
		}),
		Conversation: conv,
		Traces:       a.traces,
		Sources: agent.PromptSources{
			Memory:   a.Memory.Snapshots,
			Skills:   a.Memory.Skills,
			Toolkits: a.toolkitSections,
			Jobs:     a.jobSummaries,
		},
		AssistantName: kv.GetString(ctx, a.Store, kv.KeyAssistantName, cfg.Identity.AssistantName),
		UserName:      kv.GetString(ctx, a.Store, kv.KeyUserName, cfg.Identity.UserName),
		Location:      loc,
		RoutedMCP:     a.MCP.HasRoutedServer,
		BusyWait:      cfg.Agent.BusyWait,
		Observers:     []agent.RunObserver{a.Usage, a.Audit},
		Logger:        logger,
	})

	a.Scheduler = cron.NewScheduler(a.Jobs,
		cron.NewLeader(a.Store, cron.WithStaleAfter(cfg.Scheduler.StaleAfter), cron.WithLeaderClock(now)),
		cron.RunnerFunc(a.runJob),
		cron.WithTickInterval(cfg.Scheduler.TickInterval),
		cron.WithHeartbeat(cfg.Scheduler.Heartbeat),
		cron.WithBusy(a.Runtime.Busy),
		cron.WithNow(now),
		cron.WithLogger(logger),
		cron.WithMetrics(a.Metrics),
	)
	a.Inbox = inbox.New(writes, cfg.Pages.Inbox, a.Runtime,
		inbox.WithDebounce(cfg.Inbox.Debounce),
		inbox.WithLimits(cfg.Inbox.PerEvent, cfg.Inbox.MaxQueue),
		inbox.WithProcessedHeading(cfg.Pages.Processed),
		inbox.WithLocation(loc),
		inbox.WithNow(now),
		inbox.WithLogger(logger),
		inbox.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) wireComposio(ctx context.Context) error {
	cfg := a.Config.Composio
	a.Broker = composio.NewBroker(composio.BrokerConfig{
		BaseURL:  cfg.BaseURL,
		ProxyURL: cfg.ProxyURL,
		APIKey:   a.ComposioKey(ctx),
		Logger:   a.Logger,
	})
	a.Schemas = composio.NewRegistry(a.Store, a.Broker,
		composio.WithTTL(cfg.SchemaTTL),
		composio.WithMaxToolkits(cfg.MaxToolkits),
		composio.WithClock(a.now),
		composio.WithPins(a.Pins),
		composio.WithBOM(a.BOM),
	)
	if err := a.Schemas.Load(ctx); err != nil {
		a.Logger.Warn("tool schema cache unavailable", "error", err)
	}
	a.Installer = composio.NewInstaller(a.Store, a.Schemas, a.Broker)
	if !cfg.Enabled {
		return nil
	}
	if err := composio.RegisterTools(a.Tools, a.Schemas, a.Broker, a.Pins); err != nil {
		return fmt.Errorf("composio tools: %w", err)
	}
	return nil
}

// ComposioKey returns the stored broker key, falling back to config.
func (a *App) ComposioKey(ctx context.Context) string {
	return kv.GetString(ctx, a.Store, kv.KeyComposioAPIKey, a.Config.Composio.APIKey)
}

// MCPPorts returns configured ports plus those added at runtime, deduplicated.
func (a *App) MCPPorts(ctx context.Context) []int {
	stored, _, err := kv.GetJSON[[]int](ctx, a.Store, kv.KeyLocalMCPPorts)
	if err != nil {
		a.Logger.Warn("stored mcp ports unreadable", "error", err)
	}
	seen := map[int]bool{}
	var ports []int
	for _, p := range append(append([]int{}, a.Config.MCP.Ports...), stored...) {
		if p > 0 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports
}

// AddMCPPort persists port so later starts connect to it.
func (a *App) AddMCPPort(ctx context.Context, port int) error {
	if port <= 0 || port >= 65536 {
		return fmt.Errorf("invalid port %d", port)
	}
	stored, _, err := kv.GetJSON[[]int](ctx, a.Store, kv.KeyLocalMCPPorts)
	if err != nil {
		return err
	}
	for _, p := range stored {
		if p == port {
			return nil
		}
	}
	return kv.SetJSON(ctx, a.Store, kv.KeyLocalMCPPorts, append(stored, port))
}

// ConnectServers opens every local MCP server once without supervising it,
// which re-verifies schema pins. Failed ports are returned with their error.
func (a *App) ConnectServers(ctx context.Context) map[int]error {
	failed := map[int]error{}
	for _, port := range a.MCPPorts(ctx) {
		if err := a.MCP.Connect(ctx, port); err != nil {
			failed[port] = err
		}
	}
	return failed
}

// Now returns the instance clock in the configured location.
func (a *App) Now() time.Time { return a.now().In(a.Location) }

// Traces returns the run trace log.
func (a *App) Traces() *agent.TraceLog { return a.traces }

func (a *App) toolkitSections() []prompt.ToolkitSection {
	return append(a.Schemas.Sections(), a.MCP.ToolkitSections()...)
}

func (a *App) jobSummaries(ctx context.Context) ([]prompt.JobSummary, error) {
	jobs, err := a.Jobs.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []prompt.JobSummary
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		next, _ := j.NextRun()
		out = append(out, prompt.JobSummary{Name: j.Name, Schedule: j.Describe(), NextRun: next})
	}
	return out, nil
}

// runJob fires a scheduled prompt as a background run.
func (a *App) runJob(ctx context.Context, job cron.Job) error {
	_, err := a.Runtime.Ask(ctx, models.Request{
		Prompt:         job.Prompt,
		Background:     true,
		SuppressToasts: true,
		Trigger:        "cron",
	})
	if errors.Is(err, agent.ErrBusy) {
		return fmt.Errorf("%w: %w", cron.ErrSkipped, err)
	}
	return err
}

func openStore(ctx context.Context, path string, logger *slog.Logger) (kv.Store, error) {
	if strings.TrimSpace(path) == "" {
		return kv.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("settings dir: %w", err)
	}
	s, err := kv.OpenSQLite(ctx, path, kv.WithSQLiteLogger(logger))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openTraces(path string) (*agent.TraceLog, error) {
	if path == "" {
		return agent.NewTraceLog(nil, agent.DefaultTraceKeep), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("trace dir: %w", err)
	}
	return agent.OpenTraceLog(path, agent.DefaultTraceKeep)
}

func pricing(in map[string]config.Price) usage.Pricing {
	out := usage.Pricing{}
	for model, p := range in {
		out[model] = usage.Cost{Input: p.Input, Output: p.Output}
	}
	return out
}

// Close stops background work and releases the store. It is safe to call
// on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.started {
		errs = append(errs, a.Stop(ctx))
	}
	if a.Runtime != nil {
		errs = append(errs, a.Runtime.Close(ctx))
	}
	if a.MCP != nil {
		errs = append(errs, a.MCP.Close())
	}
	if a.Broker != nil && a.Broker.Connected() {
		errs = append(errs, a.Broker.Disconnect())
	}
	if a.Audit != nil {
		a.Audit.Close()
	}
	if a.Usage != nil {
		a.Usage.Close()
	}
	if a.traces != nil {
		errs = append(errs, a.traces.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if c, ok := a.Store.(io.Closer); ok && a.ownsStore {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
