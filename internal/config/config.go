// Package config loads runtime configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Pages     PagesConfig     `yaml:"pages"`
	Composio  ComposioConfig  `yaml:"composio"`
	MCP       MCPConfig       `yaml:"mcp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Inbox     InboxConfig     `yaml:"inbox"`
	Usage     UsageConfig     `yaml:"usage"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type IdentityConfig struct {
	AssistantName string `yaml:"assistant_name"`
	UserName      string `yaml:"user_name"`
	Timezone      string `yaml:"timezone"`
}

type LLMConfig struct {
	// Primary is tried first in every failover chain.
	Primary   string                    `yaml:"primary" validate:"omitempty,oneof=anthropic openai gemini mistral"`
	Providers map[string]ProviderConfig `yaml:"providers" validate:"dive,keys,oneof=anthropic openai gemini mistral,endkeys"`
	// Failover lists providers per tier in the order they are attempted.
	Failover map[string][]string `yaml:"failover" validate:"dive,keys,oneof=mini power ludicrous,endkeys,dive,oneof=anthropic openai gemini mistral"`
	Cooldown time.Duration       `yaml:"cooldown"`
	// AllowLudicrousEscalation lets an exhausted power chain try ludicrous.
	AllowLudicrousEscalation bool          `yaml:"allow_ludicrous_escalation"`
	PIIScrub                 *bool         `yaml:"pii_scrub"`
	MaxOutputTokens          int           `yaml:"max_output_tokens" validate:"gte=0"`
	RequestTimeout           time.Duration `yaml:"request_timeout"`
	Streaming                StreamConfig  `yaml:"streaming"`
	Routing                  RoutingConfig `yaml:"routing"`
	RetryAttempts            int           `yaml:"retry_attempts" validate:"gte=0,lte=10"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// Models maps tier name to model id.
	Models map[string]string `yaml:"models" validate:"dive,keys,oneof=mini power ludicrous,endkeys"`
}

type StreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
}

type RoutingConfig struct {
	PowerThreshold     float64 `yaml:"power_threshold" validate:"gte=0,lte=1"`
	LudicrousThreshold float64 `yaml:"ludicrous_threshold" validate:"gte=0,lte=1"`
	TrajectoryWindow   int     `yaml:"trajectory_window" validate:"gte=0"`
}

type AgentConfig struct {
	MaxIterations       int `yaml:"max_iterations" validate:"gte=0,lte=50"`
	MaxCallsPerResponse int `yaml:"max_calls_per_response" validate:"gte=0"`
	MaxCallsPerTool     int `yaml:"max_calls_per_tool" validate:"gte=0"`
	HistoryTurns        int `yaml:"history_turns" validate:"gte=0"`
	// ReadOnlyAllowlist names mutating tools that never need approval.
	ReadOnlyAllowlist []string `yaml:"read_only_allowlist"`
	// BusyWait bounds how long a foreground send waits for a background run to release.
	BusyWait time.Duration `yaml:"busy_wait"`
}

type PagesConfig struct {
	Memory     []string `yaml:"memory" validate:"max=6"`
	Skills     string   `yaml:"skills"`
	Inbox      string   `yaml:"inbox"`
	Audit      string   `yaml:"audit"`
	UsageStats string   `yaml:"usage_stats"`
	Processed  string   `yaml:"processed_heading"`
}

type ComposioConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// ProxyURL is prefixed to every broker request.
	ProxyURL    string        `yaml:"proxy_url" validate:"omitempty,url"`
	APIKey      string        `yaml:"api_key"`
	SchemaTTL   time.Duration `yaml:"schema_ttl"`
	MaxToolkits int           `yaml:"max_toolkits" validate:"gte=0"`
}

type MCPConfig struct {
	Host            string        `yaml:"host"`
	Ports           []int         `yaml:"ports" validate:"dive,gt=0,lt=65536"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DirectToolLimit int           `yaml:"direct_tool_limit" validate:"gte=0"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	MaxJobs      int           `yaml:"max_jobs" validate:"gte=0"`
}

type InboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	PerEvent int           `yaml:"per_event" validate:"gte=0"`
	MaxQueue int           `yaml:"max_queue" validate:"gte=0"`
}

type UsageConfig struct {
	DailyCapUSD        float64 `yaml:"daily_cap_usd" validate:"gte=0"`
	AuditRetentionDays int     `yaml:"audit_retention_days" validate:"gte=0"`
	HistoryDays        int     `yaml:"history_days" validate:"gte=0"`
	// Pricing maps model id to USD per million tokens.
	Pricing map[string]Price `yaml:"pricing"`
}

type Price struct {
	Input  float64 `yaml:"input" validate:"gte=0"`
	Output float64 `yaml:"output" validate:"gte=0"`
}

type StorageConfig struct {
	// Path is the SQLite settings file. Empty keeps settings in memory.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text console"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Load reads, merges, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a defaulted config with no file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LLM.Routing.LudicrousThreshold < cfg.LLM.Routing.PowerThreshold {
		return fmt.Errorf("invalid config: llm.routing.ludicrous_threshold must be >= power_threshold")
	}
	if cfg.Identity.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Identity.Timezone); err != nil {
			return fmt.Errorf("invalid config: identity.timezone: %w", err)
		}
	}
	return nil
}

// PIIScrubEnabled reports the effective scrub setting (default on).
func (c LLMConfig) PIIScrubEnabled() bool {
	return c.PIIScrub == nil || *c.PIIScrub
}

func applyDefaults(cfg *Config) {
	if cfg.Identity.AssistantName == "" {
		cfg.Identity.AssistantName = "Chief of Staff"
	}
	if cfg.Identity.UserName == "" {
		cfg.Identity.UserName = "there"
	}
	if cfg.LLM.Primary == "" {
		cfg.LLM.Primary = "anthropic"
	}
	if cfg.LLM.Cooldown == 0 {
		cfg.LLM.Cooldown = 60 * time.Second
	}
	if cfg.LLM.MaxOutputTokens == 0 {
		cfg.LLM.MaxOutputTokens = 4096
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 90 * time.Second
	}
	if cfg.LLM.RetryAttempts == 0 {
		cfg.LLM.RetryAttempts = 3
	}
	if cfg.LLM.Streaming.ConnectTimeout == 0 {
		cfg.LLM.Streaming.ConnectTimeout = 15 * time.Second
	}
	if cfg.LLM.Streaming.ChunkTimeout == 0 {
		cfg.LLM.Streaming.ChunkTimeout = 60 * time.Second
	}
	if cfg.LLM.Streaming.TotalTimeout == 0 {
		cfg.LLM.Streaming.TotalTimeout = 5 * time.Minute
	}
	if cfg.LLM.Routing.PowerThreshold == 0 {
		cfg.LLM.Routing.PowerThreshold = 0.45
	}
	if cfg.LLM.Routing.LudicrousThreshold == 0 {
		cfg.LLM.Routing.LudicrousThreshold = 0.8
	}
	if cfg.LLM.Routing.TrajectoryWindow == 0 {
		cfg.LLM.Routing.TrajectoryWindow = 8
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxCallsPerResponse == 0 {
		cfg.Agent.MaxCallsPerResponse = 4
	}
	if cfg.Agent.MaxCallsPerTool == 0 {
		cfg.Agent.MaxCallsPerTool = 5
	}
	if cfg.Agent.HistoryTurns == 0 {
		cfg.Agent.HistoryTurns = 12
	}
	if cfg.Agent.BusyWait == 0 {
		cfg.Agent.BusyWait = 2 * time.Second
	}
	if len(cfg.Pages.Memory) == 0 {
		cfg.Pages.Memory = []string{
			"Chief of Staff/Memory",
			"Chief of Staff/Inbox",
			"Chief of Staff/Projects",
			"Chief of Staff/Decisions",
			"Chief of Staff/Lessons Learned",
			"Chief of Staff/Improvement Requests",
		}
	}
	if cfg.Pages.Skills == "" {
		cfg.Pages.Skills = "Chief of Staff/Skills"
	}
	if cfg.Pages.Inbox == "" {
		cfg.Pages.Inbox = "Chief of Staff/Inbox"
	}
	if cfg.Pages.Audit == "" {
		cfg.Pages.Audit = "Chief of Staff/Audit Log"
	}
	if cfg.Pages.UsageStats == "" {
		cfg.Pages.UsageStats = "Chief of Staff/Usage Stats"
	}
	if cfg.Pages.Processed == "" {
		cfg.Pages.Processed = "Processed"
	}
	if cfg.Composio.BaseURL == "" {
		cfg.Composio.BaseURL = "https://backend.composio.dev"
	}
	if cfg.Composio.SchemaTTL == 0 {
		cfg.Composio.SchemaTTL = 7 * 24 * time.Hour
	}
	if cfg.Composio.MaxToolkits == 0 {
		cfg.Composio.MaxToolkits = 30
	}
	if cfg.MCP.Host == "" {
		cfg.MCP.Host = "127.0.0.1"
	}
	if cfg.MCP.ConnectTimeout == 0 {
		cfg.MCP.ConnectTimeout = 10 * time.Second
	}
	if cfg.MCP.DirectToolLimit == 0 {
		cfg.MCP.DirectToolLimit = 15
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 60 * time.Second
	}
	if cfg.Scheduler.Heartbeat == 0 {
		cfg.Scheduler.Heartbeat = 30 * time.Second
	}
	if cfg.Scheduler.StaleAfter == 0 {
		cfg.Scheduler.StaleAfter = 90 * time.Second
	}
	if cfg.Scheduler.MaxJobs == 0 {
		cfg.Scheduler.MaxJobs = 20
	}
	if cfg.Inbox.Debounce == 0 {
		cfg.Inbox.Debounce = 5 * time.Second
	}
	if cfg.Inbox.PerEvent == 0 {
		cfg.Inbox.PerEvent = 8
	}
	if cfg.Inbox.MaxQueue == 0 {
		cfg.Inbox.MaxQueue = 40
	}
	if cfg.Usage.AuditRetentionDays == 0 {
		cfg.Usage.AuditRetentionDays = 14
	}
	if cfg.Usage.HistoryDays == 0 {
		cfg.Usage.HistoryDays = 90
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}
