// Package main provides the cos command line: a chief-of-staff agent that
// works against a knowledge graph with approval-gated tools.
//
// # Basic Usage
//
// Ask a one-off question:
//
//	cos ask "what is on my calendar today?"
//
// Run an interactive session with the scheduler and inbox watcher:
//
//	cos chat
//
// # Environment Variables
//
//   - COS_CONFIG: path to the configuration file (default: ~/.cos/cos.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, MISTRAL_API_KEY:
//     provider keys used when neither config nor settings carry one
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cos/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	configPath string
	statePath  string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cos",
		Short: "cos - a chief-of-staff agent for your knowledge graph",
		Long: `cos turns natural-language requests into bounded, approval-gated tool calls
against your knowledge graph, brokered remote toolkits and local MCP servers.

Supported LLM providers: Anthropic, OpenAI, Gemini, Mistral`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(observability.NewLogger(observability.LogConfig{
				Level:  logLevel,
				Format: logFormat,
				Output: cmd.ErrOrStderr(),
			}))
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file (or set COS_CONFIG)")
	flags.StringVar(&statePath, "state", "", "Settings database path; overrides storage.path (\"memory\" keeps state in memory)")
	flags.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "console", "Log format (console, text, json)")

	rootCmd.AddCommand(
		buildAskCmd(),
		buildDryRunCmd(),
		buildChatCmd(),
		buildClearContextCmd(),
		buildShowTraceCmd(),
		buildTogglePanelCmd(),
		buildRunOnboardingCmd(),

		buildConnectCmd(),
		buildDisconnectCmd(),
		buildReconnectCmd(),
		buildInstallCmd(),
		buildDeregisterCmd(),
		buildTestToolCmd(),
		buildShowSchemaRegistryCmd(),

		buildMCPConnectCmd(),
		buildShowSuspendedCmd(),
		buildAcceptPinCmd(),
		buildRejectPinCmd(),
		buildShowBOMCmd(),

		buildShowJobsCmd(),
		buildAddJobCmd(),
		buildRemoveJobCmd(),
		buildToggleJobCmd(),

		buildBootstrapMemoryCmd(),
		buildBootstrapSkillsCmd(),
		buildRefreshSkillsCmd(),

		buildShowUsageCmd(),
		buildShowCostCmd(),
		buildSetDailyCapCmd(),
		buildResetUsageCmd(),
	)
	return rootCmd
}
