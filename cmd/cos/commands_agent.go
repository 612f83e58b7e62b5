package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Agent Commands
// =============================================================================

type askFlags struct {
	yes        bool
	readOnly   bool
	offerSave  bool
	verbose    bool
	noStream   bool
	recordTape string
	replayTape string
}

func (f *askFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Approve every mutating tool call without asking")
	cmd.Flags().BoolVar(&f.readOnly, "read-only", false, "Offer only read-only tools")
	cmd.Flags().BoolVar(&f.offerSave, "offer-save", false, "Let the assistant offer to add the answer to today's daily page")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Print run progress events to stderr")
	cmd.Flags().BoolVar(&f.noStream, "no-stream", false, "Print the answer once instead of streaming")
	cmd.Flags().StringVar(&f.recordTape, "record-tape", "", "Record provider traffic to a tape file")
	cmd.Flags().StringVar(&f.replayTape, "replay-tape", "", "Replay provider traffic from a tape file instead of calling providers")
	cmd.MarkFlagsMutuallyExclusive("record-tape", "replay-tape")
}

func buildAskCmd() *cobra.Command {
	var flags askFlags
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one request to the assistant",
		Long: `Send one request through the agent loop and print the answer.

End the prompt with /power or /ludicrous to force a tier. Mutating tool
calls are confirmed on the terminal unless --yes is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, args, flags, false)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildDryRunCmd() *cobra.Command {
	var flags askFlags
	cmd := &cobra.Command{
		Use:   "dry-run [prompt]",
		Short: "Run one request with every mutating call simulated",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, args, flags, true)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildChatCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session with the scheduler and inbox running",
		Long: `Start an interactive session. Each line is one request; /clear drops the
conversation, /dry-run simulates the next request, /abort cancels a run
started in the background, and /quit exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every mutating tool call without asking")
	return cmd
}

func buildClearContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-context",
		Short: "Drop the conversation history and routing trajectory",
		Args:  cobra.NoArgs,
		RunE:  runClearContext,
	}
}

func buildShowTraceCmd() *cobra.Command {
	var (
		jsonOutput bool
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "show-trace",
		Short: "Show the most recent run trace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowTrace(cmd, jsonOutput, all)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&all, "all", false, "Show every retained trace, newest first")
	return cmd
}

func buildTogglePanelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-panel",
		Short: "Toggle the remembered chat panel state",
		Args:  cobra.NoArgs,
		RunE:  runTogglePanel,
	}
}

func buildRunOnboardingCmd() *cobra.Command {
	var opts onboardingOptions
	cmd := &cobra.Command{
		Use:   "run-onboarding",
		Short: "Set names and a provider key, then create the memory and skills pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboarding(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.assistantName, "assistant-name", "", "Name the assistant goes by")
	cmd.Flags().StringVar(&opts.userName, "user-name", "", "Name the assistant calls you")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Primary provider (anthropic, openai, gemini, mistral)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key for the primary provider")
	cmd.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Do not prompt for missing values")
	return cmd
}
