package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Scheduled Job Commands
// =============================================================================

func buildShowJobsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show-jobs",
		Short: "List scheduled jobs and the scheduler leader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowJobs(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

type addJobFlags struct {
	name     string
	cronExpr string
	every    int
	at       string
	timezone string
}

func buildAddJobCmd() *cobra.Command {
	var flags addJobFlags
	cmd := &cobra.Command{
		Use:   "add-job [prompt]",
		Short: "Schedule a prompt by cron expression, interval or one-off time",
		Example: `  cos add-job --name digest --cron "0 8 * * 1-5" "summarise my unread email"
  cos add-job --every 60 "check the inbox page"
  cos add-job --at 2026-03-02T15:00:00Z "remind me to call Sam"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddJob(cmd, args, flags)
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "", "Job name (defaults to the prompt's first words)")
	cmd.Flags().StringVar(&flags.cronExpr, "cron", "", "Five-field cron expression")
	cmd.Flags().IntVar(&flags.every, "every", 0, "Interval in minutes (at least 5)")
	cmd.Flags().StringVar(&flags.at, "at", "", "One-off run time (RFC 3339)")
	cmd.Flags().StringVar(&flags.timezone, "timezone", "", "IANA timezone for cron expressions")
	cmd.MarkFlagsMutuallyExclusive("cron", "every", "at")
	cmd.MarkFlagsOneRequired("cron", "every", "at")
	return cmd
}

func buildRemoveJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-job [id]",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemoveJob,
	}
}

func buildToggleJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-job [id]",
		Short: "Enable or disable a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE:  runToggleJob,
	}
}
