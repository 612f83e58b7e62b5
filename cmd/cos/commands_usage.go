package main

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cos/internal/usage"
)

// =============================================================================
// Usage Commands
// =============================================================================

func buildShowUsageCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show-usage",
		Short: "Show today's activity counters and token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowUsage(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func buildShowCostCmd() *cobra.Command {
	var (
		jsonOutput bool
		days       int
	)
	cmd := &cobra.Command{
		Use:   "show-cost",
		Short: "Show spend per day and per model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowCost(cmd, days, jsonOutput)
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func buildSetDailyCapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-daily-cap [usd]",
		Short: "Set the daily spending cap in USD (0 removes it)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSetDailyCap,
	}
}

func buildResetUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-usage",
		Short: "Clear session tokens and activity counters; cost history is kept",
		Args:  cobra.NoArgs,
		RunE:  runResetUsage,
	}
}

func runShowUsage(cmd *cobra.Command, jsonOutput bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	today := a.Usage.Today()
	stats := a.Usage.Stats(a.Now())

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]any{"today": today, "stats": stats})
	}
	fmt.Fprintf(out, "Today (%s)\n", today.Date)
	fmt.Fprintf(out, "  tokens:        %s in / %s out\n",
		usage.FormatTokenCount(today.InputTokens), usage.FormatTokenCount(today.OutputTokens))
	fmt.Fprintf(out, "  cost:          %s", usage.FormatUSD(today.Cost))
	if limit := a.Usage.DailyCap(); limit > 0 {
		fmt.Fprintf(out, " of %s cap", usage.FormatUSD(limit))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  runs:          %d\n", stats.AgentRuns)
	fmt.Fprintf(out, "  tool calls:    %d\n", stats.TotalToolCalls())
	fmt.Fprintf(out, "  approvals:     %d granted, %d denied\n", stats.ApprovalsGranted, stats.ApprovalsDenied)
	fmt.Fprintf(out, "  guards:        %d injection, %d claimed-action, %d memory-write blocks\n",
		stats.InjectionWarnings, stats.ClaimedActionFires, stats.MemoryWriteBlocks)
	fmt.Fprintf(out, "  escalations:   %d\n", stats.TierEscalations)

	if len(stats.ToolCalls) > 0 {
		names := make([]string, 0, len(stats.ToolCalls))
		for name := range stats.ToolCalls {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if stats.ToolCalls[names[i]] != stats.ToolCalls[names[j]] {
				return stats.ToolCalls[names[i]] > stats.ToolCalls[names[j]]
			}
			return names[i] < names[j]
		})
		fmt.Fprintln(out, "\nTools")
		for _, name := range names {
			fmt.Fprintf(out, "  %-32s %d\n", name, stats.ToolCalls[name])
		}
	}
	return nil
}

func runShowCost(cmd *cobra.Command, days int, jsonOutput bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	history := a.Usage.History()
	if days > 0 && len(history) > days {
		history = history[:days]
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, history)
	}
	if len(history) == 0 {
		fmt.Fprintln(out, "No spend recorded.")
		return nil
	}
	var total float64
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tMODEL\tCALLS\tINPUT\tOUTPUT\tCOST")
	for _, day := range history {
		total += day.Cost
		models := make([]string, 0, len(day.Models))
		for m := range day.Models {
			models = append(models, m)
		}
		sort.Strings(models)
		for _, m := range models {
			mc := day.Models[m]
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", day.Date, m, mc.Calls,
				usage.FormatTokenCount(mc.InputTokens), usage.FormatTokenCount(mc.OutputTokens), usage.FormatUSD(mc.Cost))
		}
		fmt.Fprintf(w, "%s\t(total)\t\t%s\t%s\t%s\n", day.Date,
			usage.FormatTokenCount(day.InputTokens), usage.FormatTokenCount(day.OutputTokens), usage.FormatUSD(day.Cost))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d days: %s\n", len(history), usage.FormatUSD(total))
	return nil
}

func runSetDailyCap(cmd *cobra.Command, args []string) error {
	limit, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[0], err)
	}
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Usage.SetDailyCap(cmdContext(cmd), limit); err != nil {
		return err
	}
	if limit == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Daily cap removed.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Daily cap set to %s.\n", usage.FormatUSD(limit))
	return nil
}

func runResetUsage(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Usage.Reset(cmdContext(cmd)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Usage counters reset.")
	return nil
}
