package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cos/internal/cron"
	"github.com/haasonsaas/cos/internal/kv"
)

// =============================================================================
// Scheduled Job Handlers
// =============================================================================

func runShowJobs(cmd *cobra.Command, jsonOutput bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	ctx := cmdContext(cmd)

	jobs, err := a.Jobs.Jobs(ctx)
	if err != nil {
		return err
	}
	lease, hasLease, err := kv.GetJSON[cron.Lease](ctx, a.Store, kv.KeyCronLeader)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]any{"jobs": jobs, "leader": lease})
	}
	if hasLease && lease.TabID != "" {
		fmt.Fprintf(out, "Leader: %s (heartbeat %s ago)\n\n", lease.TabID, a.Now().Sub(lease.Heartbeat).Round(time.Second))
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No scheduled jobs.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tRUNS\tLAST ERROR")
	for _, j := range jobs {
		next := "-"
		if t, ok := j.NextRun(); ok && j.Enabled {
			next = t.In(a.Location).Format("2006-01-02 15:04")
		}
		lastErr := j.LastRunError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", shortID(j.ID), j.Name, j.Describe(), yesNo(j.Enabled), next, j.RunCount, lastErr)
	}
	return w.Flush()
}

func runAddJob(cmd *cobra.Command, args []string, flags addJobFlags) error {
	job := cron.Job{
		Name:     flags.name,
		Prompt:   strings.Join(args, " "),
		Timezone: flags.timezone,
	}
	switch {
	case flags.cronExpr != "":
		job.Type, job.Expression = cron.JobTypeCron, flags.cronExpr
	case flags.every > 0:
		job.Type, job.IntervalMinutes = cron.JobTypeInterval, flags.every
	case flags.at != "":
		at, err := time.Parse(time.RFC3339, flags.at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		job.Type, job.RunAt = cron.JobTypeOnce, at
	default:
		return fmt.Errorf("one of --cron, --every or --at is required")
	}

	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if job.Timezone == "" && job.Type == cron.JobTypeCron {
		job.Timezone = a.Config.Identity.Timezone
	}
	added, err := a.Jobs.Add(cmdContext(cmd), job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %q (%s) as %s.\n", added.Name, added.Describe(), added.ID)
	return nil
}

// resolveJobID accepts a full id or a unique prefix.
func resolveJobID(jobs []cron.Job, ref string) (string, error) {
	var match string
	for _, j := range jobs {
		if j.ID == ref {
			return j.ID, nil
		}
		if strings.HasPrefix(j.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("job id %q is ambiguous", ref)
			}
			match = j.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", cron.ErrJobNotFound, ref)
	}
	return match, nil
}

func runRemoveJob(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	ctx := cmdContext(cmd)
	jobs, err := a.Jobs.Jobs(ctx)
	if err != nil {
		return err
	}
	id, err := resolveJobID(jobs, args[0])
	if err != nil {
		return err
	}
	if err := a.Jobs.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", id)
	return nil
}

func runToggleJob(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	ctx := cmdContext(cmd)
	jobs, err := a.Jobs.Jobs(ctx)
	if err != nil {
		return err
	}
	id, err := resolveJobID(jobs, args[0])
	if err != nil {
		return err
	}
	var enabled bool
	for _, j := range jobs {
		if j.ID == id {
			enabled = j.Enabled
		}
	}
	job, err := a.Jobs.SetEnabled(ctx, id, !enabled)
	if err != nil {
		return err
	}
	state := "disabled"
	if job.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s.\n", job.Name, state)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
