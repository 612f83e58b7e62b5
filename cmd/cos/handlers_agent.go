package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/agent/tape"
	"github.com/haasonsaas/cos/internal/app"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/usage"
	"github.com/haasonsaas/cos/pkg/models"
)

// =============================================================================
// Agent Command Handlers
// =============================================================================

// runAsk handles ask and dry-run.
func runAsk(cmd *cobra.Command, args []string, flags askFlags, dryRun bool) error {
	ctx, cancel := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	var replay *tape.Tape
	if flags.replayTape != "" {
		t, err := tape.Load(flags.replayTape)
		if err != nil {
			return err
		}
		replay = t
	}
	var recorders []*tape.Recorder

	lines := newLineReader(cmd.InOrStdin())
	a, err := openApp(cmd, func(o *app.Options) {
		o.Approver = newTerminalApprover(lines, errOut, flags.yes)
		if flags.verbose {
			o.Events = agent.CallbackSink(func(_ context.Context, e agent.Event) { printEvent(errOut, e) })
		}
		if replay != nil {
			o.Config.LLM.Primary = string(replay.Provider)
			o.Providers = []agent.LLMProvider{tape.NewReplayer(replay)}
		}
		if flags.recordTape != "" {
			o.WrapProvider = func(p agent.LLMProvider) agent.LLMProvider {
				r := tape.NewRecorder(p)
				recorders = append(recorders, r)
				return r
			}
		}
	})
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	if dryRun {
		a.Runtime.SetDryRun()
	}
	req := models.Request{
		Prompt:                strings.Join(args, " "),
		ReadOnlyTools:         flags.readOnly,
		OfferWriteToDailyPage: flags.offerSave,
		Trigger:               "palette",
	}
	streamed := false
	if !flags.noStream {
		req.OnTextChunk = func(s string) {
			streamed = true
			fmt.Fprint(out, s)
		}
	}
	res, askErr := a.Runtime.Ask(ctx, req)
	if flags.recordTape != "" {
		if err := saveTapes(flags.recordTape, recorders); err != nil {
			return err
		}
	}
	if askErr != nil {
		if streamed {
			fmt.Fprintln(out)
		}
		return describeAskError(askErr)
	}
	if streamed {
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, res.Text)
	}
	if flags.verbose && res.Trace != nil {
		fmt.Fprintf(errOut, "%s · %s · %d iterations · %s\n", res.Trace.Model, res.Trace.Outcome,
			res.Trace.Iterations, usage.FormatUSD(res.Trace.Cost))
	}
	return nil
}

// saveTapes writes every recorder that saw traffic. With more than one,
// the provider name is inserted before the extension.
func saveTapes(path string, recorders []*tape.Recorder) error {
	var used []*tape.Tape
	for _, r := range recorders {
		if t := r.Tape(); len(t.Turns) > 0 {
			used = append(used, t)
		}
	}
	for _, t := range used {
		p := path
		if len(used) > 1 {
			p = tapePath(path, string(t.Provider))
		}
		if err := t.Save(p); err != nil {
			return fmt.Errorf("save tape: %w", err)
		}
	}
	return nil
}

func tapePath(path, provider string) string {
	if i := strings.LastIndex(path, "."); i > strings.LastIndex(path, "/") {
		return path[:i] + "." + provider + path[i:]
	}
	return path + "." + provider
}

func describeAskError(err error) error {
	switch {
	case errors.Is(err, agent.ErrDailyCapExceeded):
		return fmt.Errorf("daily spending cap reached; raise it with set-daily-cap: %w", err)
	case errors.Is(err, agent.ErrBusy):
		return fmt.Errorf("another run is in progress: %w", err)
	case errors.Is(err, agent.ErrAllProvidersFailed):
		return fmt.Errorf("every provider failed; check API keys and connectivity: %w", err)
	}
	return err
}

func printEvent(w io.Writer, e agent.Event) {
	line := fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Type)
	if e.Iteration > 0 {
		line += fmt.Sprintf(" iter=%d", e.Iteration)
	}
	if e.Tool != "" {
		line += " tool=" + e.Tool
	}
	if e.Detail != "" {
		line += " " + e.Detail
	}
	if e.IsError {
		line += " (error)"
	}
	fmt.Fprintln(w, line)
}

// runChat runs an interactive session until EOF, /quit or a signal.
func runChat(cmd *cobra.Command, yes bool) error {
	ctx, cancel := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	lines := newLineReader(cmd.InOrStdin())
	a, err := openApp(cmd, func(o *app.Options) {
		o.Approver = newTerminalApprover(lines, errOut, yes)
	})
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s is ready. /quit to exit.\n", a.Config.Identity.AssistantName)
	for {
		fmt.Fprint(out, "> ")
		line, err := lines.Next(ctx)
		if err != nil {
			fmt.Fprintln(out)
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		text := strings.TrimSpace(line)
		switch strings.ToLower(text) {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/dry-run":
			a.Runtime.SetDryRun()
			fmt.Fprintln(out, "The next request will simulate every write.")
			continue
		case "/abort":
			if !a.Runtime.Abort() {
				fmt.Fprintln(out, "Nothing is running.")
			}
			continue
		}
		res, err := a.Runtime.Ask(ctx, models.Request{
			Prompt:      text,
			Trigger:     "chat",
			OnTextChunk: func(s string) { fmt.Fprint(out, s) },
		})
		fmt.Fprintln(out)
		switch {
		case err != nil:
			fmt.Fprintf(errOut, "error: %v\n", describeAskError(err))
		case res.Trace == nil:
			// Handled without a model call.
			fmt.Fprintln(out, res.Text)
		}
	}
}

func runClearContext(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Runtime.ClearContext(cmdContext(cmd)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Context cleared.")
	return nil
}

func runShowTrace(cmd *cobra.Command, jsonOutput, all bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	var traces []models.RunTrace
	if all {
		recent := a.Traces().Recent()
		for i := len(recent) - 1; i >= 0; i-- {
			traces = append(traces, recent[i])
		}
	} else if last := a.Traces().Last(); last != nil {
		traces = append(traces, *last)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, traces)
	}
	if len(traces) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	for i := range traces {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printTrace(out, &traces[i], a.Location)
	}
	return nil
}

func printTrace(out io.Writer, t *models.RunTrace, loc *time.Location) {
	fmt.Fprintf(out, "Run %s (%s)\n", t.RunID, t.Trigger)
	fmt.Fprintf(out, "  prompt:   %s\n", t.Prompt)
	fmt.Fprintf(out, "  started:  %s\n", t.StartedAt.In(loc).Format(time.RFC1123))
	fmt.Fprintf(out, "  model:    %s/%s (tier %s", t.Provider, t.Model, t.Tier)
	if t.Escalated {
		fmt.Fprint(out, ", escalated")
	}
	fmt.Fprintln(out, ")")
	fmt.Fprintf(out, "  outcome:  %s after %d iterations in %s\n", t.Outcome, t.Iterations, t.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "  tokens:   %s in / %s out, %s\n",
		usage.FormatTokenCount(int64(t.TotalInputTokens)), usage.FormatTokenCount(int64(t.TotalOutputTokens)), usage.FormatUSD(t.Cost))
	if t.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", t.Error)
	}
	if n := t.ClaimedActionFires + t.FabricationFires + t.InjectionWarnings; n > 0 {
		fmt.Fprintf(out, "  guards:   %d claimed-action, %d fabrication, %d injection\n",
			t.ClaimedActionFires, t.FabricationFires, t.InjectionWarnings)
	}
	if len(t.ToolCalls) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ITER\tTOOL\tTARGET\tAPPROVAL\tSTATUS\tTIME")
	for _, c := range t.ToolCalls {
		status := "ok"
		switch {
		case !c.Executed:
			status = "blocked: " + c.Reason
		case c.IsError:
			status = "error"
		}
		approval := string(c.Approval)
		if approval == "" {
			approval = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n", c.Iteration, c.Name, c.Target, approval, status, c.Duration.Round(time.Millisecond))
	}
	_ = w.Flush()
}

func runTogglePanel(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	ctx := cmdContext(cmd)
	open := kv.GetString(ctx, a.Store, kv.KeyPanelOpen, "false") == "true"
	next := "true"
	if open {
		next = "false"
	}
	if err := a.Store.Set(ctx, kv.KeyPanelOpen, []byte(next)); err != nil {
		return err
	}
	state := "open"
	if open {
		state = "closed"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Panel %s.\n", state)
	return nil
}
