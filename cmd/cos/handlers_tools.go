package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cos/internal/app"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/mcp"
	"github.com/haasonsaas/cos/internal/tools/composio"
)

// =============================================================================
// Tool Broker Handlers
// =============================================================================

func connectBroker(cmd *cobra.Command, a *app.App) error {
	if err := a.Broker.Connect(cmdContext(cmd)); err != nil {
		if errors.Is(err, composio.ErrNoAPIKey) {
			return fmt.Errorf("no broker API key; run connect --api-key first: %w", err)
		}
		return err
	}
	return nil
}

func runConnect(cmd *cobra.Command, apiKey string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	ctx := cmdContext(cmd)

	if key := strings.TrimSpace(apiKey); key != "" {
		a.Broker.SetAPIKey(key)
	}
	if err := connectBroker(cmd, a); err != nil {
		return err
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		if err := a.Store.Set(ctx, kv.KeyComposioAPIKey, []byte(key)); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s.\n", a.Broker.Endpoint())
	return nil
}

func runDisconnect(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Store.Delete(cmdContext(cmd), kv.KeyComposioAPIKey); err != nil {
		return err
	}
	if err := a.Broker.Disconnect(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Broker key removed.")
	return nil
}

func runReconnect(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Broker.Disconnect(); err != nil {
		return err
	}
	if err := connectBroker(cmd, a); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Reconnected.")
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := connectBroker(cmd, a); err != nil {
		return err
	}
	entry, err := a.Installer.Install(cmdContext(cmd), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Installed %s with %d tools.\n", entry.Toolkit, entry.Tools)
	if !entry.Active && entry.RedirectURL != "" {
		fmt.Fprintf(out, "Authorize the account link at:\n  %s\n", entry.RedirectURL)
	}
	return nil
}

func runDeregister(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := a.Installer.Deregister(cmdContext(cmd), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", composio.NormalizeToolkit(args[0]))
	return nil
}

func runTestTool(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	if err := connectBroker(cmd, a); err != nil {
		return err
	}
	entry, err := a.Installer.Test(cmdContext(cmd), args[0])
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(out, "%s: failed\n", composio.NormalizeToolkit(args[0]))
		return err
	}
	status := "ok"
	if !entry.Active {
		status = "not linked"
	}
	fmt.Fprintf(out, "%s: %s (%d tools)\n", entry.Toolkit, status, entry.Tools)
	return nil
}

func runShowSchemaRegistry(cmd *cobra.Command, jsonOutput bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	entries := a.Schemas.Entries()
	installed, err := a.Installer.List(cmdContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]any{"installed": installed, "schemas": entries})
	}
	if len(installed) == 0 && len(entries) == 0 {
		fmt.Fprintln(out, "No toolkits installed.")
		return nil
	}
	if len(installed) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOOLKIT\tTOOLS\tLINKED\tLAST TEST")
		for _, t := range installed {
			tested := "never"
			if !t.LastTested.IsZero() {
				tested = fmt.Sprintf("%s (%s)", t.LastTested.In(a.Location).Format(time.DateTime), okText(t.LastTestOK))
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", t.Toolkit, t.Tools, yesNo(t.Active), tested)
		}
		_ = w.Flush()
	}
	for _, e := range entries {
		fmt.Fprintf(out, "\n%s (fetched %s)\n", e.Toolkit, e.FetchedAt.In(a.Location).Format(time.DateTime))
		slugs := make([]string, 0, len(e.Tools))
		for slug := range e.Tools {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		for _, slug := range slugs {
			fmt.Fprintf(out, "  %s\n", slug)
		}
	}
	return nil
}

// =============================================================================
// Local MCP Handlers
// =============================================================================

func runMCPConnect(cmd *cobra.Command, port int) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	ctx := cmdContext(cmd)
	if err := a.MCP.Connect(ctx, port); err != nil {
		return err
	}
	if err := a.AddMCPPort(ctx, port); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range a.MCP.Status() {
		if s.Port != port {
			continue
		}
		mode := "direct"
		if s.Routed {
			mode = "routed"
		}
		fmt.Fprintf(out, "Connected %s on port %d: %d tools (%s).\n", s.Key, port, s.Tools, mode)
		if s.Suspended {
			fmt.Fprintln(out, "Its schema changed since it was pinned; review with show-suspended.")
		}
	}
	return nil
}

// pendingSuspensions reconnects known servers so changed schemas are found.
func pendingSuspensions(cmd *cobra.Command, a *app.App) []*mcp.Suspension {
	for port, err := range a.ConnectServers(cmdContext(cmd)) {
		fmt.Fprintf(cmd.ErrOrStderr(), "port %d unavailable: %v\n", port, err)
	}
	return a.Pins.Suspensions()
}

func runShowSuspended(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	out := cmd.OutOrStdout()
	list := pendingSuspensions(cmd, a)
	if len(list) == 0 {
		fmt.Fprintln(out, "No suspended servers.")
		return nil
	}
	for _, s := range list {
		fmt.Fprintf(out, "%s (since %s)\n", s.ServerKey, s.SuspendedAt.In(a.Location).Format(time.DateTime))
		printNames(out, "added", s.Added)
		printNames(out, "removed", s.Removed)
		printNames(out, "modified", s.Modified)
	}
	fmt.Fprintln(out, "\nResolve with accept-pin or reject-pin.")
	return nil
}

func runResolvePin(cmd *cobra.Command, key string, accept bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	list := pendingSuspensions(cmd, a)
	if !slices.ContainsFunc(list, func(s *mcp.Suspension) bool { return s.ServerKey == key }) {
		return fmt.Errorf("%s: %w", key, mcp.ErrNotSuspended)
	}
	decision := mcp.DecisionReject
	if accept {
		decision = mcp.DecisionAccept
	}
	if err := a.Pins.Resolve(cmdContext(cmd), key, decision); err != nil {
		return err
	}
	if accept {
		fmt.Fprintf(cmd.OutOrStdout(), "Pinned the new schema for %s.\n", key)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Kept the old pin for %s; its tools stay blocked until it matches.\n", key)
	}
	return nil
}

func runShowBOM(cmd *cobra.Command, jsonOutput bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	entries, err := a.BOM.Entries(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No servers recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tORIGIN\tVERSION\tTOOLS\tFLAGGED\tHASH\tUPDATED")
	for _, e := range entries {
		version := e.Version
		if version == "" {
			version = "-"
		}
		key := e.ServerKey
		if e.Suspended {
			key += " (suspended)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", key, e.Origin, version, len(e.Tools), e.Flagged,
			shortHash(e.SchemaHash), e.UpdatedAt.In(a.Location).Format(time.DateTime))
	}
	return w.Flush()
}

func printNames(out io.Writer, label string, names []string) {
	if len(names) > 0 {
		fmt.Fprintf(out, "  %s: %s\n", label, strings.Join(names, ", "))
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func okText(b bool) string {
	if b {
		return "ok"
	}
	return "failed"
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
