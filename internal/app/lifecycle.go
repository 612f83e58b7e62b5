package app

import (
	"context"
	"errors"
	"fmt"
)

// Start begins the background services the configuration enables. The
// services stop when ctx ends or Stop is called.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true

	if err := a.Memory.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory cache: %w", err)
	}
	if ports := a.MCPPorts(ctx); len(ports) > 0 {
		a.MCP.Start(ctx, ports)
	}
	if a.Config.Composio.Enabled && a.ComposioKey(ctx) != "" {
		if err := a.Broker.Connect(ctx); err != nil {
			a.Logger.Warn("tool broker unavailable", "error", err)
		}
	}
	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if a.Config.Inbox.Enabled {
		if err := a.Inbox.Start(ctx); err != nil {
			return fmt.Errorf("failed to start inbox: %w", err)
		}
	}
	a.Logger.Info("instance started", "tab_id", a.Store.TabID(),
		"scheduler", a.Config.Scheduler.Enabled, "inbox", a.Config.Inbox.Enabled)
	return nil
}

// Stop halts background services in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	var errs []error
	if a.Config.Inbox.Enabled {
		if err := a.Inbox.Close(ctx); err != nil {
			a.Logger.Error("error stopping inbox", "error", err)
			errs = append(errs, err)
		}
	}
	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Error("error stopping scheduler", "error", err)
			errs = append(errs, err)
		}
	}
	a.Memory.Close()
	a.Usage.Flush()
	return errors.Join(errs...)
}
