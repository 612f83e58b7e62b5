package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cos/internal/app"
	"github.com/haasonsaas/cos/internal/config"
)

const (
	defaultDirName    = ".cos"
	defaultConfigName = "cos.yaml"
	defaultStateName  = "settings.db"
	defaultTraceName  = "traces.jsonl"
	memoryState       = "memory"
)

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, defaultDirName)
	}
	return defaultDirName
}

// resolveConfigPath applies flag, then COS_CONFIG, then the default path.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("COS_CONFIG")); env != "" {
		return env
	}
	return filepath.Join(homeDir(), defaultConfigName)
}

// loadConfig reads the configuration. A missing default file yields the
// built-in defaults; a missing explicit file is an error.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && strings.TrimSpace(configPath) == "":
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	switch {
	case statePath == memoryState:
		cfg.Storage.Path = ""
	case statePath != "":
		cfg.Storage.Path = statePath
	case cfg.Storage.Path == "":
		cfg.Storage.Path = filepath.Join(homeDir(), defaultStateName)
	}
	return cfg, nil
}

// openApp loads config and assembles an instance. Callers Close it.
func openApp(cmd *cobra.Command, mutate func(*app.Options)) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := app.Options{Config: cfg, Logger: slog.Default()}
	if cfg.Storage.Path != "" {
		opts.TracePath = filepath.Join(filepath.Dir(cfg.Storage.Path), defaultTraceName)
	}
	if mutate != nil {
		mutate(&opts)
	}
	return app.New(cmdContext(cmd), opts)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// closeApp closes a on a context that outlives cmd cancellation.
func closeApp(cmd *cobra.Command, a *app.App) {
	if err := a.Close(context.WithoutCancel(cmdContext(cmd))); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}
