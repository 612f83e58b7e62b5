package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/cos/internal/app"
	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/pkg/models"
)

// =============================================================================
// Onboarding
// =============================================================================

type onboardingOptions struct {
	assistantName  string
	userName       string
	provider       string
	apiKey         string
	nonInteractive bool
}

// runOnboarding stores identity and provider settings and creates the
// memory and skills pages that do not exist yet.
func runOnboarding(cmd *cobra.Command, opts onboardingOptions) error {
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()
	lines := newLineReader(cmd.InOrStdin())

	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	ask := func(label, current string) (string, error) {
		if opts.nonInteractive {
			return current, nil
		}
		fmt.Fprintf(out, "%s [%s]: ", label, current)
		line, err := lines.Next(ctx)
		if err == io.EOF {
			return current, nil
		}
		if err != nil {
			return "", err
		}
		if v := strings.TrimSpace(line); v != "" {
			return v, nil
		}
		return current, nil
	}

	if opts.assistantName == "" {
		current := kv.GetString(ctx, a.Store, kv.KeyAssistantName, a.Config.Identity.AssistantName)
		if opts.assistantName, err = ask("Assistant name", current); err != nil {
			return err
		}
	}
	if opts.userName == "" {
		current := kv.GetString(ctx, a.Store, kv.KeyUserName, a.Config.Identity.UserName)
		if opts.userName, err = ask("Your name", current); err != nil {
			return err
		}
	}
	if opts.provider == "" {
		current := kv.GetString(ctx, a.Store, kv.KeyProvider, a.Config.LLM.Primary)
		if opts.provider, err = ask("Primary provider (anthropic, openai, gemini, mistral)", current); err != nil {
			return err
		}
	}
	provider := models.Provider(strings.ToLower(strings.TrimSpace(opts.provider)))
	if !slices.Contains(models.Providers, provider) {
		return fmt.Errorf("unknown provider %q", opts.provider)
	}
	if opts.apiKey == "" && app.APIKey(ctx, a.Config, a.Store, provider) == "" {
		if !opts.nonInteractive {
			if opts.apiKey, err = askSecret(ctx, cmd, lines, fmt.Sprintf("%s API key", provider)); err != nil {
				return err
			}
		}
	}

	if err := saveOnboarding(ctx, a.Store, opts, provider); err != nil {
		return err
	}
	created, err := a.Memory.Bootstrap(ctx, true)
	if err != nil {
		return fmt.Errorf("bootstrap pages: %w", err)
	}
	if err := a.Store.Set(ctx, kv.KeyOnboardingComplete, []byte("true")); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s will call you %s and use %s.\n", opts.assistantName, opts.userName, provider)
	for _, title := range created {
		fmt.Fprintf(out, "  created [[%s]]\n", title)
	}
	return nil
}

func saveOnboarding(ctx context.Context, store kv.Store, opts onboardingOptions, provider models.Provider) error {
	values := map[string]string{
		kv.KeyAssistantName: opts.assistantName,
		kv.KeyUserName:      opts.userName,
		kv.KeyProvider:      string(provider),
	}
	if opts.apiKey != "" {
		values[kv.KeyAPIKeyPrefix+string(provider)] = opts.apiKey
	}
	for key, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if err := store.Set(ctx, key, []byte(v)); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

// askSecret reads a line without echo when stdin is a terminal.
func askSecret(ctx context.Context, cmd *cobra.Command, lines *lineReader, label string) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ", label)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		text, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", label, err)
		}
		return strings.TrimSpace(string(text)), nil
	}
	line, err := lines.Next(ctx)
	if err == io.EOF {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
