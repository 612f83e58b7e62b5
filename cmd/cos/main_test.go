package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/cron"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{
		"ask", "dry-run", "chat", "clear-context", "show-trace", "toggle-panel", "run-onboarding",
		"connect", "disconnect", "reconnect", "install", "deregister", "test", "show-schema-registry",
		"mcp-connect", "show-suspended", "accept-pin", "reject-pin", "show-bom",
		"show-jobs", "add-job", "remove-job", "toggle-job",
		"bootstrap-memory", "bootstrap-skills", "refresh-skills",
		"show-usage", "show-cost", "set-daily-cap", "reset-usage",
	}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// execute runs the CLI against a throwaway state directory.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--state", filepath.Join(dir, "settings.db")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("COS_CONFIG", filepath.Join(dir, "missing.yaml"))
	for _, env := range envKeyNames {
		t.Setenv(env, "")
	}
	return dir
}

var envKeyNames = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "MISTRAL_API_KEY"}

func TestJobCommandsRoundTrip(t *testing.T) {
	dir := isolate(t)

	out, err := execute(t, dir, "add-job", "--name", "digest", "--every", "60", "summarise", "the", "inbox")
	if err != nil {
		t.Fatalf("add-job: %v", err)
	}
	if !strings.Contains(out, `Scheduled "digest"`) {
		t.Fatalf("add-job output = %q", out)
	}

	out, err = execute(t, dir, "show-jobs", "--json")
	if err != nil {
		t.Fatalf("show-jobs: %v", err)
	}
	var listed struct {
		Jobs []cron.Job `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode show-jobs: %v\n%s", err, out)
	}
	if len(listed.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(listed.Jobs))
	}
	job := listed.Jobs[0]
	if job.Prompt != "summarise the inbox" || job.IntervalMinutes != 60 || !job.Enabled {
		t.Fatalf("job = %+v", job)
	}

	if out, err = execute(t, dir, "toggle-job", job.ID[:6]); err != nil {
		t.Fatalf("toggle-job: %v", err)
	}
	if !strings.Contains(out, "disabled") {
		t.Fatalf("toggle-job output = %q", out)
	}

	if _, err = execute(t, dir, "remove-job", job.ID); err != nil {
		t.Fatalf("remove-job: %v", err)
	}
	out, err = execute(t, dir, "show-jobs")
	if err != nil {
		t.Fatalf("show-jobs: %v", err)
	}
	if !strings.Contains(out, "No scheduled jobs.") {
		t.Fatalf("show-jobs output = %q", out)
	}
}

func TestAddJobRejectsTooFrequentInterval(t *testing.T) {
	dir := isolate(t)
	_, err := execute(t, dir, "add-job", "--every", "1", "ping")
	if !errors.Is(err, cron.ErrTooFrequent) {
		t.Fatalf("err = %v, want ErrTooFrequent", err)
	}
}

func TestSetDailyCapPersists(t *testing.T) {
	dir := isolate(t)
	if _, err := execute(t, dir, "set-daily-cap", "2.50"); err != nil {
		t.Fatalf("set-daily-cap: %v", err)
	}
	out, err := execute(t, dir, "show-usage")
	if err != nil {
		t.Fatalf("show-usage: %v", err)
	}
	if !strings.Contains(out, "of $2.50 cap") {
		t.Fatalf("show-usage output = %q", out)
	}
	if _, err := execute(t, dir, "set-daily-cap", "--", "-1"); err == nil {
		t.Fatal("expected negative cap to fail")
	}
}

func TestResolveJobID(t *testing.T) {
	jobs := []cron.Job{{ID: "abc123"}, {ID: "abd456"}, {ID: "xyz"}}
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "abc123", want: "abc123"},
		{ref: "abc", want: "abc123"},
		{ref: "x", want: "xyz"},
		{ref: "ab", wantErr: true},
		{ref: "nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := resolveJobID(jobs, tt.ref)
		if (err != nil) != tt.wantErr {
			t.Fatalf("resolveJobID(%q) err = %v", tt.ref, err)
		}
		if got != tt.want {
			t.Fatalf("resolveJobID(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
	if _, err := resolveJobID(jobs, "nope"); !errors.Is(err, cron.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestTapePath(t *testing.T) {
	tests := map[string]string{
		"run.json":         "run.anthropic.json",
		"dir.v2/run":       "dir.v2/run.anthropic",
		"out/session.tape": "out/session.anthropic.tape",
		"noext":            "noext.anthropic",
	}
	for in, want := range tests {
		if got := tapePath(in, "anthropic"); got != want {
			t.Fatalf("tapePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTerminalApprover(t *testing.T) {
	req := agent.ApprovalRequest{ToolName: "create_page", Target: "Projects", Input: json.RawMessage(`{"title":"x"}`)}

	tests := []struct {
		name  string
		input string
		auto  bool
		want  bool
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "full word", input: "Yes\n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "empty line denies", input: "\n", want: false},
		{name: "eof denies", input: "", want: false},
		{name: "auto approve", input: "", auto: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			a := newTerminalApprover(newLineReader(strings.NewReader(tt.input)), &out, tt.auto)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			got, err := a.RequestApproval(ctx, req)
			if err != nil {
				t.Fatalf("RequestApproval: %v", err)
			}
			if got.Approved != tt.want {
				t.Fatalf("approved = %v, want %v", got.Approved, tt.want)
			}
			if !tt.auto && !strings.Contains(out.String(), "create_page") {
				t.Fatalf("prompt did not name the tool: %q", out.String())
			}
		})
	}
}

func TestLineReaderKeepsAbandonedLine(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	r := newLineReader(pr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	go func() { _, _ = io.WriteString(pw, "first\nsecond\n") }()
	for _, want := range []string{"first", "second"} {
		line, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if line != want {
			t.Fatalf("line = %q, want %q", line, want)
		}
	}
	_ = pw.Close()
	if _, err := r.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
