package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	ctx := WithRunID(context.Background(), "run-1")

	logger.InfoContext(ctx, "calling provider with key sk-ant-REDACTED",
		"api_key", "plain-secret-value",
		"err", errors.New("bearer abcdefghijklmnop1234 rejected"),
		"model", "claude-sonnet-4-5",
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v\n%s", err, buf.String())
	}
	if strings.Contains(buf.String(), "sk-ant-") || strings.Contains(buf.String(), "plain-secret-value") {
		t.Errorf("secret leaked: %s", buf.String())
	}
	if rec["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", rec["run_id"])
	}
	if rec["model"] != "claude-sonnet-4-5" {
		t.Errorf("model attr mangled: %v", rec["model"])
	}
	if !strings.Contains(rec["err"].(string), "[REDACTED]") {
		t.Errorf("error attr not redacted: %v", rec["err"])
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LevelFromString(tt.level); got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestConsoleFormatWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, NoColor: true})
	logger.With("component", "cron").Warn("tick skipped", "reason", "foreground")
	out := buf.String()
	if !strings.Contains(out, "tick skipped") || !strings.Contains(out, "component=cron") {
		t.Errorf("console output = %q", out)
	}
}

func TestMetricsIsolatedRegistry(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.ToolCalls.WithLabelValues("cos_update_memory", "native", "success").Inc()
	a.ToolCalls.WithLabelValues("cos_update_memory", "native", "success").Inc()

	if got := testutil.ToFloat64(a.ToolCalls.WithLabelValues("cos_update_memory", "native", "success")); got != 2 {
		t.Errorf("tool calls = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(b.ToolCalls); got != 0 {
		t.Errorf("sibling registry saw %d series", got)
	}
}

func TestTracerRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tr := NewTracerFromProvider(tp)

	ctx, run := tr.StartRun(context.Background(), "run-1", "chat")
	_, call := tr.StartLLMCall(ctx, "anthropic", "claude-haiku-4-5")
	EndSpan(call, errors.New("503"))
	EndSpan(run, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "llm.call" || spans[0].Status().Description != "503" {
		t.Errorf("llm span = %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("llm span is not a child of the run span")
	}
}

func TestNilTracerIsSafe(t *testing.T) {
	var tr *Tracer
	_, span := tr.StartToolCall(context.Background(), "x")
	EndSpan(span, nil)
}
