package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures span export. An empty Endpoint keeps tracing local.
type TraceConfig struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Tracer starts spans for runs, LLM calls and tool dispatches.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer and its shutdown func. Without an endpoint the
// global (no-op unless installed) provider is used.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cos"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, nil, err
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown, nil
}

// NewTracerFromProvider wraps an existing provider, used by tests with a span recorder.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer("cos")}
}

// StartRun opens the span covering one agent run.
func (t *Tracer) StartRun(ctx context.Context, runID, trigger string) (context.Context, trace.Span) {
	return t.start(ctx, "agent.run", attribute.String("run.id", runID), attribute.String("run.trigger", trigger))
}

// StartLLMCall opens a span for one provider request.
func (t *Tracer) StartLLMCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.start(ctx, "llm.call", attribute.String("llm.provider", provider), attribute.String("llm.model", model))
}

// StartToolCall opens a span for one tool dispatch.
func (t *Tracer) StartToolCall(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.start(ctx, "tool.call", attribute.String("tool.name", tool))
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
