package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig holds configuration for tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// Tracing provides OpenTelemetry tracing around pipeline stages. A nil
// *Tracing or a disabled one runs stages untraced.
type Tracing struct {
	config TracingConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewTracing creates a new tracing instance on the global tracer provider.
func NewTracing(config TracingConfig, logger *zap.Logger) *Tracing {
	if config.ServiceName == "" {
		config.ServiceName = "llmgate"
	}
	if config.Enabled {
		logger.Info("Tracing enabled",
			zap.String("service", config.ServiceName),
			zap.String("environment", config.Environment))
	}

	return &Tracing{
		config: config,
		logger: logger,
		tracer: otel.Tracer(config.ServiceName),
	}
}

// IsEnabled returns true if tracing is enabled.
func (t *Tracing) IsEnabled() bool {
	return t != nil && t.config.Enabled
}

// StartSpan starts a span with string attributes. When tracing is off the
// context is returned unchanged with a no-op span.
func (t *Tracing) StartSpan(ctx context.Context, operationName string, attributes map[string]string) (context.Context, trace.Span) {
	if !t.IsEnabled() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, operationName, trace.WithAttributes(toAttributes(attributes)...))
}

// AddEvent adds an event to the current span.
func (t *Tracing) AddEvent(ctx context.Context, name string, attributes map[string]string) {
	if !t.IsEnabled() {
		return
	}
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(toAttributes(attributes)...))
}

// SetAttributes sets attributes on the current span.
func (t *Tracing) SetAttributes(ctx context.Context, attributes map[string]string) {
	if !t.IsEnabled() {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(toAttributes(attributes)...)
}

// TraceStage runs fn inside a span named after a pipeline stage.
func (t *Tracing) TraceStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	if !t.IsEnabled() {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, stage)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	span.SetAttributes(
		attribute.String("stage.name", stage),
		attribute.Int64("stage.duration_ms", time.Since(start).Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func toAttributes(attributes map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		out = append(out, attribute.String(k, v))
	}
	return out
}
