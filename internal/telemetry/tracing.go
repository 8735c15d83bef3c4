// Package telemetry configures OpenTelemetry tracing for swarmd.
//
// Custom span attributes use the `swarmd.` prefix. Span names follow the
// component that owns the work: loop.tick, plan.generate, action.dispatch,
// swarm.coordinate.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "blockforge.dev/swarmd"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("swarmd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTickSpan creates the parent span for one autonomy loop tick.
func StartTickSpan(ctx context.Context, agentID string, tick int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "loop.tick",
		trace.WithAttributes(
			attribute.String("swarmd.agent", agentID),
			attribute.Int64("swarmd.tick", tick),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPlanSpan creates a child span for goal plan generation.
func StartPlanSpan(ctx context.Context, agentID, goal string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "plan.generate",
		trace.WithAttributes(
			attribute.String("swarmd.agent", agentID),
			attribute.String("swarmd.goal", goal),
		),
	)
}

// EndPlanSpan enriches the plan span with the outcome.
func EndPlanSpan(span trace.Span, actions int, cached bool) {
	span.SetAttributes(
		attribute.Int("swarmd.plan_actions", actions),
		attribute.Bool("swarmd.plan_cached", cached),
	)
	span.End()
}

// StartDispatchSpan creates a child span for a routed action.
func StartDispatchSpan(ctx context.Context, agentID, actionType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "action.dispatch",
		trace.WithAttributes(
			attribute.String("swarmd.agent", agentID),
			attribute.String("swarmd.action_type", actionType),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDispatchSpan enriches the dispatch span with result data.
func EndDispatchSpan(span trace.Span, success bool, rejected bool, reason string) {
	span.SetAttributes(
		attribute.Bool("swarmd.success", success),
		attribute.Bool("swarmd.rejected", rejected),
	)
	if reason != "" {
		span.SetAttributes(attribute.String("swarmd.reason", reason))
	}
	span.End()
}

// StartCoordinateSpan creates the parent span for a multi-agent task.
func StartCoordinateSpan(ctx context.Context, taskID, taskType string, agents int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "swarm.coordinate",
		trace.WithAttributes(
			attribute.String("swarmd.task", taskID),
			attribute.String("swarmd.task_type", taskType),
			attribute.Int("swarmd.agents", agents),
		),
	)
}
