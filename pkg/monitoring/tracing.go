package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	Environment    string
	SamplingRate   float64
}

// TracingManager handles distributed tracing
type TracingManager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracingManager creates a tracing manager exporting to jaeger
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		tracer:   tp.Tracer(config.ServiceName),
		provider: tp,
	}, nil
}

// NewNoopTracingManager returns a manager whose spans are never recorded
func NewNoopTracingManager() *TracingManager {
	return &TracingManager{tracer: trace.NewNoopTracerProvider().Tracer("labsync")}
}

// NewTracingManagerWithProvider wraps an existing SDK provider, e.g. one backed by an in-memory exporter
func NewTracingManagerWithProvider(tp *sdktrace.TracerProvider, name string) *TracingManager {
	return &TracingManager{tracer: tp.Tracer(name), provider: tp}
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, opts...)
}

// StartTaskSpan starts a span for work on a single order
func (tm *TracingManager) StartTaskSpan(ctx context.Context, operation, taskID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "labsync."+operation,
		trace.WithAttributes(attribute.String("fhir.task.id", taskID)),
	)
}

// StartHTTPSpan starts a span for operator API requests
func (tm *TracingManager) StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, fmt.Sprintf("%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(route),
		),
	)
}

// RecordError records an error in the span
func (tm *TracingManager) RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}
