// Package tracing sets up OpenTelemetry for the control plane.
//
// Spans are exported over OTLP/HTTP when tracing.endpoint is configured.
// Without it a no-op tracer is used.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/config"
	"github.com/itskum47/forgeci/control_plane/logger"
)

var (
	mu       sync.RWMutex
	provider trace.TracerProvider = noop.NewTracerProvider()
)

// Setup installs the global tracer provider. The returned func flushes and
// stops the exporter; it is safe to call when tracing is disabled.
func Setup(ctx context.Context, cfg config.TracingConfig, log *logger.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		log.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(sdkProvider)

	mu.Lock()
	provider = sdkProvider
	mu.Unlock()

	log.Info("tracing enabled", zap.String("endpoint", cfg.Endpoint), zap.String("service", cfg.ServiceName))
	return sdkProvider.Shutdown, nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// StartAgentCall starts a span for one agent protocol operation.
// Caller must call span.End().
func StartAgentCall(ctx context.Context, method, agentUUID string) (context.Context, trace.Span) {
	ctx, span := Tracer("forgeci-remoting").Start(ctx, "remoting."+method,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("remoting.method", method),
		attribute.String("agent.uuid", agentUUID),
	)
	return ctx, span
}

// RecordJob tags the current span with the job a call is about.
func RecordJob(ctx context.Context, buildID int64, job string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int64("job.build_id", buildID),
		attribute.String("job.identifier", job),
	)
}

// EndWithError records err on the span, if any.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
