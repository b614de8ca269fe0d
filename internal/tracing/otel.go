package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used across the assistant.
const (
	TracerAgent   = "finagent.agent"
	TracerTools   = "finagent.tools"
	TracerStorage = "finagent.storage"
	TracerAuth    = "finagent.auth"
	TracerGateway = "finagent.gateway"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	// OTLPEndpoint enables export over OTLP/HTTP when set, e.g. "localhost:4318".
	OTLPEndpoint string
	Insecure     bool
	SampleRatio  float64
}

// InitOpenTelemetry installs the process-wide tracer provider. Without an
// endpoint spans are still created, so trace IDs reach the logs, but nothing
// is exported. Repeated calls are no-ops.
func InitOpenTelemetry(ctx context.Context, opts Options) error {
	providerOnce.Do(func() {
		ratio := opts.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
		)
		if err != nil {
			providerErr = err
			return
		}

		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		}

		if opts.OTLPEndpoint != "" {
			exportOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.OTLPEndpoint)}
			if opts.Insecure {
				exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
			}
			exporter, err := otlptracehttp.New(ctx, exportOpts...)
			if err != nil {
				providerErr = err
				return
			}
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}

		tp := sdktrace.NewTracerProvider(tpOpts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and makes sure the context carries a trace ID.
// Turn and session identifiers already in ctx are copied onto the span.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if turnID := GetTurnID(ctx); turnID != "" {
		attrs = append(attrs, attribute.String("finagent.turn_id", turnID))
	}
	if sessionKey := GetSessionKey(ctx); sessionKey != "" {
		attrs = append(attrs, attribute.String("finagent.session_key", sessionKey))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// MarkError records err on the span and flags it failed. nil is ignored.
func MarkError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
