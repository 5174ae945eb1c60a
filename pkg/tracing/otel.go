// Package tracing provides OpenTelemetry integration for distributed tracing.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/Shavakan/fleet-elector/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "fleet-elector"
	serviceVersion = "1.0.0"
)

var tracingLog = logging.WithComponent(logging.LogTypeTracing, "otel")

// Config holds tracing configuration.
type Config struct {
	Enabled       bool
	Endpoint      string
	SamplingRatio float64
}

// LoadConfig loads tracing configuration from environment variables.
func LoadConfig() *Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return &Config{Enabled: false}
	}

	samplingRatio := 1.0
	if ratio := os.Getenv("OTEL_TRACE_SAMPLING_RATIO"); ratio != "" {
		var r float64
		if _, err := fmt.Sscanf(ratio, "%f", &r); err == nil && r >= 0 && r <= 1 {
			samplingRatio = r
		}
	}

	return &Config{
		Enabled:       true,
		Endpoint:      endpoint,
		SamplingRatio: samplingRatio,
	}
}

// Provider wraps the OpenTelemetry trace provider with optional graceful shutdown.
type Provider struct {
	provider *sdktrace.TracerProvider
	enabled  bool
}

// Init initializes the OpenTelemetry trace provider.
// Returns a no-op provider if tracing is disabled.
func Init(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil || !cfg.Enabled {
		tracingLog.Info("tracing disabled")
		return &Provider{enabled: false}, nil
	}

	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", os.Getenv("ELECTOR_ENVIRONMENT")),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracingLog.Info("tracing initialized", logging.KeyHost, cfg.Endpoint)
	return &Provider{provider: provider, enabled: true}, nil
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// IsEnabled returns whether tracing is enabled.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}

// Tracer returns a tracer for the given package name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(serviceName).Start(ctx, name, opts...)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// InjectTraceContext injects trace context into a carrier.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
	return carrier
}

// HTTPMiddleware instruments HTTP handlers with tracing.
type HTTPMiddleware struct {
	tracer trace.Tracer
}

// NewHTTPMiddleware creates a new HTTP tracing middleware.
func NewHTTPMiddleware() *HTTPMiddleware {
	return &HTTPMiddleware{
		tracer: Tracer("http"),
	}
}

// Wrap starts a server span around every request handled by next.
func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := m.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ElectionTracer provides tracing for election refresh cycles.
type ElectionTracer struct {
	tracer trace.Tracer
}

// NewElectionTracer creates a new election tracer.
func NewElectionTracer() *ElectionTracer {
	return &ElectionTracer{
		tracer: Tracer("election"),
	}
}

// StartRefreshSpan starts a span covering one refresh step.
func (t *ElectionTracer) StartRefreshSpan(ctx context.Context, group, identity, state string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "election.refresh",
		trace.WithAttributes(
			attribute.String("election.group", group),
			attribute.String("election.identity", identity),
			attribute.String("election.state", state),
		),
	)
}
