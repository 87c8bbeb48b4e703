package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracerOption tunes InitTracer.
type TracerOption func(*tracerConfig)

type tracerConfig struct {
	sampleRatio float64
	version     string
}

// WithSampleRatio samples the given fraction of root spans. Child spans follow
// their parent's decision.
func WithSampleRatio(r float64) TracerOption {
	return func(c *tracerConfig) { c.sampleRatio = r }
}

// WithServiceVersion tags every span with the build version.
func WithServiceVersion(v string) TracerOption {
	return func(c *tracerConfig) { c.version = v }
}

// InitTracer configures the global TracerProvider and TextMapPropagator.
// endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
//
// With an empty endpoint no exporter is registered and spans are discarded.
// The propagator is always set so trace context still rides on Kafka headers.
// The returned shutdown flushes pending spans.
func InitTracer(ctx context.Context, serviceName, endpoint string, opts ...TracerOption) (shutdown func(), err error) {
	cfg := tracerConfig{sampleRatio: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if endpoint == "" {
		return func() {}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithProcess(),
		resource.WithOS(),
	}
	if cfg.version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil || res == nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.sampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}
