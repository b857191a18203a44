// Package observability wires OpenTelemetry tracing and metrics for the
// rest of the backend: internal/store and internal/ratelimit both publish
// their instruments through otel.Meter/otel.Tracer at package init time,
// and this is what gives those instruments somewhere to go.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config names the service for the resource attributes attached to every
// span and metric point.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Shutdown flushes and stops every provider Init registered. Callers should
// invoke it with a bounded context during graceful shutdown.
type Shutdown func(context.Context) error

// Init installs a global TracerProvider (stdout exporter, batched) and a
// global MeterProvider with two readers: a Prometheus collector, so every
// otel.Meter instrument in the process shows up on /metrics, and a periodic
// stdout reader for local visibility without a scrape loop. Both mirror the
// teacher's dev-mode stdout setup; the Prometheus reader is the piece the
// teacher's router.go assumed existed (it wires promhttp.Handler() against
// whatever populated the default registry, but the teacher's own
// observability package never did).
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("observability: stdout trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tracerProvider)

	promExporter, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
	}

	stdoutExporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("observability: stdout metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(stdoutExporter, sdkmetric.WithInterval(60*time.Second))),
	)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
		if len(errs) > 0 {
			return fmt.Errorf("observability: shutdown errors: %v", errs)
		}
		return nil
	}

	return shutdown, nil
}
