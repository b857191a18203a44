package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/studyrooms/backend/internal/contextkey"
)

var (
	httpLatency metric.Float64Histogram
	httpInFlight metric.Int64UpDownCounter
)

func init() {
	meter := otel.Meter("http-server")
	var err error
	httpLatency, err = meter.Float64Histogram("http.server.latency", metric.WithUnit("ms"))
	if err != nil {
		panic(err)
	}
	httpInFlight, err = meter.Int64UpDownCounter("http.server.in_flight", metric.WithUnit("requests"))
	if err != nil {
		panic(err)
	}
}

// RequestID stamps every inbound request with a correlation id, mirroring
// the teacher's RequestIDMiddleware. The id is deliberately unrelated to
// any principal identity: it exists to stitch logs together, not to
// identify a caller.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := uuid.New()
		ctx := context.WithValue(req.Context(), contextkey.ContextKeyRequestID, id)
		ctx = context.WithValue(ctx, contextkey.ContextKeyCorrelationID, id)
		w.Header().Set("X-Request-ID", id.String())
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// Tracing wraps every request in a server span and records its latency,
// grounded on the teacher's TracingMiddleware, extended with the histogram
// and in-flight gauge the teacher's version never recorded.
func Tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("http-server")
	propagator := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		ctx, span := tracer.Start(ctx, req.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URL.Path),
			attribute.String("http.user_agent", req.UserAgent()),
		)

		attrs := metric.WithAttributes(attribute.String("route", req.URL.Path))
		httpInFlight.Add(ctx, 1, attrs)
		defer httpInFlight.Add(ctx, -1, attrs)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		httpLatency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
