package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	httpTracer             = otel.Tracer("quotepush/http")
	httpMeter              = otel.Meter("quotepush/http")
	httpRequestDuration, _ = httpMeter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	httpActiveRequests, _ = httpMeter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("In-flight HTTP requests, including open websocket sessions"),
	)
)

// unmatchedRoute labels requests no ServeMux pattern claimed.
const unmatchedRoute = "unmatched"

// Tracing records a server span and request metrics for handlers that must
// keep a hijackable writer, such as the realtime websocket route. Metrics
// are labelled with the matched ServeMux pattern, never the raw path, so
// wildcard segments do not multiply series.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := httpTracer.Start(r.Context(), r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.Bool("http.upgrade", strings.EqualFold(r.Header.Get("Upgrade"), "websocket")),
			),
		)
		defer span.End()

		// A mux below us records its match on req, not on r.
		req := r.WithContext(ctx)
		active := metric.WithAttributes(attribute.String("http.route", route(req)))
		httpActiveRequests.Add(ctx, 1, active)
		defer httpActiveRequests.Add(ctx, -1, active)

		start := time.Now()
		wrapped := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, req)

		status := wrapped.status
		if status == 0 {
			status = http.StatusOK
		}
		matched := route(req)

		span.SetName(r.Method + " " + matched)
		span.SetAttributes(
			attribute.String("http.route", matched),
			attribute.Int("http.response.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		httpRequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", matched),
			attribute.Int("http.response.status_code", status),
		))
	})
}

// route returns the path part of the pattern that matched r. Patterns may
// carry a method or host prefix, as in "GET example.com/api/quotes/{id}".
func route(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return unmatchedRoute
	}
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[i:]
	}
	return p
}
