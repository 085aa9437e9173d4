package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CallerKey is the okapi context key holding the authenticated caller
// identity. The API gateway sets it; the middleware tags spans with it.
const CallerKey = "caller"

// MetricsMiddleware records request counts, latency and an http.request span
// for every API call. The span is tagged with the caller and status once the
// handler (and any auth middleware after this one) has run. Either argument
// may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer func() {
					finishRequestSpan(span, c.GetString(CallerKey), responseCode(c))
					span.End()
				}()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := responseCode(c)
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			}

			return err
		}
	}
}

func responseCode(c *okapi.Context) int {
	if code := c.Response().StatusCode(); code != 0 {
		return code
	}
	return http.StatusOK
}

// finishRequestSpan records who called and how it ended. Server errors mark
// the span failed; refusals (4xx) are normal outcomes of the safety checks.
func finishRequestSpan(span trace.Span, caller string, code int) {
	attrs := []attribute.KeyValue{attribute.Int("http.status_code", code)}
	if caller != "" {
		attrs = append(attrs, attribute.String("toolgate.caller", caller))
	}
	span.SetAttributes(attrs...)
	if code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(code))
	}
}
