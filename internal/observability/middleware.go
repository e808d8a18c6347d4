package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/deviceguard/server/observability"

// HTTPMetrics holds the instruments recorded for every API request
type HTTPMetrics struct {
	requests       metric.Int64Counter
	duration       metric.Float64Histogram
	requestBytes   metric.Int64Histogram
	responseBytes  metric.Int64Histogram
	inFlight       metric.Int64UpDownCounter
	nodeReports    metric.Int64Counter
	operatorWrites metric.Int64Counter
}

// NewHTTPMetrics creates HTTP metrics instruments
func NewHTTPMetrics() (*HTTPMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &HTTPMetrics{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("http.server.request_count",
		metric.WithDescription("Total number of HTTP requests"), metric.WithUnit("{requests}"))
	collect(err)
	m.duration, err = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration in milliseconds"), metric.WithUnit("ms"))
	collect(err)
	m.requestBytes, err = meter.Int64Histogram("http.server.request.size",
		metric.WithDescription("HTTP request body size in bytes"), metric.WithUnit("By"))
	collect(err)
	m.responseBytes, err = meter.Int64Histogram("http.server.response.size",
		metric.WithDescription("HTTP response body size in bytes"), metric.WithUnit("By"))
	collect(err)
	m.inFlight, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Number of HTTP requests being served"), metric.WithUnit("{requests}"))
	collect(err)
	m.nodeReports, err = meter.Int64Counter("deviceguard.http.node_requests",
		metric.WithDescription("Requests made by proxy nodes on the node API"), metric.WithUnit("{requests}"))
	collect(err)
	m.operatorWrites, err = meter.Int64Counter("deviceguard.http.operator_writes",
		metric.WithDescription("Mutating requests on the operator API"), metric.WithUnit("{requests}"))
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// statusRecorder captures the status code and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades on /api/node/ws pass through the wrapper
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func record(w http.ResponseWriter) *statusRecorder {
	if rw, ok := w.(*statusRecorder); ok {
		return rw
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// routePattern returns the matched chi route, falling back to the raw path
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// apiSurface classifies a route as node, operator or public
func apiSurface(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/node/"):
		return "node"
	case route == "/api/health" || route == "/api/version":
		return "public"
	case strings.HasPrefix(route, "/api/"):
		return "operator"
	}
	return "public"
}

// TracingMiddleware starts a server span per request, continuing any propagated trace
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	tracer := otel.Tracer(instrumentationName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("service.name", serviceName),
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.scheme", scheme(r)),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("net.peer.ip", r.RemoteAddr),
				),
			)
			defer span.End()
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rw := record(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			// chi fills the route and its parameters while serving
			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.String("api.surface", apiSurface(route)),
				attribute.Int("http.status_code", rw.status),
				attribute.Int64("http.response_content_length", rw.bytes),
			)
			if userID := chi.URLParam(r, "userId"); userID != "" {
				span.SetAttributes(UserID(userID))
			}
			if nodeID := chi.URLParam(r, "nodeId"); nodeID != "" {
				span.SetAttributes(NodeID(nodeID))
			}

			if rw.status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// MetricsMiddleware records request counts, latency and sizes per route
func MetricsMiddleware(m *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			method := metric.WithAttributes(attribute.String("http.method", r.Method))

			m.inFlight.Add(ctx, 1, method)
			defer m.inFlight.Add(ctx, -1, method)

			rw := record(w)
			next.ServeHTTP(rw, r)

			route := routePattern(r)
			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", rw.status),
			)
			m.requests.Add(ctx, 1, attrs)
			m.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
			m.responseBytes.Record(ctx, rw.bytes, attrs)
			if r.ContentLength > 0 {
				m.requestBytes.Record(ctx, r.ContentLength, attrs)
			}

			switch apiSurface(route) {
			case "node":
				m.nodeReports.Add(ctx, 1, attrs)
			case "operator":
				if r.Method != http.MethodGet {
					m.operatorWrites.Add(ctx, 1, attrs)
				}
			}
		})
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
