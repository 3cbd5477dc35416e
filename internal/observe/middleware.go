package observe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// probePaths are hit by the supervisor and the scraper every few seconds;
// their requests are logged at debug level.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware instruments the status server. Each request gets a server span,
// its duration is recorded in [Metrics.HTTPRequestDuration], and the trace id
// is echoed in the X-Trace-ID header.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &instrumented{next: next, metrics: m}
	}
}

type instrumented struct {
	next    http.Handler
	metrics *Metrics
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := Tracer().Start(r.Context(), r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	if id := TraceID(ctx); id != "" {
		w.Header().Set("X-Trace-ID", id)
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.next.ServeHTTP(sw, r.WithContext(ctx))

	elapsed := time.Since(start)
	route := routeLabel(r)
	span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status), semconv.HTTPRoute(route))
	if h.metrics != nil {
		h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("path", route),
			attribute.Int("status", sw.status),
		))
	}

	level := slog.LevelInfo
	if probePaths[r.URL.Path] && sw.status < http.StatusInternalServerError {
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "observe: status request",
		slog.String("path", r.URL.Path),
		slog.Int("status", sw.status),
		slog.Duration("duration", elapsed),
	)
}

// routeLabel keeps metric cardinality bounded: behind a chi router the
// matched pattern is used and unmatched requests share one label. Without a
// router the raw path is used.
func routeLabel(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path
	}
	if p := rc.RoutePattern(); p != "" {
		return p
	}
	return "unmatched"
}

// statusWriter remembers the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
