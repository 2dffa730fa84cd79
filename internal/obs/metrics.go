package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the request pipeline.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Security metrics emitted by the access-control core.
var (
	securityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events recorded, by event type.",
		},
		[]string{"type"},
	)

	permissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_denials_total",
			Help: "Authorization denials, by resource.",
		},
		[]string{"resource"},
	)

	rateLimitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the fixed-window rate limiter.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Sessions currently marked active.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		securityEventsTotal, permissionDenialsTotal, rateLimitRejectionsTotal,
		activeSessions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncSecurityEvent bumps the counter for a recorded security event type.
func IncSecurityEvent(eventType string) {
	securityEventsTotal.WithLabelValues(eventType).Inc()
}

// IncPermissionDenial bumps the denial counter for a resource.
func IncPermissionDenial(resource string) {
	permissionDenialsTotal.WithLabelValues(resource).Inc()
}

// IncRateLimitRejection counts a fixed-window limiter rejection.
func IncRateLimitRejection() {
	rateLimitRejectionsTotal.Inc()
}

// SetActiveSessions reports the current number of active sessions.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// Instrument wraps a handler with in-flight, RPS and latency measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-entity URL segments so metric cardinality stays
// bounded. Query strings are stripped.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	for _, prefix := range []string{
		"/v1/auth/sessions/",
		"/v1/security/events/",
		"/v1/admin/backups/",
		"/v1/admin/config/",
	} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			parts := strings.SplitN(rest, "/", 2)
			canon := prefix + ":id"
			if len(parts) == 2 && parts[1] != "" {
				canon += "/" + parts[1]
			}
			return canon
		}
	}
	return path
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE endpoints working behind the instrumented handler.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
