// Package metrics exposes Prometheus counters for the entitlement engine and
// the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. Each instance owns its registry so tests and
// multiple servers in one process don't collide.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	redemptions  *prometheus.CounterVec
	payments     *prometheus.CounterVec
	revocations  *prometheus.CounterVec
	remoteErrors *prometheus.CounterVec
}

// New registers the collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_redemptions_total",
			Help:      "Invitation redemptions by vendor and result",
		}, []string{"vendor", "result"}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment webhook outcomes",
		}, []string{"result"}),
		revocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Remote access revocations by vendor and result",
		}, []string{"vendor", "result"}),
		remoteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_remote_errors_total",
			Help:      "Failed media server calls by vendor and operation",
		}, []string{"vendor", "operation"}),
	}
}

// Redemption counts one redeem attempt.
func (m *Metrics) Redemption(vendor, result string) {
	m.redemptions.WithLabelValues(vendor, result).Inc()
}

// Payment counts one webhook outcome such as "ok", "duplicate" or "invalid_amount".
func (m *Metrics) Payment(result string) {
	m.payments.WithLabelValues(result).Inc()
}

// Revocation counts one disable attempt.
func (m *Metrics) Revocation(vendor, result string) {
	m.revocations.WithLabelValues(vendor, result).Inc()
}

// RemoteError counts a failed media server call.
func (m *Metrics) RemoteError(vendor, operation string) {
	m.remoteErrors.WithLabelValues(vendor, operation).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
