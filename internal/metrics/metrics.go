// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts obligation operations by outcome
	// (committed, rejected, error).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_operations_total",
		Help: "Total obligation operations by outcome",
	}, []string{"operation", "outcome"})

	// OperationLatency tracks end-to-end operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_operation_latency_seconds",
		Help:    "Obligation operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HealthChecksTotal counts health evaluations by result.
	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_health_checks_total",
		Help: "Health checks by operation and result (passed, failed, unbounded, error)",
	}, []string{"operation", "result"})

	// HealthScore is the distribution of computed bounded scores.
	HealthScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lending_health_score",
		Help:    "Computed health scores (unbounded verdicts excluded)",
		Buckets: []float64{0.5, 0.8, 0.9, 1.0, 1.1, 1.25, 1.5, 2, 3, 5, 10},
	})

	// HealthCheckRejections counts gated operations rejected on score.
	HealthCheckRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_health_check_rejections_total",
		Help: "Borrows and withdrawals rejected by the health check",
	})

	// PriceResolutions counts resolved prices by source and fallback reason.
	PriceResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_price_resolutions_total",
		Help: "Resolved prices by source (oracle, fallback) and reason",
	}, []string{"source", "reason"})

	// PriceUpdatesPosted counts signed price updates turned into accounts.
	PriceUpdatesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_price_updates_posted_total",
		Help: "Signed price updates posted, by result",
	}, []string{"result"})

	// RefresherTicks counts oracle refresh cycles by result.
	RefresherTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_oracle_refresh_ticks_total",
		Help: "Oracle refresher cycles by result",
	}, []string{"result"})

	// RegisteredAssets tracks the size of the asset registry.
	RegisteredAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_registered_assets",
		Help: "Number of registered assets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the per-client limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
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

		// Owner ids live in the path; label by route pattern instead.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack passes through so WebSocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
