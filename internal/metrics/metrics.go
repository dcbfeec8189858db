// Package metrics provides Prometheus instrumentation for the hedge engine.
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

var (
	// PositionsOpened counts successful opens per tenant.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_positions_opened_total",
		Help: "Hedged positions opened",
	}, []string{"tenant"})

	// PositionsClosed counts completed closes per tenant.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_positions_closed_total",
		Help: "Hedged positions closed",
	}, []string{"tenant"})

	// Rejections counts validation rejections by reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_rejections_total",
		Help: "Operations rejected before any mutation",
	}, []string{"reason"})

	// Rollbacks counts lifecycle rollbacks after failed submissions.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_rollbacks_total",
		Help: "Lifecycle rollbacks after failed submissions",
	}, []string{"from"})

	// SubmissionLatency tracks venue submission latency by operation.
	SubmissionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_submission_latency_seconds",
		Help:    "Venue submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// HealthRatio is the last computed health ratio per tenant.
	HealthRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedge_health_ratio",
		Help: "Last computed health ratio (0-100)",
	}, []string{"tenant"})

	// TenantHalts counts drawdown halts by kind (MAX, DAILY).
	TenantHalts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_tenant_halts_total",
		Help: "Tenants halted by the risk governor",
	}, []string{"tenant", "kind"})

	// TenantResets counts full tenant resets by the maintenance pass.
	TenantResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_tenant_resets_total",
		Help: "Tenants reset after insolvency or capital destruction",
	}, []string{"tenant", "cause"})

	// Rebalances counts executed rebalance actions.
	Rebalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_rebalances_total",
		Help: "Rebalance actions executed",
	}, []string{"direction"})

	// ExitSignals counts exit signals by urgency.
	ExitSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_exit_signals_total",
		Help: "Exit signals produced by the evaluator",
	}, []string{"urgency"})

	// WebSocketClients tracks connected signal-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
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

		// Route pattern keeps tenant names out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
