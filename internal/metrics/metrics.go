// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// PositionsOpened counts positions opened, partitioned by origin
	// ("gateway" for paid deposit orders, "admin" for manual credits).
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_positions_opened_total",
		Help: "Total number of investment positions opened",
	}, []string{"origin"})

	// DepositVolume tracks cumulative principal deposited in fiat.
	DepositVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_deposit_volume_fiat_total",
		Help: "Cumulative principal deposited, in fiat units",
	})

	// DepositOrders counts gateway orders by outcome.
	DepositOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposit_orders_total",
		Help: "Deposit orders by outcome",
	}, []string{"outcome"})

	// AccrualsApplied counts accrual periods credited.
	AccrualsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_accruals_applied_total",
		Help: "Fixed-return accrual periods credited",
	})

	// PayoutRequests counts payout requests by category and outcome.
	PayoutRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payout_requests_total",
		Help: "Payout requests by category and outcome",
	}, []string{"category", "outcome"})

	// PayoutDispositions counts admin decisions.
	PayoutDispositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payout_dispositions_total",
		Help: "Payout dispositions by decision",
	}, []string{"decision"})

	// PendingPayouts tracks requests awaiting admin review.
	PendingPayouts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_pending_payouts",
		Help: "Payout requests awaiting disposition",
	})

	// OperationLatency tracks façade operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OracleFailures counts rejected or failed price lookups.
	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_oracle_failures_total",
		Help: "Price oracle lookups that failed or were rejected",
	}, []string{"reason"})

	// PartialWrites counts multi-record writes that failed part way and
	// were rolled back.
	PartialWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_partial_write_failures_total",
		Help: "Multi-record writes that failed part way",
	})

	// LimitRejections counts deposits rejected by the deposit limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_limit_rejections_total",
		Help: "Deposits rejected by the deposit limiter",
	})

	// SettingsUpdated counts admin changes to platform settings.
	SettingsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settings_updated_total",
		Help: "Platform setting updates by key",
	}, []string{"key"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records the latency of op started at start.
func ObserveSince(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps IDs out of the label set.
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

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
