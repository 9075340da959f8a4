// Package metrics provides Prometheus instrumentation for the broker.
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
	// TradesTotal counts executed trades by side and kind (market or limit).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "kind"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_trade_latency_seconds",
		Help:    "Market order execution latency in seconds, including the price lookup",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeVolume tracks cumulative shares traded per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"symbol", "side"})

	// Rejections counts operations refused with a domain error.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_rejections_total",
		Help: "Operations rejected with a domain error",
	}, []string{"op", "reason"})

	// LedgerFaults counts store failures that are not domain rejections.
	LedgerFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_ledger_faults_total",
		Help: "Store failures during ledger mutations",
	}, []string{"op"})

	// OrderTransitions counts limit orders entering each state.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_order_transitions_total",
		Help: "Limit order state transitions",
	}, []string{"state"})

	// PendingOrders is the number of pending orders seen by the last scan.
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_pending_orders",
		Help: "Pending limit orders at the start of the last scan",
	})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_scan_duration_seconds",
		Help:    "Duration of a full limit order scan",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	// ScansSkipped counts ticks where another replica held the scan lock.
	ScansSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_scans_skipped_total",
		Help: "Scheduler ticks skipped because the scan lock was held elsewhere",
	})

	PriceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_price_failures_total",
		Help: "Price lookups that failed",
	})

	BonusClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_bonus_claims_total",
		Help: "Successful bonus claims",
	})

	// Notifications counts delivered and failed notifications per sender.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_notifications_total",
		Help: "Notifications sent, by sender and result",
	}, []string{"sender", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// Requests are labelled with the chi route pattern, not the raw path,
// so user and order ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
