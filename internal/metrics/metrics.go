// Package metrics provides Prometheus instrumentation for the coverage engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts accepted intake operations, partitioned by side
	// (purchase, deposit, withdraw).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_orders_total",
		Help: "Accepted intake operations",
	}, []string{"side"})

	// OrderRejections counts locally rejected intake requests by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_order_rejections_total",
		Help: "Intake requests rejected before any ledger call",
	}, []string{"reason"})

	// TVL tracks aggregate total value locked across healthy pools.
	TVL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_tvl",
		Help: "Aggregate pool assets in smallest currency units",
	})

	// Utilization tracks aggregate locked/total across healthy pools.
	Utilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_utilization",
		Help: "Aggregate pool utilization ratio",
	})

	// RoundsPendingSettlement tracks rounds past maturity awaiting
	// observation or finalize.
	RoundsPendingSettlement = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_rounds_pending_settlement",
		Help: "Rounds needing observation or finalize",
	})

	// QuarantinedPools tracks pools excluded from aggregates after a
	// consistency violation.
	QuarantinedPools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_quarantined_pools",
		Help: "Pools excluded from health aggregates",
	})

	// SettlementsTotal counts finalized rounds by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_settlements_total",
		Help: "Finalized settlements",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coverage_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coverage_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades work through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: underlying writer does not support hijacking")
	}
	return h.Hijack()
}
