// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// OperationsTotal counts engine operations by name and outcome
	// ("ok" or the error code).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operations_total",
		Help: "Total settlement engine operations",
	}, []string{"op", "outcome"})

	// OperationLatency tracks operation latency, including storage.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_operation_latency_seconds",
		Help:    "Settlement operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// AutoExpiredTotal counts positions closed by the expiry pass.
	AutoExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_auto_expired_total",
		Help: "Futures positions settled at expiry",
	})

	// ShortfallTotal counts settlements whose loss exceeded the wallet balance.
	ShortfallTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_shortfall_total",
		Help: "Settlements capped at the wallet balance",
	})

	// ShortfallAmount accumulates the uncollected part of capped settlements.
	ShortfallAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_shortfall_amount_total",
		Help: "Uncollected settlement losses in currency units",
	})

	// QuoteFallbackTotal counts quotes answered with synthetic data.
	QuoteFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_quote_fallback_total",
		Help: "Quotes served from the synthetic fallback",
	}, []string{"symbol"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
