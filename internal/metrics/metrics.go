// Package metrics provides Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// ("ok" or the error class).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_operations_total",
		Help: "Engine operations by outcome",
	}, []string{"op", "outcome"})

	// OperationLatency tracks engine operation latency, lock wait included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_pme_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// BetsPlaced counts accepted stakes by market kind.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_bets_placed_total",
		Help: "Bets placed",
	}, []string{"kind"})

	// StakedVolume tracks cumulative staked base units by market kind.
	StakedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_staked_volume_total",
		Help: "Cumulative staked amount in base units",
	}, []string{"kind"})

	// BetsSettled counts settled bets by outcome.
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_bets_settled_total",
		Help: "Bets settled by outcome",
	}, []string{"outcome"})

	// Payouts tracks value leaving vaults by reason (reward, draw, withdraw,
	// refund, fee).
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_payouts_total",
		Help: "Value paid out of round vaults in base units",
	}, []string{"reason"})

	// RoundTransitions counts round status changes by target status.
	RoundTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_round_transitions_total",
		Help: "Round status transitions",
	}, []string{"status"})

	// KeeperSteps counts keeper steps by step name and outcome.
	KeeperSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_keeper_steps_total",
		Help: "Keeper steps by outcome",
	}, []string{"step", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events dropped because a publisher buffer was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_pme_events_dropped_total",
		Help: "Events dropped on a full publisher buffer",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records one engine operation.
func ObserveOperation(op, outcome string, start time.Time) {
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
