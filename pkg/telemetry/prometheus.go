package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	gateBlocks       *prometheus.CounterVec
	quotaDenials     prometheus.Counter
	trustViolations  prometheus.Counter
	activeLifecycles prometheus.Gauge
	activeLeases     prometheus.Gauge
	configReloads    *prometheus.CounterVec
	ipcConnections   prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the instruments on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_requests_total",
				Help: "Finished requests by terminal state and code",
			},
			[]string{"state", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_request_duration_seconds",
				Help:    "Time from start to terminal state",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),

		gateBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_gate_blocks_total",
				Help: "Responses blocked by the response gate, by check",
			},
			[]string{"check"},
		),

		quotaDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchgate_quota_denials_total",
				Help: "Keep-alive leases refused",
			},
		),

		trustViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchgate_trust_violations_total",
				Help: "Requests rejected at the trust boundary",
			},
		),

		activeLifecycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_lifecycles_active",
				Help: "Request lifecycles not yet in a terminal state",
			},
		),

		activeLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_keepalive_leases_active",
				Help: "Outstanding keep-alive leases",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_config_reloads_total",
				Help: "Policy reload attempts by status",
			},
			[]string{"status"},
		),

		ipcConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_ipc_connections_active",
				Help: "Open client IPC connections",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_admin_http_requests_total",
				Help: "Admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_admin_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.gateBlocks,
		m.quotaDenials,
		m.trustViolations,
		m.activeLifecycles,
		m.activeLeases,
		m.configReloads,
		m.ipcConnections,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordRequest records a finished request.
func (m *Metrics) RecordRequest(state, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(state, code).Inc()
	m.requestDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordGateBlock records a blocked response.
func (m *Metrics) RecordGateBlock(check string) {
	if m == nil {
		return
	}
	m.gateBlocks.WithLabelValues(check).Inc()
}

// RecordQuotaDenied records a refused keep-alive lease.
func (m *Metrics) RecordQuotaDenied() {
	if m == nil {
		return
	}
	m.quotaDenials.Inc()
}

// RecordTrustViolation records a request rejected at the trust boundary.
func (m *Metrics) RecordTrustViolation() {
	if m == nil {
		return
	}
	m.trustViolations.Inc()
}

// LifecycleStarted increments the active lifecycle gauge.
func (m *Metrics) LifecycleStarted() {
	if m == nil {
		return
	}
	m.activeLifecycles.Inc()
}

// LifecycleFinished decrements the active lifecycle gauge.
func (m *Metrics) LifecycleFinished() {
	if m == nil {
		return
	}
	m.activeLifecycles.Dec()
}

// SetActiveLeases publishes the outstanding lease count.
func (m *Metrics) SetActiveLeases(n int64) {
	if m == nil {
		return
	}
	m.activeLeases.Set(float64(n))
}

// RecordConfigReload records a policy reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// IPCConnectionOpened increments the IPC connection gauge.
func (m *Metrics) IPCConnectionOpened() {
	if m == nil {
		return
	}
	m.ipcConnections.Inc()
}

// IPCConnectionClosed decrements the IPC connection gauge.
func (m *Metrics) IPCConnectionClosed() {
	if m == nil {
		return
	}
	m.ipcConnections.Dec()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records admin HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := endpointName(r.URL.Path)
		m.httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/ws":
		return "ws"
	default:
		return "other"
	}
}
