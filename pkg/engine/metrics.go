package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-rules/pkg/storage"
)

// Metrics holds the Prometheus metrics exposed on /metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge

	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// Rule store metrics
	cacheLookups  *prometheus.CounterVec
	invalidations prometheus.Counter

	registry *prometheus.Registry
}

var _ storage.CacheObserver = (*Metrics)(nil)

// NewMetrics creates a metrics instance backed by its own registry, with Go
// runtime and process collectors included.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rules_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rules_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rules_http_requests_in_flight",
				Help: "Number of HTTP requests currently being served",
			},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rules_executions_total",
				Help: "Total number of rule executions by outcome",
			},
			[]string{"outcome"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rules_execution_duration_seconds",
				Help:    "Rule execution latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"outcome"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rules_document_cache_lookups_total",
				Help: "Decision document cache lookups by result",
			},
			[]string{"result"},
		),

		invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rules_document_invalidations_total",
				Help: "Decision documents dropped after a change in the rules folder",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInFlight,
		m.executionsTotal,
		m.executionDuration,
		m.cacheLookups,
		m.invalidations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordExecution records one pipeline execution under its outcome label.
func (m *Metrics) RecordExecution(outcome string, duration time.Duration) {
	m.executionsTotal.WithLabelValues(outcome).Inc()
	m.executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCacheLookup implements storage.CacheObserver.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordInvalidations counts documents dropped by the rule watcher. It matches
// storage.ChangeListener.
func (m *Metrics) RecordInvalidations(refs []string) {
	m.invalidations.Add(float64(len(refs)))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.status), time.Since(start))
	})
}

// endpointName bounds label cardinality to the known routes.
func endpointName(path string) string {
	switch path {
	case "/":
		return "root"
	case "/execute_rule":
		return "execute_rule"
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
