package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface and the
// inventory/costing domain counters.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	stockConflictRetries prometheus.Counter
	stockRejections      *prometheus.CounterVec
	gateRejections       *prometheus.CounterVec
	overrideUses         prometheus.Counter
	jobRuns              *prometheus.CounterVec
}

// NewMetrics initializes the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	conflictRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_stock_conflict_retries_total",
		Help: "Stock writes retried after losing a version race.",
	})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_stock_rejections_total",
		Help: "Stock writes rejected, by reason.",
	}, []string{"reason"})
	gateRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_period_gate_rejections_total",
		Help: "Transactions blocked by the fiscal period gate, by period status.",
	}, []string{"status"})
	overrideUses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_override_uses_total",
		Help: "Approved period overrides consumed by a posting.",
	})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_jobs_total",
		Help: "Background job executions by job type and outcome.",
	}, []string{"type", "outcome"})
	registry.MustRegister(requests, duration, conflictRetries, rejections, gateRejections, overrideUses, jobRuns)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		stockConflictRetries: conflictRetries,
		stockRejections:      rejections,
		gateRejections:       gateRejections,
		overrideUses:         overrideUses,
		jobRuns:              jobRuns,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveStockConflictRetry counts an optimistic-concurrency retry.
func (m *Metrics) ObserveStockConflictRetry() {
	if m == nil {
		return
	}
	m.stockConflictRetries.Inc()
}

// ObserveStockRejection counts a rejected stock write.
func (m *Metrics) ObserveStockRejection(reason string) {
	if m == nil {
		return
	}
	m.stockRejections.WithLabelValues(reason).Inc()
}

// ObserveGateRejection counts a posting blocked by the period gate.
func (m *Metrics) ObserveGateRejection(status string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(status).Inc()
}

// ObserveOverrideUse counts a consumed override.
func (m *Metrics) ObserveOverrideUse() {
	if m == nil {
		return
	}
	m.overrideUses.Inc()
}

// ObserveJob counts a background job run with its outcome.
func (m *Metrics) ObserveJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(jobType, outcome).Inc()
}

// Registerer exposes the registry for module-specific metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
