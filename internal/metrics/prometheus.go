package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for orbiq metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	queriesTotal          *prometheus.CounterVec
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
	queueEnqueuesTotal    prometheus.Counter
	queueCompletionsTotal prometheus.Counter
	queueFailuresTotal    prometheus.Counter

	// Histograms
	queryDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	activeRequests prometheus.Gauge

	// Admission control
	admissionTotal *prometheus.CounterVec
	shedTotal      *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueWaitMs    *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for query duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if buckets == nil || len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of orchestrated queries",
			},
			[]string{"tenant", "status"},
		),

		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of progressive-cache fast-path hits",
			},
		),

		cacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of queries that required a fresh fetch",
			},
		),

		queueEnqueuesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueues_total",
				Help:      "Total requests handed off to the async queue after upstream rate-limiting",
			},
		),

		queueCompletionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_completions_total",
				Help:      "Total queued requests that reached a terminal success state",
			},
		),

		queueFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_failures_total",
				Help:      "Total queued requests that reached a terminal failure state",
			},
		),

		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_milliseconds",
				Help:      "Duration of orchestrated queries in milliseconds",
				Buckets:   buckets,
			},
			[]string{"tenant", "cache_hit"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently in-flight query requests",
			},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_total",
				Help:      "Tenant gate admission decisions by result and reason",
			},
			[]string{"tenant", "result", "reason"},
		),

		shedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shed_total",
				Help:      "Requests rejected by the rate limiter before reaching the orchestrator",
			},
			[]string{"tenant", "reason"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current request-queue depth by tenant",
			},
			[]string{"tenant"},
		),

		queueWaitMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Last observed queue wait in milliseconds by tenant",
			},
			[]string{"tenant"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"worker"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker transitions into the Open state",
			},
			[]string{"worker"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the orbiq daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.queriesTotal,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.queueEnqueuesTotal,
		pm.queueCompletionsTotal,
		pm.queueFailuresTotal,
		pm.queryDuration,
		pm.uptime,
		pm.activeRequests,
		pm.admissionTotal,
		pm.shedTotal,
		pm.queueDepth,
		pm.queueWaitMs,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusQuery records a completed query in Prometheus collectors
func RecordPrometheusQuery(tenantID string, durationMs int64, cacheHit bool, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.queriesTotal.WithLabelValues(tenantID, status).Inc()

	if cacheHit {
		promMetrics.cacheHitsTotal.Inc()
	} else {
		promMetrics.cacheMissesTotal.Inc()
	}

	cacheLabel := "false"
	if cacheHit {
		cacheLabel = "true"
	}
	promMetrics.queryDuration.WithLabelValues(tenantID, cacheLabel).Observe(float64(durationMs))
}

// RecordPrometheusQueueEnqueue records a request falling back to the async queue.
func RecordPrometheusQueueEnqueue() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueEnqueuesTotal.Inc()
}

// RecordPrometheusQueueCompletion records a queued request's terminal success.
func RecordPrometheusQueueCompletion() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueCompletionsTotal.Inc()
}

// RecordPrometheusQueueFailure records a queued request's terminal failure.
func RecordPrometheusQueueFailure() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueFailuresTotal.Inc()
}

// IncActiveRequests increments the active requests counter
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests counter
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// RecordAdmissionResult records tenant gate admission/rejection decisions.
func RecordAdmissionResult(tenantID, result, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.admissionTotal.WithLabelValues(tenantID, result, reason).Inc()
}

// RecordShed records rate-limiter rejection events for a tenant.
func RecordShed(tenantID, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.shedTotal.WithLabelValues(tenantID, reason).Inc()
}

// SetQueueDepth sets the queue depth gauge for a tenant.
func SetQueueDepth(tenantID string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// SetQueueWaitMs sets the latest queue wait duration gauge for a tenant.
func SetQueueWaitMs(tenantID string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitMs.WithLabelValues(tenantID).Set(float64(waitMs))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a worker.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(worker string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(worker).Set(float64(state))
}

// RecordPrometheusBreakerTrip records a circuit breaker transition into Open.
func RecordPrometheusBreakerTrip(worker string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(worker).Inc()
}
