// Package metrics collects and exposes orbiq runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-tenant counters + time series),
//     served as JSON by JSONHandler and TimeSeriesHandler.
//  2. A Prometheus registry (prometheus.go), served by PrometheusHandler
//     for scraping by external monitoring systems (Grafana, Alertmanager, etc.).
//
// None of these handlers is mounted by internal/httpapi or cmd/orbiq.
//
// # Concurrency — hot path
//
// RecordQuery is called from the orchestrator on every query and must be
// as fast as possible. It uses atomic increments for global counters and
// dispatches a lightweight event onto a buffered channel (tsChan) for the
// time-series worker to process asynchronously. This avoids holding any
// lock on the hot path.
//
// The per-tenant TenantMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-tenant entries is
// read-heavy and write-once-per-new-tenant, which is the ideal use case
// for sync.Map.
//
// # Invariants
//
//   - TotalQueries == SuccessQueries + FailedQueries (maintained
//     by RecordQuery).
//   - CacheHits + CacheMisses == TotalQueries.
//   - The time-series ring buffer holds at most timeSeriesBucketCount buckets
//     (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Queries      int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes orbiq runtime metrics
type Metrics struct {
	// Query metrics
	TotalQueries   atomic.Int64
	SuccessQueries atomic.Int64
	FailedQueries  atomic.Int64
	CacheHits      atomic.Int64
	CacheMisses    atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Queue/breaker metrics
	QueueEnqueues    atomic.Int64
	QueueCompletions atomic.Int64
	QueueFailures    atomic.Int64
	BreakerTrips     atomic.Int64

	// Per-tenant metrics
	tenantMetrics sync.Map // tenantID -> *TenantMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// TenantMetrics tracks query metrics for a single tenant
type TenantMetrics struct {
	Queries     atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordQuery records the result of one orchestrated query.
func (m *Metrics) RecordQuery(tenantID string, durationMs int64, cacheHit bool, success bool) {
	m.TotalQueries.Add(1)

	if success {
		m.SuccessQueries.Add(1)
	} else {
		m.FailedQueries.Add(1)
	}

	if cacheHit {
		m.CacheHits.Add(1)
	} else {
		m.CacheMisses.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-tenant metrics
	tm := m.getTenantMetrics(tenantID)
	tm.Queries.Add(1)
	if success {
		tm.Successes.Add(1)
	} else {
		tm.Failures.Add(1)
	}
	if cacheHit {
		tm.CacheHits.Add(1)
	} else {
		tm.CacheMisses.Add(1)
	}
	tm.TotalMs.Add(durationMs)
	updateMin(&tm.MinMs, durationMs)
	updateMax(&tm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusQuery(tenantID, durationMs, cacheHit, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot invocation path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Queries++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordQueueEnqueue records a request being handed off to the async queue
// because the direct upstream call was rate-limited.
func (m *Metrics) RecordQueueEnqueue() {
	m.QueueEnqueues.Add(1)
	RecordPrometheusQueueEnqueue()
}

// RecordQueueCompletion records a queued request reaching a terminal success state.
func (m *Metrics) RecordQueueCompletion() {
	m.QueueCompletions.Add(1)
	RecordPrometheusQueueCompletion()
}

// RecordQueueFailure records a queued request reaching a terminal failure state.
func (m *Metrics) RecordQueueFailure() {
	m.QueueFailures.Add(1)
	RecordPrometheusQueueFailure()
}

// RecordBreakerTrip records a circuit breaker transitioning into the Open state.
func (m *Metrics) RecordBreakerTrip(name string) {
	m.BreakerTrips.Add(1)
	RecordPrometheusBreakerTrip(name)
}

func (m *Metrics) getTenantMetrics(tenantID string) *TenantMetrics {
	if v, ok := m.tenantMetrics.Load(tenantID); ok {
		return v.(*TenantMetrics)
	}

	tm := &TenantMetrics{}
	tm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.tenantMetrics.LoadOrStore(tenantID, tm)
	return actual.(*TenantMetrics)
}

// GetTenantMetrics returns the metrics for a specific tenant (or nil if none recorded yet)
func (m *Metrics) GetTenantMetrics(tenantID string) *TenantMetrics {
	if v, ok := m.tenantMetrics.Load(tenantID); ok {
		return v.(*TenantMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalQueries.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"queries": map[string]interface{}{
			"total":         total,
			"success":       m.SuccessQueries.Load(),
			"failed":        m.FailedQueries.Load(),
			"cache_hits":    m.CacheHits.Load(),
			"cache_misses":  m.CacheMisses.Load(),
			"cache_hit_pct": cacheHitPercentage(m.CacheHits.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"queue": map[string]interface{}{
			"enqueued":   m.QueueEnqueues.Load(),
			"completed":  m.QueueCompletions.Load(),
			"failed":     m.QueueFailures.Load(),
		},
		"breaker_trips":     m.BreakerTrips.Load(),
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// TenantStats returns per-tenant metrics
func (m *Metrics) TenantStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.tenantMetrics.Range(func(key, value interface{}) bool {
		tenantID := key.(string)
		tm := value.(*TenantMetrics)

		total := tm.Queries.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(tm.TotalMs.Load()) / float64(total)
		}

		minMs := tm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[tenantID] = map[string]interface{}{
			"queries":      total,
			"successes":    tm.Successes.Load(),
			"failures":     tm.Failures.Load(),
			"cache_hits":   tm.CacheHits.Load(),
			"cache_misses": tm.CacheMisses.Load(),
			"avg_ms":       avgMs,
			"min_ms":       minMs,
			"max_ms":       tm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["tenants"] = m.TenantStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"queries":      bucket.Queries,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func cacheHitPercentage(hits, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
