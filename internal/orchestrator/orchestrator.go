// Package orchestrator composes the Tenant Gate, Workflow FSM, Parallel
// Executor, repository, and synthesizer into the fetch∥embed → retrieve →
// synthesize pipeline and emits a sequential progress stream for one query.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
	"github.com/oriys/orbiq/internal/metrics"
	"github.com/oriys/orbiq/internal/pipeline"
	"github.com/oriys/orbiq/internal/queue"
	"github.com/oriys/orbiq/internal/statemachine"
	"github.com/oriys/orbiq/internal/storage"
	"github.com/oriys/orbiq/internal/tenant"
)

// Progress values for the fixed status-event ordering clients use to drive
// a progress bar.
const (
	ProgressInitializing = 0.0
	ProgressFetching     = 0.1
	ProgressSearching    = 0.4
	ProgressProcessing   = 0.6
	ProgressGenerating   = 0.8
	ProgressComplete     = 1.0
)

// Confidence thresholds deriving a retrieval status label from the mean
// similarity score of the top-k documents.
const (
	confidenceHigh   = 0.85
	confidenceMedium = 0.70
	confidenceLow    = 0.50
)

// EventKind discriminates the tagged union of events streamed to the client.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventWarning  EventKind = "warning"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
	EventShutdown EventKind = "shutdown"
)

// Event is one record in the client-facing progress stream.
type Event struct {
	Kind                  EventKind      `json:"kind"`
	Message               string         `json:"message,omitempty"`
	Progress              float64        `json:"progress,omitempty"`
	Report                *domain.Report `json:"payload,omitempty"`
	Cached                bool           `json:"cached,omitempty"`
	CacheSource           string         `json:"cache_source,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	ReconnectDelaySeconds int            `json:"reconnect_delay_seconds,omitempty"`
}

// AnalyticsFetcher is the subset of upstream.AnalyticsClient the
// orchestrator depends on.
type AnalyticsFetcher interface {
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Embedder is the subset of upstream.EmbeddingClient the orchestrator
// depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Repository is the subset of internal/storage.Repository the orchestrator
// depends on for retrieval and conditional persistence.
type Repository interface {
	TopKSimilar(ctx context.Context, scope domain.FilterScope, embedding []float32, k int, minSimilarity float64) ([]storage.Document, []domain.Citation, error)
	StoreFetchedMetrics(ctx context.Context, scope domain.FilterScope, recordID, propertyID string, recordDate time.Time, rawValues map[string]any) error
	StoreEmbeddingRecord(ctx context.Context, scope domain.FilterScope, recordID, propertyID, sourceText string, embedding []float32, schemaVersion int) error
}

// ReportCache is the progressive-cache adapter consulted on the cache-first
// fast path and populated after synthesis.
type ReportCache interface {
	Get(ctx context.Context, key string) (domain.Report, bool, error)
	Set(ctx context.Context, key string, report domain.Report) error
}

// Synthesizer turns fetched data and retrieved context into a Report. It is
// a deterministic function over its inputs, matching the spec's treatment
// of synthesis as a pure step outside the core's concerns.
type Synthesizer func(query string, fetchedData map[string]any, documents []storage.Document, citations []domain.Citation, confidence float64) domain.Report

// Config tunes the orchestrator's timeouts and thresholds.
type Config struct {
	EndToEndTimeout   time.Duration
	WorkerTimeout     time.Duration
	CacheLookupBudget time.Duration
	TopK              int
	MinSimilarity     float64
	EmbeddingVersion  int
}

// DefaultConfig returns the spec's default timeouts and thresholds.
func DefaultConfig() Config {
	return Config{
		EndToEndTimeout:   60 * time.Second,
		WorkerTimeout:     30 * time.Second,
		CacheLookupBudget: 50 * time.Millisecond,
		TopK:              5,
		MinSimilarity:     0.70,
		EmbeddingVersion:  domain.CurrentReportSchemaVersion,
	}
}

// Orchestrator composes the pipeline's dependencies.
type Orchestrator struct {
	cfg          Config
	gate         *tenant.Gate
	breakers     *circuitbreaker.Registry
	analytics    AnalyticsFetcher
	embedder     Embedder
	repo         Repository
	cache        ReportCache
	synthesize   Synthesizer
	persistFunc  func(fn func())
	requestQueue *queue.Queue
}

// SetQueue wires the per-tenant request queue so the analytics-fetch step
// can fall back to enqueue-and-wait (§4.4) instead of failing outright when
// the upstream API reports a transient rate limit. Optional: a nil queue
// (the default) leaves rate-limited fetches to degrade to historical data
// the way every other fetch failure already does.
func (o *Orchestrator) SetQueue(q *queue.Queue) { o.requestQueue = q }

// New creates an Orchestrator. Its persistFunc runs each background
// persistence task in its own goroutine; tests may replace it with a
// synchronous stand-in.
func New(cfg Config, gate *tenant.Gate, breakers *circuitbreaker.Registry, analytics AnalyticsFetcher, embedder Embedder, repo Repository, reportCache ReportCache, synthesize Synthesizer) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		gate:       gate,
		breakers:   breakers,
		analytics:  analytics,
		embedder:   embedder,
		repo:       repo,
		cache:      reportCache,
		synthesize: synthesize,
		persistFunc: func(fn func()) {
			go fn()
		},
	}
}

// Request is one query submission.
type Request struct {
	Principal      domain.Principal
	TenantID       string
	QueryID        string
	Query          string
	PropertyID     string
	Dimensions     []string
	Metrics        []string
	ShutdownSignal <-chan domain.ShutdownNotice
}

// Run executes the full fetch∥embed → retrieve → synthesize pipeline,
// emitting events through emit in strict sequential order. It returns once
// the stream should close; emit's caller is responsible for actually
// closing the transport.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Event)) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.EndToEndTimeout)
	defer cancel()

	queryStart := time.Now()

	role, err := o.gate.Authorize(ctx, req.Principal, req.TenantID)
	if err != nil {
		emit(Event{Kind: EventError, Message: "not authorized for this tenant"})
		return
	}

	fsm := statemachine.New(req.TenantID, req.QueryID)
	emit(Event{Kind: EventStatus, Message: "initializing", Progress: ProgressInitializing})
	fsm.Fire(domain.TriggerStart, nil)

	if o.checkShutdown(req.ShutdownSignal, emit) {
		return
	}

	cacheKey := reportCacheKey(req.TenantID, req.Query, req.PropertyID)
	if o.cache != nil {
		if report, hit := o.tryCacheFastPath(ctx, cacheKey); hit {
			metrics.Global().RecordQuery(req.TenantID, time.Since(queryStart).Milliseconds(), true, true)
			emit(Event{Kind: EventStatus, Message: "using cached result", Progress: ProgressComplete})
			emit(Event{Kind: EventResult, Report: &report, Cached: true, CacheSource: "progressive-cache"})
			return
		}
	}

	emit(Event{Kind: EventStatus, Message: "fetching", Progress: ProgressFetching})
	scope := domain.FilterScope{TenantID: req.TenantID, UserID: req.Principal.UserID}
	fetchOutcome, embedOutcome := o.collectParallel(ctx, req)

	cacheHit := fetchOutcome.Status == pipeline.OutcomeSuccess && boolField(fetchOutcome.Result, "cache_hit")
	if cacheHit {
		fsm.Fire(domain.TriggerDataCached, fetchOutcome.Result)
	} else {
		fsm.Fire(domain.TriggerDataFetched, fetchOutcome.Result)
		fsm.Fire(domain.TriggerDataValidated, nil)
		fsm.Fire(domain.TriggerEmbeddingsGenerated, embedOutcome.Result)
	}

	if o.checkShutdown(req.ShutdownSignal, emit) {
		return
	}

	emit(Event{Kind: EventStatus, Message: "searching", Progress: ProgressSearching})
	var (
		documents  []storage.Document
		citations  []domain.Citation
		confidence float64
		label      string
	)
	if embedOutcome.Status == pipeline.OutcomeSuccess {
		embedding := float32SliceField(embedOutcome.Result, "vector")
		if embedding != nil {
			documents, citations, confidence, label = o.retrieveContext(ctx, scope, embedding)
		}
	}
	fsm.Fire(domain.TriggerContextRetrieved, map[string]any{"status_label": label})

	switch {
	case fetchOutcome.Status == pipeline.OutcomeSuccess:
		// proceed
	case confidence > confidenceMedium:
		emit(Event{Kind: EventWarning, Message: "upstream unavailable, using historical data"})
	default:
		fsm.Fire(domain.TriggerError, nil)
		metrics.Global().RecordQuery(req.TenantID, time.Since(queryStart).Milliseconds(), false, false)
		emit(Event{Kind: EventError, Message: "unable to retrieve fresh or sufficiently relevant historical data"})
		return
	}

	if fetchOutcome.Status == pipeline.OutcomeSuccess && !cacheHit {
		o.schedulePersistence(scope, req, fetchOutcome, embedOutcome)
	}

	if o.checkShutdown(req.ShutdownSignal, emit) {
		return
	}

	emit(Event{Kind: EventStatus, Message: "processing", Progress: ProgressProcessing})
	emit(Event{Kind: EventStatus, Message: "generating", Progress: ProgressGenerating})
	report := o.synthesize(req.Query, fetchOutcome.Result, documents, citations, confidence)
	report.TenantID = req.TenantID
	report.Query = req.Query
	report.Timestamp = time.Now()
	fsm.Fire(domain.TriggerContextMerged, nil)
	fsm.Fire(domain.TriggerReportGenerated, nil)

	if o.cache != nil {
		o.cache.Set(ctx, cacheKey, report)
	}

	dataSource := "fresh"
	if cacheHit || fetchOutcome.Status != pipeline.OutcomeSuccess {
		dataSource = "cached"
	}
	metrics.Global().RecordQuery(req.TenantID, time.Since(queryStart).Milliseconds(), cacheHit, true)
	emit(Event{
		Kind:     EventResult,
		Report:   &report,
		Progress: ProgressComplete,
		Metadata: map[string]any{
			"query_id":            req.QueryID,
			"data_source":         dataSource,
			"retrieval_confidence": confidence,
			"transitions_count":   len(fsm.Audit()),
			"role":                role,
		},
	})
}

// checkShutdown polls the connection's shutdown channel without blocking.
// If a shutdown notice is pending, it emits Shutdown and reports true so
// the caller stops advancing the pipeline.
func (o *Orchestrator) checkShutdown(signal <-chan domain.ShutdownNotice, emit func(Event)) bool {
	if signal == nil {
		return false
	}
	select {
	case notice := <-signal:
		emit(Event{Kind: EventShutdown, Message: notice.Message, ReconnectDelaySeconds: notice.ReconnectDelaySeconds})
		return true
	default:
		return false
	}
}

func (o *Orchestrator) tryCacheFastPath(ctx context.Context, key string) (domain.Report, bool) {
	budgetCtx, cancel := context.WithTimeout(ctx, o.cfg.CacheLookupBudget)
	defer cancel()

	type result struct {
		report domain.Report
		hit    bool
	}
	done := make(chan result, 1)
	go func() {
		report, hit, err := o.cache.Get(ctx, key)
		if err != nil {
			done <- result{}
			return
		}
		done <- result{report, hit}
	}()

	select {
	case r := <-done:
		return r.report, r.hit
	case <-budgetCtx.Done():
		return domain.Report{}, false
	}
}

func (o *Orchestrator) collectParallel(ctx context.Context, req Request) (pipeline.Outcome, pipeline.Outcome) {
	workers := []pipeline.Worker{
		{
			Name: "analytics-fetch",
			Fn: func(ctx context.Context) (map[string]any, error) {
				params := map[string]any{
					"property_id": req.PropertyID,
					"dimensions":  req.Dimensions,
					"metrics":     req.Metrics,
				}
				result, err := o.analytics.Invoke(ctx, params)
				var rateLimited *queue.RateLimitedError
				if o.requestQueue != nil && errors.As(err, &rateLimited) {
					return o.enqueueAndAwaitFetch(ctx, req, params)
				}
				return result, err
			},
		},
		{
			Name: "query-embed",
			Fn: func(ctx context.Context) (map[string]any, error) {
				vec, err := o.embedder.Embed(ctx, req.Query)
				if err != nil {
					return nil, err
				}
				return map[string]any{"vector": vec}, nil
			},
		},
	}

	outcomes := pipeline.RunParallel(ctx, workers, pipeline.RunOptions{
		Timeout:         o.cfg.WorkerTimeout,
		TenantID:        req.TenantID,
		BreakersEnabled: true,
		Breakers:        o.breakers,
	})
	return outcomes["analytics-fetch"], outcomes["query-embed"]
}

// enqueueAndAwaitFetch implements the spec's queue fallback: once the
// direct analytics call reports a transient rate limit, the fetch stage
// enqueues a pending request and waits on its result key instead of
// failing outright. The queue's own worker handles the retry-with-backoff
// loop and the eventual breaker-counted failure if retries are exhausted.
func (o *Orchestrator) enqueueAndAwaitFetch(ctx context.Context, req Request, params map[string]any) (map[string]any, error) {
	role, err := o.gate.Authorize(ctx, req.Principal, req.TenantID)
	if err != nil {
		return nil, err
	}
	requestID, err := o.requestQueue.Enqueue(ctx, req.TenantID, req.Principal.UserID, role, "analytics-fetch", params, 0, req.QueryID)
	if err != nil {
		return nil, err
	}
	metrics.Global().RecordQueueEnqueue()
	queued, err := o.requestQueue.WaitForResult(ctx, requestID, o.cfg.WorkerTimeout)
	if err != nil {
		return nil, err
	}
	if queued.Status == domain.RequestFailed {
		metrics.Global().RecordQueueFailure()
		return nil, fmt.Errorf("%w: %s", domain.ErrUpstreamTransient, queued.Error)
	}
	metrics.Global().RecordQueueCompletion()
	return queued.Result, nil
}

func (o *Orchestrator) retrieveContext(ctx context.Context, scope domain.FilterScope, embedding []float32) ([]storage.Document, []domain.Citation, float64, string) {
	documents, citations, err := o.repo.TopKSimilar(ctx, scope, embedding, o.cfg.TopK, o.cfg.MinSimilarity)
	if err != nil {
		logging.Op().Error("top_k_similar failed", "error", err.Error())
		return nil, nil, 0, "no_relevant_context"
	}
	if len(citations) == 0 {
		return nil, nil, 0, "no_relevant_context"
	}
	var sum float64
	for _, c := range citations {
		sum += c.SimilarityScore
	}
	avg := sum / float64(len(citations))
	return documents, citations, avg, statusLabel(avg)
}

func statusLabel(avg float64) string {
	switch {
	case avg >= confidenceHigh:
		return "high_confidence"
	case avg >= confidenceMedium:
		return "medium_confidence"
	case avg >= confidenceLow:
		return "low_confidence"
	default:
		return "no_relevant_context"
	}
}

// schedulePersistence runs the fresh-data embedding persistence as a
// background task; its failure must not affect the user-facing outcome.
func (o *Orchestrator) schedulePersistence(scope domain.FilterScope, req Request, fetchOutcome, embedOutcome pipeline.Outcome) {
	if embedOutcome.Status != pipeline.OutcomeSuccess {
		return
	}
	embedding := float32SliceField(embedOutcome.Result, "vector")
	if embedding == nil {
		return
	}
	recordID := fmt.Sprintf("%s:%s:%d", req.TenantID, req.PropertyID, time.Now().UnixNano())
	sourceText := descriptiveText(req.PropertyID, fetchOutcome.Result)
	version := o.cfg.EmbeddingVersion

	o.persistFunc(func() {
		bg := context.Background()
		if err := o.repo.StoreFetchedMetrics(bg, scope, recordID, req.PropertyID, time.Now(), fetchOutcome.Result); err != nil {
			logging.Op().Warn("background fetch persistence failed", "error", err.Error())
		}
		if err := o.repo.StoreEmbeddingRecord(bg, scope, recordID, req.PropertyID, sourceText, embedding, version); err != nil {
			logging.Op().Warn("background embedding persistence failed", "error", err.Error())
		}
	})
}

func descriptiveText(propertyID string, fetched map[string]any) string {
	encoded, err := json.Marshal(fetched)
	if err != nil {
		return propertyID
	}
	return fmt.Sprintf("property %s metrics: %s", propertyID, string(encoded))
}

func reportCacheKey(tenantID, query, propertyID string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + query + "\x00" + propertyID))
	return hex.EncodeToString(sum[:])
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func float32SliceField(m map[string]any, key string) []float32 {
	v, _ := m[key].([]float32)
	return v
}
