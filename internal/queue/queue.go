// Package queue implements the per-tenant priority queue that absorbs
// analytics requests when the upstream API signals exhaustion, drains them
// in priority order, and returns results to callers waiting on a result key.
//
// Persistence is intentionally in-process: durable queue survival across
// node restarts is a non-goal (see the purpose and scope notes carried into
// this package's design), so a crash loses queued-but-not-yet-dispatched
// entries. The Notifier abstraction (notifier.go) exists so that a future
// multi-node deployment can swap in a Redis-backed notifier without
// changing this package's API.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
)

// Endpoint is a named upstream operation the queue can dispatch a request
// to once a worker pops it. AnalyticsClient and EmbeddingClient both satisfy
// this.
type Endpoint interface {
	// Invoke runs the named operation and returns its result payload.
	// A *RateLimitedError causes the queue to retry with backoff instead of
	// failing the request outright.
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// RateLimitedError signals that the upstream asked the caller to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "upstream rate limited" }

// BackoffConfig controls the retry-with-backoff policy on rate-limited
// dispatch attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff matches the spec's stated defaults: initial=2s,
// multiplier=2, max=60s.
var DefaultBackoff = BackoffConfig{Initial: 2 * time.Second, Multiplier: 2, Max: 60 * time.Second}

// Delay returns the sleep duration before retry number attempt (0-indexed).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
	}
	if max := float64(b.Max); d > max {
		d = max
	}
	return time.Duration(d)
}

// Config bundles the queue's tunables.
type Config struct {
	ResultTTL       time.Duration
	Backoff         BackoffConfig
	WaitPollInitial time.Duration
	WaitPollCap     time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		ResultTTL:       time.Hour,
		Backoff:         DefaultBackoff,
		WaitPollInitial: 100 * time.Millisecond,
		WaitPollCap:     5 * time.Second,
	}
}

// entry is one heap element: the request_id plus its ordering score. The
// score is snapshotted at insertion time so re-ordering never happens
// without a fresh heap.Push.
type entry struct {
	requestID string
	score     float64
	seq       int64 // insertion order, for stable tie-breaking
	index     int   // heap.Interface bookkeeping
}

type requestHeap []*entry

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *requestHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// resultRecord is the stored QueuedRequest plus its expiry.
type resultRecord struct {
	request   domain.QueuedRequest
	expiresAt time.Time
}

// tenantQueue holds one tenant's pending-entry heap plus its by-ID index
// for O(log n) position lookups.
type tenantQueue struct {
	mu   sync.Mutex
	heap requestHeap
	byID map[string]*entry
}

// idempotencyEntry remembers which request a (tenant, key) pair already
// produced, so a reconnect resubmitting the same key attaches to the
// original request instead of enqueueing a duplicate.
type idempotencyEntry struct {
	requestID string
	expiresAt time.Time
}

// Queue is the per-tenant priority queue described in §4.4.
type Queue struct {
	cfg      Config
	notifier Notifier
	manager  *WorkerManager

	mu          sync.Mutex
	tenants     map[string]*tenantQueue
	results     map[string]*resultRecord
	idempotency map[string]idempotencyEntry // "tenantID\x00key" -> entry
	seqNext     int64
	endpoint    map[string]Endpoint // endpoint name -> client
}

// New creates a Queue. endpoints maps the endpoint names accepted by
// enqueue to the client that dispatches them; manager drives per-tenant
// worker counts.
func New(cfg Config, notifier Notifier, endpoints map[string]Endpoint) *Queue {
	if notifier == nil {
		notifier = NewNoopNotifier()
	}
	q := &Queue{
		cfg:         cfg,
		notifier:    notifier,
		tenants:     make(map[string]*tenantQueue),
		results:     make(map[string]*resultRecord),
		idempotency: make(map[string]idempotencyEntry),
		endpoint:    endpoints,
	}
	return q
}

func idempotencyIndexKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// AttachManager wires a WorkerManager so enqueue can guarantee a worker
// exists for the tenant. Optional: without one, callers must run workers
// themselves via RunWorker.
func (q *Queue) AttachManager(m *WorkerManager) { q.manager = m }

func (q *Queue) tenantFor(tenantID string) *tenantQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq, ok := q.tenants[tenantID]
	if !ok {
		tq = &tenantQueue{byID: make(map[string]*entry)}
		q.tenants[tenantID] = tq
	}
	return tq
}

// Enqueue constructs a QueuedRequest, inserts it into the tenant's ordered
// set, stores the result record, and (if a manager is attached) guarantees
// a worker is running for the tenant. When idempotencyKey is non-empty and
// was already seen for this tenant within its result TTL, Enqueue returns
// the original requestID instead of creating a duplicate entry.
func (q *Queue) Enqueue(ctx context.Context, tenantID, userID string, role domain.Role, endpoint string, params map[string]any, priority int, idempotencyKey string) (string, error) {
	if priority < 0 || priority > 100 {
		return "", fmt.Errorf("%w: priority must be in [0,100]", domain.ErrValidationFailure)
	}

	var idemIndexKey string
	if idempotencyKey != "" {
		idemIndexKey = idempotencyIndexKey(tenantID, idempotencyKey)
		q.mu.Lock()
		if existing, ok := q.idempotency[idemIndexKey]; ok && time.Now().Before(existing.expiresAt) {
			q.mu.Unlock()
			return existing.requestID, nil
		}
		q.mu.Unlock()
	}

	requestID := newRequestID()
	req := domain.QueuedRequest{
		RequestID:  requestID,
		TenantID:   tenantID,
		UserID:     userID,
		Role:       role,
		Endpoint:   endpoint,
		Params:     params,
		QueuedAt:   time.Now(),
		Priority:   priority,
		MaxRetries: 3,
		Status:     domain.RequestQueued,
	}
	if idempotencyKey != "" {
		req.IdempotencyKey = &idempotencyKey
	}

	expiresAt := time.Now().Add(q.cfg.ResultTTL)
	q.mu.Lock()
	q.results[requestID] = &resultRecord{request: req, expiresAt: expiresAt}
	if idemIndexKey != "" {
		q.idempotency[idemIndexKey] = idempotencyEntry{requestID: requestID, expiresAt: expiresAt}
	}
	q.mu.Unlock()

	q.insert(req)

	if q.manager != nil {
		q.manager.EnsureWorker(tenantID)
	}
	if err := q.notifier.Notify(ctx, QueueAsync); err != nil {
		logging.Op().Warn("queue notify failed", "tenant_id", tenantID, "error", err)
	}
	return requestID, nil
}

func (q *Queue) insert(req domain.QueuedRequest) {
	tq := q.tenantFor(req.TenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	q.mu.Lock()
	seq := q.seqNext
	q.seqNext++
	q.mu.Unlock()

	e := &entry{requestID: req.RequestID, score: req.Score(), seq: seq}
	heap.Push(&tq.heap, e)
	tq.byID[req.RequestID] = e
}

// QueuePosition returns the 1-indexed rank within the owning tenant's set;
// 0 if the request is not currently queued (e.g. already dispatched); -1 if
// the request is unknown entirely.
func (q *Queue) QueuePosition(requestID string) int {
	q.mu.Lock()
	rec, ok := q.results[requestID]
	q.mu.Unlock()
	if !ok {
		return -1
	}

	tq := q.tenantFor(rec.request.TenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	target, inSet := tq.byID[requestID]
	if !inSet {
		return 0
	}

	rank := 1
	for _, e := range tq.heap {
		if e.score < target.score || (e.score == target.score && e.seq < target.seq) {
			rank++
		}
	}
	return rank
}

// QueueLength returns the number of pending entries for tenantID.
func (q *Queue) QueueLength(tenantID string) int {
	tq := q.tenantFor(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.heap)
}

// Status returns the current result record for requestID, for status-stream
// consumers that need more than QueuePosition's bare rank.
func (q *Queue) Status(requestID string) (domain.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.results[requestID]
	if !ok {
		return domain.QueuedRequest{}, false
	}
	return rec.request, true
}

// ErrWaitTimeout is returned by WaitForResult when timeout elapses before
// the request reaches a terminal status.
var ErrWaitTimeout = errors.New("queue: wait for result timed out")

// WaitForResult polls the result record with exponentially-growing backoff
// capped at cfg.WaitPollCap, returning as soon as the request reaches a
// terminal status or timeout elapses.
func (q *Queue) WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (domain.QueuedRequest, error) {
	deadline := time.Now().Add(timeout)
	poll := q.cfg.WaitPollInitial
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	for {
		q.mu.Lock()
		rec, ok := q.results[requestID]
		q.mu.Unlock()
		if !ok {
			return domain.QueuedRequest{}, fmt.Errorf("queue: unknown request %s", requestID)
		}
		if rec.request.Status.Terminal() {
			return rec.request, nil
		}
		if time.Now().After(deadline) {
			return domain.QueuedRequest{}, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return domain.QueuedRequest{}, ctx.Err()
		case <-time.After(poll):
		}

		poll *= 2
		if poll > q.cfg.WaitPollCap {
			poll = q.cfg.WaitPollCap
		}
	}
}

// dispatchOne pops the lowest-scoring entry for tenantID and runs it to
// completion (including the rate-limit retry/backoff loop). Returns false
// if the tenant's queue was empty.
func (q *Queue) dispatchOne(ctx context.Context, tenantID string) bool {
	tq := q.tenantFor(tenantID)

	tq.mu.Lock()
	if len(tq.heap) == 0 {
		tq.mu.Unlock()
		return false
	}
	e := heap.Pop(&tq.heap).(*entry)
	delete(tq.byID, e.requestID)
	tq.mu.Unlock()

	q.mu.Lock()
	rec, ok := q.results[e.requestID]
	q.mu.Unlock()
	if !ok {
		logging.Op().Warn("queue: popped entry has no result record", "request_id", e.requestID)
		return true
	}

	q.setStatus(e.requestID, func(r *domain.QueuedRequest) { r.Status = domain.RequestProcessing })

	endpoint, ok := q.endpoint[rec.request.Endpoint]
	if !ok {
		q.fail(e.requestID, fmt.Sprintf("no client registered for endpoint %q", rec.request.Endpoint))
		return true
	}

	result, err := endpoint.Invoke(ctx, rec.request.Params)
	if err == nil {
		q.setStatus(e.requestID, func(r *domain.QueuedRequest) {
			r.Status = domain.RequestCompleted
			r.Result = result
		})
		return true
	}

	var rle *RateLimitedError
	if errors.As(err, &rle) {
		q.retryOrFail(ctx, e.requestID)
		return true
	}

	q.fail(e.requestID, err.Error())
	return true
}

// retryOrFail implements step 5 of the worker protocol: sleep the backoff
// delay, then either re-queue with a fresh score or mark failed once
// max_retries is exhausted.
func (q *Queue) retryOrFail(ctx context.Context, requestID string) {
	q.mu.Lock()
	rec := q.results[requestID]
	q.mu.Unlock()

	if rec.request.RetryCount >= rec.request.MaxRetries {
		q.fail(requestID, "exhausted retries")
		return
	}

	delay := q.cfg.Backoff.Delay(rec.request.RetryCount)
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	q.setStatus(requestID, func(r *domain.QueuedRequest) {
		r.RetryCount++
		r.Status = domain.RequestQueued
		r.QueuedAt = time.Now()
	})

	q.mu.Lock()
	req := q.results[requestID].request
	q.mu.Unlock()
	q.insert(req)

	if q.manager != nil {
		q.manager.EnsureWorker(req.TenantID)
	}
}

func (q *Queue) fail(requestID, errText string) {
	q.setStatus(requestID, func(r *domain.QueuedRequest) {
		r.Status = domain.RequestFailed
		r.Error = errText
	})
}

func (q *Queue) setStatus(requestID string, mutate func(*domain.QueuedRequest)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.results[requestID]
	if !ok {
		return
	}
	mutate(&rec.request)
}

// sweepExpired drops result records past their TTL. Called periodically by
// the WorkerManager control loop.
func (q *Queue) sweepExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, rec := range q.results {
		if now.After(rec.expiresAt) {
			delete(q.results, id)
		}
	}
	for key, entry := range q.idempotency {
		if now.After(entry.expiresAt) {
			delete(q.idempotency, key)
		}
	}
}

var requestIDCounter struct {
	mu  sync.Mutex
	n   int64
	pid int64
}

func newRequestID() string {
	requestIDCounter.mu.Lock()
	defer requestIDCounter.mu.Unlock()
	requestIDCounter.n++
	return fmt.Sprintf("req_%d_%d", time.Now().UnixNano(), requestIDCounter.n)
}
