package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/orbiq/internal/metrics"
)

// WorkerManagerConfig controls the autoscaling control loop described in
// §4.4.1.
type WorkerManagerConfig struct {
	Interval          time.Duration
	RequestsPerWorker int
	MinWorkers        int
	MaxWorkers        int
}

// DefaultWorkerManagerConfig matches the spec's stated defaults.
func DefaultWorkerManagerConfig() WorkerManagerConfig {
	return WorkerManagerConfig{
		Interval:          10 * time.Second,
		RequestsPerWorker: 5,
		MinWorkers:        1,
		MaxWorkers:        5,
	}
}

// desiredWorkers computes clip(queue_length/requests_per_worker, min, max).
func desiredWorkers(queueLength int, cfg WorkerManagerConfig) int {
	if queueLength == 0 {
		return 0
	}
	perWorker := cfg.RequestsPerWorker
	if perWorker <= 0 {
		perWorker = 1
	}
	n := (queueLength + perWorker - 1) / perWorker
	if n < cfg.MinWorkers {
		n = cfg.MinWorkers
	}
	if n > cfg.MaxWorkers {
		n = cfg.MaxWorkers
	}
	return n
}

// workerPool is the live set of worker goroutines dispatching for one
// tenant. Shutdown is cooperative: each worker finishes its current
// dispatch, then checks its stop channel before popping the next entry.
type workerPool struct {
	tenantID string
	stop     chan struct{}
	done     chan struct{}
	count    int
}

// WorkerManager runs the control loop that scales each tenant's worker pool
// to match its queue depth, per §4.4.1.
type WorkerManager struct {
	cfg   WorkerManagerConfig
	q     *Queue
	mu    sync.Mutex
	pools map[string]*workerPool
}

// NewWorkerManager creates a manager bound to q. Call Run to start its
// control loop.
func NewWorkerManager(q *Queue, cfg WorkerManagerConfig) *WorkerManager {
	return &WorkerManager{cfg: cfg, q: q, pools: make(map[string]*workerPool)}
}

// EnsureWorker guarantees at least one worker is running for tenantID,
// called by Queue.Enqueue so a freshly non-empty queue is served without
// waiting for the next control-loop tick.
func (m *WorkerManager) EnsureWorker(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[tenantID]; ok {
		return
	}
	m.spawnLocked(tenantID, 1)
}

// Run drives the autoscaling control loop until ctx is cancelled.
func (m *WorkerManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll()
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

func (m *WorkerManager) reconcile() {
	m.mu.Lock()
	tenantIDs := make([]string, 0, len(m.pools))
	for id := range m.pools {
		tenantIDs = append(tenantIDs, id)
	}
	m.mu.Unlock()

	m.q.sweepExpired(time.Now())

	seen := make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		seen[id] = true
		depth := m.q.QueueLength(id)
		metrics.SetQueueDepth(id, depth)
		want := desiredWorkers(depth, m.cfg)
		m.resize(id, want)
	}
}

// resize adjusts the tenant's worker pool to exactly want workers. want=0
// tears the pool down entirely.
func (m *WorkerManager) resize(tenantID string, want int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[tenantID]
	if !ok {
		if want > 0 {
			m.spawnLocked(tenantID, want)
		}
		return
	}

	if want == 0 {
		close(pool.stop)
		delete(m.pools, tenantID)
		return
	}

	if want > pool.count {
		for i := pool.count; i < want; i++ {
			go m.runWorker(tenantID, pool.stop)
		}
		pool.count = want
	} else if want < pool.count {
		// Scaling down is cooperative: workers exit on their own once the
		// tenant's queue drains rather than being force-stopped mid-dispatch.
		pool.count = want
	}
}

func (m *WorkerManager) spawnLocked(tenantID string, n int) {
	pool := &workerPool{tenantID: tenantID, stop: make(chan struct{}), count: n}
	m.pools[tenantID] = pool
	for i := 0; i < n; i++ {
		go m.runWorker(tenantID, pool.stop)
	}
}

// runWorker is one dispatch loop: pop-and-run until the tenant's queue is
// empty, then idle-check its stop channel before the next poll.
func (m *WorkerManager) runWorker(tenantID string, stop <-chan struct{}) {
	ctx := context.Background()
	idle := time.NewTicker(500 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if m.q.dispatchOne(ctx, tenantID) {
			continue
		}

		select {
		case <-stop:
			return
		case <-idle.C:
		}
	}
}

func (m *WorkerManager) shutdownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pool := range m.pools {
		close(pool.stop)
		delete(m.pools, id)
	}
}

// Stats reports, per tenant, the current worker count. Used by observability
// endpoints.
func (m *WorkerManager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.pools))
	for id, pool := range m.pools {
		out[id] = pool.count
	}
	return out
}
