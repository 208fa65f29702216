// Package pipeline implements the parallel executor: it runs a batch of
// independent worker calls concurrently, each under its own timeout and
// optional circuit breaker, and collects per-worker outcomes without
// letting one worker's failure collapse the batch.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
	"golang.org/x/sync/errgroup"
)

// OutcomeStatus is the terminal status of one worker call in a batch.
type OutcomeStatus string

const (
	OutcomeSuccess      OutcomeStatus = "success"
	OutcomeFailed       OutcomeStatus = "failed"
	OutcomeTimeout      OutcomeStatus = "timeout"
	OutcomeCircuitOpen  OutcomeStatus = "circuit_open"
)

// Outcome is the result of one worker call within a batch.
type Outcome struct {
	Status      OutcomeStatus
	Result      map[string]any
	Error       string
	DurationMs  int64
	StartedAt   time.Time
	CompletedAt time.Time
}

// WorkerFunc is one named unit of concurrent work.
type WorkerFunc func(ctx context.Context) (map[string]any, error)

// Worker pairs a name (used for breaker lookup and outcome keying) with its
// function.
type Worker struct {
	Name string
	Fn   WorkerFunc
}

// RunOptions configures one RunParallel call.
type RunOptions struct {
	Timeout              time.Duration
	TenantID             string
	RollbackOnAnyFailure bool
	BreakersEnabled      bool
	Breakers             *circuitbreaker.Registry // required if BreakersEnabled
}

// BatchLog is the single log record the executor appends per batch, per the
// spec's observability requirement.
type BatchLog struct {
	ExecutionID         string
	TenantID            string
	Workers             []string
	TotalDurationMs      int64
	SuccessCount        int
	FailedCount         int
	CircuitBlockedCount int
}

// RunParallel launches every worker concurrently and returns a map of
// worker name to Outcome. One worker failing does not cancel the others
// unless opts.RollbackOnAnyFailure is set, in which case the first failure
// cancels the remaining in-flight workers via cooperative cancellation and
// every outcome (including the cancelled ones) is still returned.
func RunParallel(ctx context.Context, workers []Worker, opts RunOptions) map[string]Outcome {
	batchStart := time.Now()
	outcomes := make(map[string]Outcome, len(workers))
	var mu sync.Mutex

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// errgroup.WithContext cancels its derived context on the first
	// returned error, which is exactly the rollback semantics when
	// RollbackOnAnyFailure is set. When it is not set, workers run against
	// runCtx directly so one worker's failure never propagates as
	// cancellation to the others.
	g := &errgroup.Group{}
	workerCtx := runCtx
	if opts.RollbackOnAnyFailure {
		g, workerCtx = errgroup.WithContext(runCtx)
	}

	for _, w := range workers {
		w := w
		g.Go(func() error {
			outcome := runOne(workerCtx, w, opts)
			mu.Lock()
			outcomes[w.Name] = outcome
			mu.Unlock()

			if opts.RollbackOnAnyFailure && outcome.Status != OutcomeSuccess {
				cancel()
				return fmt.Errorf("%s: %s", w.Name, outcome.Error)
			}
			return nil
		})
	}

	_ = g.Wait()

	successCount, failedCount, blockedCount := 0, 0, 0
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name)
		switch outcomes[w.Name].Status {
		case OutcomeSuccess:
			successCount++
		case OutcomeCircuitOpen:
			blockedCount++
		default:
			failedCount++
		}
	}

	logBatch(BatchLog{
		ExecutionID:         batchExecutionID(),
		TenantID:            opts.TenantID,
		Workers:             names,
		TotalDurationMs:      time.Since(batchStart).Milliseconds(),
		SuccessCount:        successCount,
		FailedCount:         failedCount,
		CircuitBlockedCount: blockedCount,
	})

	return outcomes
}

func runOne(ctx context.Context, w Worker, opts RunOptions) Outcome {
	started := time.Now()

	var breaker *circuitbreaker.Breaker
	if opts.BreakersEnabled && opts.Breakers != nil {
		breaker = opts.Breakers.Get(w.Name)
		if !breaker.Allow() {
			return Outcome{
				Status:      OutcomeCircuitOpen,
				Error:       domain.ErrBreakerOpen.Error(),
				StartedAt:   started,
				CompletedAt: started,
			}
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	type callResult struct {
		result map[string]any
		err    error
	}
	done := make(chan callResult, 1)
	go func() {
		result, err := w.Fn(callCtx)
		done <- callResult{result, err}
	}()

	select {
	case <-callCtx.Done():
		if breaker != nil {
			breaker.RecordFailure()
		}
		completed := time.Now()
		status := OutcomeFailed
		if opts.Timeout > 0 && callCtx.Err() == context.DeadlineExceeded {
			status = OutcomeTimeout
		}
		return Outcome{
			Status:      status,
			Error:       callCtx.Err().Error(),
			DurationMs:  completed.Sub(started).Milliseconds(),
			StartedAt:   started,
			CompletedAt: completed,
		}
	case r := <-done:
		completed := time.Now()
		if r.err != nil {
			if breaker != nil {
				breaker.RecordFailure()
			}
			return Outcome{
				Status:      OutcomeFailed,
				Error:       r.err.Error(),
				DurationMs:  completed.Sub(started).Milliseconds(),
				StartedAt:   started,
				CompletedAt: completed,
			}
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
		return Outcome{
			Status:      OutcomeSuccess,
			Result:      r.result,
			DurationMs:  completed.Sub(started).Milliseconds(),
			StartedAt:   started,
			CompletedAt: completed,
		}
	}
}

func logBatch(b BatchLog) {
	logging.Op().Info("parallel batch complete",
		"execution_id", b.ExecutionID,
		"tenant_id", b.TenantID,
		"workers", b.Workers,
		"total_duration_ms", b.TotalDurationMs,
		"success_count", b.SuccessCount,
		"failed_count", b.FailedCount,
		"circuit_blocked_count", b.CircuitBlockedCount,
	)
}

var executionIDCounter struct {
	mu sync.Mutex
	n  int64
}

func batchExecutionID() string {
	executionIDCounter.mu.Lock()
	defer executionIDCounter.mu.Unlock()
	executionIDCounter.n++
	return fmt.Sprintf("exec_%d", executionIDCounter.n)
}
