package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/orbiq/internal/circuitbreaker"
)

func TestRunParallelAllSucceed(t *testing.T) {
	workers := []Worker{
		{Name: "fetch", Fn: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"n": 1}, nil
		}},
		{Name: "embed", Fn: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"n": 2}, nil
		}},
	}

	outcomes := RunParallel(context.Background(), workers, RunOptions{Timeout: time.Second, TenantID: "t1"})

	if outcomes["fetch"].Status != OutcomeSuccess || outcomes["embed"].Status != OutcomeSuccess {
		t.Fatalf("expected both workers to succeed, got %+v", outcomes)
	}
}

func TestRunParallelOneFailureDoesNotCancelOthers(t *testing.T) {
	workers := []Worker{
		{Name: "fails", Fn: func(ctx context.Context) (map[string]any, error) {
			return nil, errors.New("boom")
		}},
		{Name: "slow-success", Fn: func(ctx context.Context) (map[string]any, error) {
			time.Sleep(30 * time.Millisecond)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			return map[string]any{"ok": true}, nil
		}},
	}

	outcomes := RunParallel(context.Background(), workers, RunOptions{Timeout: time.Second, TenantID: "t1"})

	if outcomes["fails"].Status != OutcomeFailed {
		t.Fatalf("expected fails worker to report Failed, got %s", outcomes["fails"].Status)
	}
	if outcomes["slow-success"].Status != OutcomeSuccess {
		t.Fatalf("expected slow-success worker to still complete without rollback, got %s", outcomes["slow-success"].Status)
	}
}

func TestRunParallelRollbackCancelsPending(t *testing.T) {
	workers := []Worker{
		{Name: "fails-fast", Fn: func(ctx context.Context) (map[string]any, error) {
			return nil, errors.New("boom")
		}},
		{Name: "never-finishes", Fn: func(ctx context.Context) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return map[string]any{"too-slow": true}, nil
			}
		}},
	}

	outcomes := RunParallel(context.Background(), workers, RunOptions{
		Timeout:              time.Second,
		TenantID:             "t1",
		RollbackOnAnyFailure: true,
	})

	if outcomes["fails-fast"].Status != OutcomeFailed {
		t.Fatalf("expected fails-fast to report Failed, got %s", outcomes["fails-fast"].Status)
	}
	if outcomes["never-finishes"].Status == OutcomeSuccess {
		t.Fatal("expected rollback to cancel the pending worker before it could succeed")
	}
}

func TestRunParallelPerWorkerTimeout(t *testing.T) {
	workers := []Worker{
		{Name: "too-slow", Fn: func(ctx context.Context) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return map[string]any{}, nil
			}
		}},
	}

	outcomes := RunParallel(context.Background(), workers, RunOptions{Timeout: 20 * time.Millisecond, TenantID: "t1"})

	if outcomes["too-slow"].Status != OutcomeTimeout {
		t.Fatalf("expected Timeout, got %s", outcomes["too-slow"].Status)
	}
}

func TestRunParallelBreakerOpenShortCircuits(t *testing.T) {
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})
	registry.Get("flaky").RecordFailure() // trips it open

	called := false
	workers := []Worker{
		{Name: "flaky", Fn: func(ctx context.Context) (map[string]any, error) {
			called = true
			return map[string]any{}, nil
		}},
	}

	outcomes := RunParallel(context.Background(), workers, RunOptions{
		Timeout:         time.Second,
		TenantID:        "t1",
		BreakersEnabled: true,
		Breakers:        registry,
	})

	if called {
		t.Fatal("expected the worker function to not be called while its breaker is open")
	}
	if outcomes["flaky"].Status != OutcomeCircuitOpen {
		t.Fatalf("expected CircuitOpen, got %s", outcomes["flaky"].Status)
	}
}

func TestRunParallelTimeoutRecordsBreakerFailure(t *testing.T) {
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	workers := []Worker{
		{Name: "slow", Fn: func(ctx context.Context) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}

	RunParallel(context.Background(), workers, RunOptions{
		Timeout:         10 * time.Millisecond,
		TenantID:        "t1",
		BreakersEnabled: true,
		Breakers:        registry,
	})

	if registry.Get("slow").State() != circuitbreaker.StateOpen {
		t.Fatal("expected the timeout to have tripped the breaker open")
	}
}
