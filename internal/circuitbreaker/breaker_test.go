package circuitbreaker

import (
	"testing"
	"time"

	"github.com/oriys/orbiq/internal/domain"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute})
	if !b.Allow() {
		t.Fatal("expected a fresh breaker to allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", b.State())
	}
}

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected Closed before threshold reached, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected Open once failure_count reached threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Open breaker to refuse requests")
	}
}

func TestBreakerSuccessResetsFailureCountWhileClosed(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	if got := b.Stats().FailureCount; got != 0 {
		t.Fatalf("expected failure_count reset to 0 after success, got %d", got)
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("two more failures after reset should not trip a threshold-3 breaker, got %s", b.State())
	}
}

func TestBreakerTransitionsToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected Open, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen after recovery_timeout elapsed, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected HalfOpen breaker to allow a probe")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected a probe failure to reopen the breaker, got %s", b.State())
	}
}

func TestBreakerFullRecoveryCycleClearsFailureCount(t *testing.T) {
	// Round-trip property: CLOSED -> [failure_threshold failures] -> OPEN ->
	// [wait recovery_timeout] -> HALF_OPEN -> [success_threshold successes]
	// -> CLOSED leaves failure_count = 0.
	b := New("analytics", Config{FailureThreshold: 2, SuccessThreshold: 2, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected Open after reaching failure_threshold, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen after recovery_timeout, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected to remain HalfOpen before success_threshold reached, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected Closed after success_threshold probes, got %s", b.State())
	}

	stats := b.Stats()
	if stats.FailureCount != 0 {
		t.Fatalf("expected failure_count cleared after full recovery cycle, got %d", stats.FailureCount)
	}
}

func TestBreakerOpenRefusalDoesNotCountAsFailure(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected Open, got %s", b.State())
	}

	before := b.Stats().TotalFailures
	b.Allow()
	b.Allow()
	after := b.Stats().TotalFailures

	if before != after {
		t.Fatalf("expected refused Allow() calls to not increment total_failures: before=%d after=%d", before, after)
	}
}

func TestRegistryReturnsSameBreakerForSameName(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Second})

	a := r.Get("analytics")
	b := r.Get("analytics")
	if a != b {
		t.Fatal("expected Get to return the same breaker instance for the same name")
	}

	other := r.Get("embedding")
	if other == a {
		t.Fatal("expected distinct breakers for distinct worker names")
	}
}

func TestRegistrySnapshotReflectsState(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})
	r.Get("analytics").RecordFailure()

	snap := r.Snapshot()
	got, ok := snap["analytics"]
	if !ok {
		t.Fatal("expected snapshot to include the analytics breaker")
	}
	if got.State != domain.BreakerOpen {
		t.Fatalf("expected OPEN in snapshot, got %s", got.State)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})
	first := r.Get("analytics")
	r.Remove("analytics")
	second := r.Get("analytics")
	if first == second {
		t.Fatal("expected Remove to drop the breaker so Get creates a fresh one")
	}
}

func TestBreakerReset(t *testing.T) {
	b := New("analytics", Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected Open, got %s", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected Closed after Reset, got %s", b.State())
	}
	if stats := b.Stats(); stats.TotalRequests != 0 || stats.FailureCount != 0 {
		t.Fatalf("expected counters cleared after Reset, got %+v", stats)
	}
}
