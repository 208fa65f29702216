package statemachine

import (
	"testing"

	"github.com/oriys/orbiq/internal/domain"
)

func TestFSMHappyPathFreshData(t *testing.T) {
	f := New("t1", "q1")

	steps := []domain.Trigger{
		domain.TriggerStart,
		domain.TriggerDataFetched,
		domain.TriggerDataValidated,
		domain.TriggerEmbeddingsGenerated,
		domain.TriggerContextRetrieved,
		domain.TriggerContextMerged,
		domain.TriggerReportGenerated,
	}
	for _, trig := range steps {
		if err := f.Fire(trig, nil); err != nil {
			t.Fatalf("unexpected error firing %s: %v", trig, err)
		}
	}

	if f.State() != domain.StateComplete {
		t.Fatalf("expected Complete, got %s", f.State())
	}
	if got := len(f.Audit()); got != len(steps) {
		t.Fatalf("expected %d audit entries, got %d", len(steps), got)
	}
}

func TestFSMCachedDataSkipsValidationAndEmbedding(t *testing.T) {
	f := New("t1", "q1")

	if err := f.Fire(domain.TriggerStart, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Fire(domain.TriggerDataCached, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.State() != domain.StateRetrieveContext {
		t.Fatalf("expected cached-data branch to land on RetrieveContext, got %s", f.State())
	}
}

func TestFSMInvalidTransitionFiresError(t *testing.T) {
	f := New("t1", "q1")

	// data_fetched is invalid from INIT (must start first).
	err := f.Fire(domain.TriggerDataFetched, nil)
	if err == nil {
		t.Fatal("expected an error for an out-of-sequence trigger")
	}
	if f.State() != domain.StateErrorFallback {
		t.Fatalf("expected ErrorFallback after invalid transition, got %s", f.State())
	}
}

func TestFSMErrorTriggerFromAnyNonTerminalState(t *testing.T) {
	f := New("t1", "q1")
	f.Fire(domain.TriggerStart, nil)
	f.Fire(domain.TriggerDataFetched, nil)

	if err := f.Fire(domain.TriggerError, nil); err != nil {
		t.Fatalf("unexpected error firing the error trigger itself: %v", err)
	}
	if f.State() != domain.StateErrorFallback {
		t.Fatalf("expected ErrorFallback, got %s", f.State())
	}
}

func TestFSMTimeoutTriggerFromAnyNonTerminalState(t *testing.T) {
	f := New("t1", "q1")
	f.Fire(domain.TriggerStart, nil)

	if err := f.Fire(domain.TriggerTimeout, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.State() != domain.StateErrorFallback {
		t.Fatalf("expected ErrorFallback, got %s", f.State())
	}
}

func TestFSMReissuingTriggerAfterAdvancingIsInvalid(t *testing.T) {
	f := New("t1", "q1")
	f.Fire(domain.TriggerStart, nil)
	f.Fire(domain.TriggerDataFetched, nil) // now in VALIDATE_DATA

	// Reissuing data_fetched is invalid since the current state is no
	// longer FETCH_DATA.
	err := f.Fire(domain.TriggerDataFetched, nil)
	if err == nil {
		t.Fatal("expected reissuing a consumed trigger to be invalid")
	}
	if f.State() != domain.StateErrorFallback {
		t.Fatalf("expected ErrorFallback, got %s", f.State())
	}
}

func TestFSMTerminalStateTriggersAreNoOps(t *testing.T) {
	f := New("t1", "q1")
	for _, trig := range []domain.Trigger{
		domain.TriggerStart, domain.TriggerDataFetched, domain.TriggerDataValidated,
		domain.TriggerEmbeddingsGenerated, domain.TriggerContextRetrieved,
		domain.TriggerContextMerged, domain.TriggerReportGenerated,
	} {
		f.Fire(trig, nil)
	}
	if f.State() != domain.StateComplete {
		t.Fatalf("setup failed: expected Complete, got %s", f.State())
	}

	if err := f.Fire(domain.TriggerError, nil); err != nil {
		t.Fatalf("expected terminal-state error trigger to be a no-op, not an error: %v", err)
	}
	if f.State() != domain.StateComplete {
		t.Fatalf("expected state to remain Complete after a terminal no-op, got %s", f.State())
	}
}

func TestFSMDataHashStableAcrossKeyOrder(t *testing.T) {
	a := hashTransitionData(map[string]any{"x": 1, "y": 2})
	b := hashTransitionData(map[string]any{"y": 2, "x": 1})
	if a != b {
		t.Fatalf("expected identical hash regardless of map iteration order: %s != %s", a, b)
	}
}

func TestFSMAuditRecordsDurationAndTrigger(t *testing.T) {
	f := New("t1", "q1")
	f.Fire(domain.TriggerStart, map[string]any{"k": "v"})

	audit := f.Audit()
	if len(audit) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(audit))
	}
	entry := audit[0]
	if entry.FromState != domain.StateInit || entry.ToState != domain.StateFetchData {
		t.Fatalf("unexpected transition recorded: %+v", entry)
	}
	if entry.Trigger != domain.TriggerStart {
		t.Fatalf("expected trigger recorded as start, got %s", entry.Trigger)
	}
	if entry.DataHash == "" {
		t.Fatal("expected a non-empty data hash when data was supplied")
	}
}
