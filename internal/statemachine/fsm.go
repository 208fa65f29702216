// Package statemachine implements the workflow finite-state machine that
// drives one query through a fixed sequence of states with an append-only,
// content-hashed audit log.
package statemachine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/orbiq/internal/domain"
	pkgcrypto "github.com/oriys/orbiq/internal/pkg/crypto"
)

// transitionKey is a (source state, trigger) pair.
type transitionKey struct {
	from    domain.WorkflowState
	trigger domain.Trigger
}

// transitions is the fixed transition table from §4.3. error and timeout are
// wildcard triggers resolved against any non-terminal source state at
// lookup time rather than enumerated here (see resolve).
var transitions = map[transitionKey]domain.WorkflowState{
	{domain.StateInit, domain.TriggerStart}:                           domain.StateFetchData,
	{domain.StateFetchData, domain.TriggerDataFetched}:                domain.StateValidateData,
	{domain.StateFetchData, domain.TriggerDataCached}:                 domain.StateRetrieveContext,
	{domain.StateValidateData, domain.TriggerDataValidated}:           domain.StateGenerateEmbeddings,
	{domain.StateGenerateEmbeddings, domain.TriggerEmbeddingsGenerated}: domain.StateRetrieveContext,
	{domain.StateRetrieveContext, domain.TriggerContextRetrieved}:     domain.StateMergeContext,
	{domain.StateMergeContext, domain.TriggerContextMerged}:           domain.StateGenerateReport,
	{domain.StateGenerateReport, domain.TriggerReportGenerated}:       domain.StateComplete,
}

// ErrInvalidTransition is returned when a trigger has no entry for the
// FSM's current state, including re-issuing an already-consumed trigger.
var ErrInvalidTransition = fmt.Errorf("statemachine: invalid transition")

// FSM drives one query's workflow state and its audit log.
type FSM struct {
	mu         sync.Mutex
	tenantID   string
	queryID    string
	state      domain.WorkflowState
	audit      []domain.TransitionAudit
	lastChange time.Time
}

// New creates an FSM in its initial state for one (tenantID, queryID).
func New(tenantID, queryID string) *FSM {
	return &FSM{
		tenantID:   tenantID,
		queryID:    queryID,
		state:      domain.StateInit,
		lastChange: time.Now(),
	}
}

// State returns the FSM's current state.
func (f *FSM) State() domain.WorkflowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Audit returns a copy of the append-only transition log.
func (f *FSM) Audit() []domain.TransitionAudit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TransitionAudit, len(f.audit))
	copy(out, f.audit)
	return out
}

// Fire resolves trigger against the FSM's current state and applies the
// transition, recording an audit entry either way, except from a terminal
// state, where every trigger is a no-op that records nothing. data is hashed into the
// audit record's DataHash for replay verification; it may be nil.
//
// error and timeout are wildcard triggers: from any non-terminal state they
// move to ErrorFallback. Re-issuing an already-consumed trigger (one whose
// source state no longer matches) is itself an invalid transition and is
// resolved as an automatic error, per the FSM's idempotence rule.
func (f *FSM) Fire(trigger domain.Trigger, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.state
	now := time.Now()
	duration := now.Sub(f.lastChange).Milliseconds()
	hash := hashTransitionData(data)

	to, ok := resolve(from, trigger)
	if !ok {
		// Any attempted invalid transition auto-fires error, unless we are
		// already processing the error/timeout wildcard (terminal states
		// reject everything, including error/timeout, as a no-op so a
		// double-error doesn't recurse).
		if from.Terminal() {
			return nil
		}

		f.state = domain.StateErrorFallback
		f.lastChange = now
		f.audit = append(f.audit, domain.TransitionAudit{
			TenantID:   f.tenantID,
			QueryID:    f.queryID,
			FromState:  from,
			ToState:    domain.StateErrorFallback,
			Trigger:    trigger,
			DataHash:   hash,
			Timestamp:  now,
			DurationMs: duration,
			Error:      fmt.Sprintf("%v: %s from %s", ErrInvalidTransition, trigger, from),
		})
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}

	f.state = to
	f.lastChange = now
	f.audit = append(f.audit, domain.TransitionAudit{
		TenantID:   f.tenantID,
		QueryID:    f.queryID,
		FromState:  from,
		ToState:    to,
		Trigger:    trigger,
		DataHash:   hash,
		Timestamp:  now,
		DurationMs: duration,
	})
	return nil
}

// resolve looks up the destination state for (from, trigger), handling the
// error/timeout wildcards.
func resolve(from domain.WorkflowState, trigger domain.Trigger) (domain.WorkflowState, bool) {
	if trigger == domain.TriggerError || trigger == domain.TriggerTimeout {
		if from.Terminal() {
			return "", false
		}
		return domain.StateErrorFallback, true
	}
	to, ok := transitions[transitionKey{from, trigger}]
	return to, ok
}

// hashTransitionData computes a stable digest over data's sorted keys so
// that two logically-identical payloads always hash identically regardless
// of map iteration order.
func hashTransitionData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, data[k])
	}
	encoded, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	return pkgcrypto.HashString(string(encoded))
}
