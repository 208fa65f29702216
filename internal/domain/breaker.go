package domain

import "time"

// BreakerState is the three-state failure counter for one worker name.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerSnapshot is a read-only view of one breaker's counters, returned by
// stats(). Invariant: state=OPEN implies OpenedAt is set; state=CLOSED
// implies FailureCount=0 after a success.
type BreakerSnapshot struct {
	Name               string       `json:"name"`
	State              BreakerState `json:"state"`
	FailureCount       int          `json:"current_failure_count"`
	SuccessCount       int          `json:"success_count"` // half-open probe successes
	TotalRequests      int64        `json:"total_requests"`
	TotalSuccesses     int64        `json:"total_successes"`
	TotalFailures      int64        `json:"total_failures"`
	CircuitBlockedCount int64       `json:"circuit_blocked_count"`
	FailureRate        float64      `json:"failure_rate"`
	OpenedAt           time.Time    `json:"opened_at,omitempty"`
	LastFailureAt      time.Time    `json:"last_failure_at,omitempty"`
}
