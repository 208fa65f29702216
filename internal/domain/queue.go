package domain

import "time"

// RequestStatus is the lifecycle state of a QueuedRequest.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// QueuedRequest is one unit of work absorbed by the per-tenant request queue
// when the upstream analytics API signals exhaustion.
//
// Invariants: RetryCount <= MaxRetries; once Status is terminal it never
// changes again; Result is set iff Status == completed; Error is set iff
// Status == failed. TTL from insertion is governed by the queue's
// configured result TTL (default 1h).
type QueuedRequest struct {
	RequestID  string         `json:"request_id"`
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	Role       Role           `json:"role"`
	Endpoint   string         `json:"endpoint"`
	Params     map[string]any `json:"params,omitempty"`
	QueuedAt   time.Time      `json:"queued_at"`
	Priority   int            `json:"priority"` // 0..100
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Status     RequestStatus  `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	// IdempotencyKey, when set, lets enqueue dedup a resubmission under
	// reconnect to the same request instead of creating a new one.
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// Score computes the queue ordering score: lower dequeues first. QueuedAt
// contributes as fractional seconds since epoch so that role_adjustment and
// the priority term (both expressed in whole seconds of magnitude) can shift
// ordering meaningfully; ties are broken by insertion order, which the heap
// preserves via a monotonic sequence number kept alongside the score (see
// internal/queue).
func (r QueuedRequest) Score() float64 {
	return float64(r.QueuedAt.UnixMilli())/1000.0 + float64(r.Role.QueueAdjustment()) + float64(-100*r.Priority)
}
