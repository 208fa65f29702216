package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/orbiq/internal/auth"
	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/queue"
	"github.com/oriys/orbiq/internal/registrar"
	"github.com/oriys/orbiq/internal/tenant"
)

func newHandler(t *testing.T, memberships ...domain.TenantMembership) *Handler {
	t.Helper()
	gate := tenant.NewGate(tenant.NewInMemoryMemberships(memberships...))
	return &Handler{
		Gate:      gate,
		Registrar: registrar.New(),
		Queue:     queue.New(queue.DefaultConfig(), nil, nil),
		Breakers:  circuitbreaker.NewRegistry(circuitbreaker.Config{}),
	}
}

func withIdentity(r *http.Request, subject string) *http.Request {
	return r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{Subject: subject}))
}

func TestSubmitQueryMissingIdentityReturns401(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	rec := httptest.NewRecorder()

	h.SubmitQuery(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubmitQueryMissingTenantHeaderReturns400(t *testing.T) {
	h := newHandler(t)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/v1/query", nil), "user:u1")
	rec := httptest.NewRecorder()

	h.SubmitQuery(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitQueryUnauthorizedTenantReturns403(t *testing.T) {
	h := newHandler(t)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/v1/query", nil), "user:u1")
	req.Header.Set(TenantHeader, "t1")
	rec := httptest.NewRecorder()

	h.SubmitQuery(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSubmitQueryShuttingDownReturns503WithRetryAfter(t *testing.T) {
	h := newHandler(t, domain.TenantMembership{UserID: "u1", TenantID: "t1", Role: domain.RoleMember, AcceptedAt: time.Now()})
	h.Registrar.InitiateShutdown(0)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/v1/query", nil), "user:u1")
	req.Header.Set(TenantHeader, "t1")
	rec := httptest.NewRecorder()

	h.SubmitQuery(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After: 30, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestQueueStatusUnknownRequestEmitsErrorEvent(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue/unknown/status", nil)
	req.SetPathValue("request_id", "unknown")
	rec := httptest.NewRecorder()

	h.QueueStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected the SSE stream to open with 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "event: error") {
		t.Fatalf("expected an error event for an unknown request_id, got %q", body)
	}
}

func TestQueueStatusStaysOpenWhileRequestIsPending(t *testing.T) {
	h := newHandler(t)
	requestID, err := h.Queue.Enqueue(context.Background(), "t1", "u1", domain.RoleMember, "analytics", map[string]any{}, 0, "")
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/"+requestID+"/status", nil)
	req.SetPathValue("request_id", requestID)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	h.QueueStatus(rec, req)

	if !strings.Contains(rec.Body.String(), "event: queue_status") {
		t.Fatalf("expected at least one queue_status event, got %q", rec.Body.String())
	}
}

func TestAdminShutdownReturnsAccepted(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/shutdown?grace_seconds=0", nil)
	rec := httptest.NewRecorder()

	h.AdminShutdown(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("expected a JSON body: %v", err)
	}
	if _, ok := body["drained"]; !ok {
		t.Fatal("expected a drained field in the response")
	}
	if !h.Registrar.IsShuttingDown() {
		t.Fatal("expected the registrar to be in shutdown state")
	}
}

func TestAdminQueueStatsReportsDepth(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/queue/tenant-a", nil)
	req.SetPathValue("tenant_id", "tenant-a")
	rec := httptest.NewRecorder()

	h.AdminQueueStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("expected a JSON body: %v", err)
	}
	if body["tenant_id"] != "tenant-a" {
		t.Fatalf("expected tenant_id tenant-a, got %v", body["tenant_id"])
	}
	if _, ok := body["queue_length"]; !ok {
		t.Fatal("expected a queue_length field in the response")
	}
}

func TestAdminBreakerSnapshotReportsRegisteredBreakers(t *testing.T) {
	h := newHandler(t)
	h.Breakers.Get("analytics-fetch").RecordFailure()

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/breakers", nil)
	rec := httptest.NewRecorder()

	h.AdminBreakerSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snapshot map[string]domain.BreakerSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatalf("expected a JSON body: %v", err)
	}
	b, ok := snapshot["analytics-fetch"]
	if !ok {
		t.Fatal("expected the analytics-fetch breaker in the snapshot")
	}
	if b.TotalFailures != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", b.TotalFailures)
	}
}

func TestAdminBreakerResetClearsFailureCount(t *testing.T) {
	h := newHandler(t)
	h.Breakers.Get("analytics-fetch").RecordFailure()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/breakers/analytics-fetch/reset", nil)
	req.SetPathValue("name", "analytics-fetch")
	rec := httptest.NewRecorder()

	h.AdminBreakerReset(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.Breakers.Get("analytics-fetch").Stats().FailureCount != 0 {
		t.Fatal("expected breaker reset to clear the failure count")
	}
}
