package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/orbiq/internal/auth"
	"github.com/oriys/orbiq/internal/circuitbreaker"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
	"github.com/oriys/orbiq/internal/metrics"
	"github.com/oriys/orbiq/internal/orchestrator"
	"github.com/oriys/orbiq/internal/queue"
	"github.com/oriys/orbiq/internal/registrar"
	"github.com/oriys/orbiq/internal/tenant"
)

// queueStatusPollInterval governs how often the queue-position stream
// re-checks the request's state.
const queueStatusPollInterval = 5 * time.Second

// queueStatusCeiling bounds how long a queue-position stream may stay open,
// matching the spec's 600s ceiling for that endpoint.
const queueStatusCeiling = 600 * time.Second

// averageRequestSeconds is the per-request processing time assumed when no
// better estimate is available, used to project eta_seconds from position.
const averageRequestSeconds = 30

// Handler wires the orchestrator, connection registrar, and request queue
// into the HTTP surface.
type Handler struct {
	Gate         *tenant.Gate
	Orchestrator *orchestrator.Orchestrator
	Registrar    *registrar.Registrar
	Queue        *queue.Queue
	Breakers     *circuitbreaker.Registry
}

// RegisterRoutes mounts every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/query", h.SubmitQuery)
	mux.HandleFunc("GET /v1/queue/{request_id}/status", h.QueueStatus)
	mux.HandleFunc("GET /v1/admin/queue/{tenant_id}", h.AdminQueueStats)
	mux.HandleFunc("GET /v1/admin/breakers", h.AdminBreakerSnapshot)
	mux.HandleFunc("POST /v1/admin/breakers/{name}/reset", h.AdminBreakerReset)
	mux.HandleFunc("POST /v1/admin/shutdown", h.AdminShutdown)
	mux.HandleFunc("GET /v1/reports/{report_id}", h.notImplemented)
	mux.HandleFunc("POST /v1/admin/export", h.notImplemented)
	mux.HandleFunc("GET /health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// notImplemented stubs the report-versioning and data-export admin surface,
// which SPEC_FULL.md's Non-goals exclude from this phase.
func (h *Handler) notImplemented(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	json.NewEncoder(w).Encode(map[string]string{"error": "not_implemented"})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

type submitQueryRequest struct {
	Query      string   `json:"query"`
	PropertyID string   `json:"property_id"`
	Dimensions []string `json:"dimensions"`
	Metrics    []string `json:"metrics"`
}

// SubmitQuery handles POST /v1/query. It runs a pre-flight authorization
// check so auth/tenant/shutdown failures are returned as plain HTTP
// responses before any Server-Sent Events header is written, then drives
// the orchestrator and streams its event sequence. orchestrator.Run keeps
// its own internal Gate.Authorize call as defense-in-depth; the check here
// exists only to produce a clean status code before the stream opens.
func (h *Handler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	principal, ok := principalFromIdentity(identity)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
		return
	}

	tenantID, ok := tenantFromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing_tenant", "X-Tenant-Context header is required")
		return
	}

	if h.Registrar.IsShuttingDown() {
		w.Header().Set("Retry-After", "30")
		writeJSONError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}

	if _, err := h.Gate.Authorize(r.Context(), principal, tenantID); err != nil {
		writeJSONError(w, http.StatusForbidden, "forbidden", "not authorized for this tenant")
		return
	}

	var body submitQueryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
			return
		}
	}
	if strings.TrimSpace(body.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "server cannot stream this response")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	shutdownSignal := make(chan domain.ShutdownNotice, 1)
	queryID := uuid.NewString()
	connInfo := &domain.ConnectionInfo{
		ConnectionID:   uuid.NewString(),
		TenantID:       tenantID,
		Endpoint:       "/v1/query",
		OpenedAt:       time.Now(),
		ShutdownSignal: shutdownSignal,
	}

	req := orchestrator.Request{
		Principal:      principal,
		TenantID:       tenantID,
		QueryID:        queryID,
		Query:          body.Query,
		PropertyID:     body.PropertyID,
		Dimensions:     body.Dimensions,
		Metrics:        body.Metrics,
		ShutdownSignal: shutdownSignal,
	}

	emit := func(e orchestrator.Event) {
		encoded, err := json.Marshal(e)
		if err != nil {
			logging.Op().Error("failed to encode event", "error", err.Error())
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, encoded)
		flusher.Flush()
	}

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	err := h.Registrar.Track(r.Context(), connInfo, func(ctx context.Context) error {
		h.Orchestrator.Run(ctx, req, emit)
		return nil
	})
	if err == registrar.ErrShuttingDown {
		emit(orchestrator.Event{Kind: orchestrator.EventShutdown, Message: "server is shutting down", ReconnectDelaySeconds: 30})
	}
}

// QueueStatus handles GET /v1/queue/{request_id}/status, polling the
// request queue and streaming a queue_status event until the request
// reaches a terminal status or the stream's ceiling elapses.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_request_id", "request_id path segment is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "server cannot stream this response")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deadline := time.Now().Add(queueStatusCeiling)
	ticker := time.NewTicker(queueStatusPollInterval)
	defer ticker.Stop()

	for {
		rec, ok := h.Queue.Status(requestID)
		if !ok {
			fmt.Fprintf(w, "event: error\ndata: {\"message\":\"unknown request_id\"}\n\n")
			flusher.Flush()
			return
		}

		position := h.Queue.QueuePosition(requestID)
		etaSeconds := 0
		if position > 0 {
			etaSeconds = position * averageRequestSeconds
		}
		message := queueStatusMessage(rec.Status, position, etaSeconds)
		if rec.Error != "" {
			message = rec.Error
		}
		payload := map[string]any{
			"request_id":  requestID,
			"position":    position,
			"total_queue": h.Queue.QueueLength(rec.TenantID),
			"eta_seconds": etaSeconds,
			"status":      rec.Status,
			"message":     message,
			"timestamp":   time.Now().UTC(),
		}
		encoded, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: queue_status\ndata: %s\n\n", encoded)
		flusher.Flush()

		if rec.Status.Terminal() {
			return
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(w, "event: error\ndata: {\"message\":\"queue status stream ceiling reached\"}\n\n")
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// queueStatusMessage renders a human-readable status line for the
// queue_status SSE payload, mirroring the eta formatting rules of the
// reference queue tracker.
func queueStatusMessage(status domain.RequestStatus, position, etaSeconds int) string {
	switch status {
	case domain.RequestCompleted:
		return "Request completed successfully"
	case domain.RequestFailed:
		return "Request failed"
	case domain.RequestProcessing:
		return "Processing your request..."
	case domain.RequestQueued:
		switch {
		case position <= 0:
			return "Request not in queue"
		case position == 1:
			return "Next in queue - processing shortly"
		default:
			return fmt.Sprintf("Position %d in queue - estimated wait: %s", position, formatETA(etaSeconds))
		}
	default:
		return "Unknown status"
	}
}

// formatETA renders a second count as a short human-readable duration.
func formatETA(etaSeconds int) string {
	switch {
	case etaSeconds < 60:
		return fmt.Sprintf("%d seconds", etaSeconds)
	case etaSeconds < 3600:
		minutes := etaSeconds / 60
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	default:
		hours := etaSeconds / 3600
		minutes := (etaSeconds % 3600) / 60
		hourWord := "hours"
		if hours == 1 {
			hourWord = "hour"
		}
		return fmt.Sprintf("%d %s %d minutes", hours, hourWord, minutes)
	}
}

// AdminQueueStats handles GET /v1/admin/queue/{tenant_id}, reporting the
// tenant's current queue depth for the orbiq queue-inspect CLI.
func (h *Handler) AdminQueueStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenant_id":    tenantID,
		"queue_length": h.Queue.QueueLength(tenantID),
	})
}

// AdminBreakerSnapshot handles GET /v1/admin/breakers, reporting every
// registered breaker's state and counters.
func (h *Handler) AdminBreakerSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Breakers.Snapshot())
}

// AdminBreakerReset handles POST /v1/admin/breakers/{name}/reset, forcing a
// tripped breaker back to Closed. Intended for operator intervention once
// the underlying upstream issue has been confirmed resolved.
func (h *Handler) AdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h.Breakers.Get(name).Reset()
	logging.Op().Info("breaker reset via admin API", "name", name, "remote_addr", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"name": name, "reset": true})
}

// AdminShutdown handles POST /v1/admin/shutdown. It is intended to be
// reached only from localhost or via the authz admin:shutdown permission;
// authz.Middleware already enforces the latter when auth is enabled.
func (h *Handler) AdminShutdown(w http.ResponseWriter, r *http.Request) {
	graceSeconds := 20
	if v := strings.TrimSpace(r.URL.Query().Get("grace_seconds")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			graceSeconds = parsed
		}
	}

	logging.Op().Info("admin shutdown requested", "grace_seconds", graceSeconds, "remote_addr", r.RemoteAddr)
	drained := h.Registrar.InitiateShutdown(graceSeconds)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"drained":       drained,
		"grace_seconds": graceSeconds,
	})
}
