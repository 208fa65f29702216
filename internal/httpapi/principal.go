// Package httpapi exposes the orchestrator over HTTP: a query-submission
// endpoint that streams progress as Server-Sent Events, a queue-position
// stream, and the admin shutdown trigger. It composes the same
// observability/ratelimit/authz/auth middleware stack the teacher's data
// plane uses, layered over a fixed, small route set instead of per-function
// routing.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/oriys/orbiq/internal/auth"
	"github.com/oriys/orbiq/internal/domain"
)

// TenantHeader carries the tenant the caller wants to operate within.
const TenantHeader = "X-Tenant-Context"

// principalFromIdentity derives a domain.Principal from an authenticated
// auth.Identity. JWT identities carry "user:<id>"; API key identities
// carry "apikey:<name>" and are treated as acting on behalf of that key's
// name, since the spec has no separate machine-principal concept.
func principalFromIdentity(id *auth.Identity) (domain.Principal, bool) {
	if id == nil {
		return domain.Principal{}, false
	}
	switch {
	case strings.HasPrefix(id.Subject, "user:"):
		return domain.Principal{UserID: strings.TrimPrefix(id.Subject, "user:")}, true
	case strings.HasPrefix(id.Subject, "apikey:"):
		return domain.Principal{UserID: strings.TrimPrefix(id.Subject, "apikey:")}, true
	default:
		return domain.Principal{}, false
	}
}

// tenantFromRequest reads the required tenant-context header, trimmed.
func tenantFromRequest(r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
	return tenantID, tenantID != ""
}
