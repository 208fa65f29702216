// Package authz enforces role- and policy-based authorization for the
// query-submission, report-read, queue-inspection, breaker-management, and
// admin-shutdown endpoints.
package authz

import (
	"encoding/json"
	"net/http"
	"path"

	"github.com/oriys/orbiq/internal/auth"
	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
	"github.com/oriys/orbiq/internal/tenant"
)

// Authorizer checks whether an identity has the required permission.
type Authorizer struct {
	defaultRole domain.Role
}

// New creates an Authorizer with the given default role, applied to
// identities that carry no explicit policy bindings.
func New(defaultRole domain.Role) *Authorizer {
	if !domain.ValidRole(defaultRole) {
		defaultRole = domain.RoleViewer
	}
	return &Authorizer{defaultRole: defaultRole}
}

// Check verifies that identity holds perm. DENY policies are evaluated
// first. Returns nil if allowed, errForbidden otherwise.
func (a *Authorizer) Check(identity *auth.Identity, perm domain.Permission) error {
	if identity == nil {
		return errForbidden
	}

	policies := identity.Policies
	if len(policies) == 0 {
		policies = []domain.PolicyBinding{{Role: a.defaultRole}}
	}

	// Phase 1: DENY policies win outright.
	for _, pb := range policies {
		if pb.Effect != domain.EffectDeny {
			continue
		}
		if policyGrants(pb, perm) {
			return errForbidden
		}
	}

	// Phase 2: ALLOW policies. Owner bypasses all checks once any binding
	// names it, same as the teacher's admin-bypass idiom.
	for _, pb := range policies {
		if pb.Effect == domain.EffectDeny {
			continue
		}
		if pb.Role == domain.RoleOwner {
			return nil
		}
		if policyGrants(pb, perm) {
			return nil
		}
	}
	return errForbidden
}

// policyGrants reports whether pb's role is permitted perm, either via an
// explicit operations list on the binding or via the role's default
// permission set when the binding names no operations.
func policyGrants(pb domain.PolicyBinding, perm domain.Permission) bool {
	if len(pb.Operations) > 0 {
		for _, op := range pb.Operations {
			if ok, _ := path.Match(string(op), string(perm)); ok {
				return true
			}
		}
		return false
	}
	return pb.Role.Allows(perm)
}

var errForbidden = &forbiddenError{}

type forbiddenError struct{}

func (e *forbiddenError) Error() string { return "forbidden: insufficient permissions" }

// routePermission maps an HTTP method + path prefix to a required
// permission.
type routePermission struct {
	method     string
	prefix     string
	permission domain.Permission
}

var routeTable = []routePermission{
	{"POST", "/v1/query", domain.PermQuerySubmit},
	{"GET", "/v1/reports/", domain.PermReportRead},
	{"GET", "/v1/queue/", domain.PermQueueInspect},
	{"POST", "/v1/admin/breakers/", domain.PermBreakerManage},
	{"POST", "/v1/admin/shutdown", domain.PermAdminShutdown},
}

// resolvePermission determines the required permission for a request.
func resolvePermission(method, path string) domain.Permission {
	for _, rp := range routeTable {
		if rp.method != method {
			continue
		}
		if path == rp.prefix || (len(path) > len(rp.prefix) && path[:len(rp.prefix)] == rp.prefix) {
			return rp.permission
		}
	}
	if method == "GET" || method == "HEAD" {
		return domain.PermReportRead
	}
	return domain.PermQuerySubmit
}

// Middleware returns an HTTP middleware that enforces authorization. It
// assumes the auth middleware has already run: an absent identity is
// treated as a public path and passed through unchecked.
func Middleware(authorizer *Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}

			perm := resolvePermission(r.Method, r.URL.Path)
			scope, _ := tenant.ScopeFromContext(r.Context())

			if err := authorizer.Check(identity, perm); err != nil {
				logging.Op().Warn("authorization denied",
					"subject", identity.Subject,
					"permission", perm,
					"path", r.URL.Path,
					"method", r.Method,
					"tenant_id", scope.TenantID,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "forbidden",
					"message": "insufficient permissions for this operation",
				})
				return
			}

			logging.Op().Debug("authorization granted",
				"subject", identity.Subject,
				"permission", perm,
				"path", r.URL.Path,
				"method", r.Method,
				"tenant_id", scope.TenantID,
			)
			next.ServeHTTP(w, r)
		})
	}
}
