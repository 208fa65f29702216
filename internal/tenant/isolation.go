// Package tenant implements the per-request authorization gate and
// data-plane filter scope that keep one tenant's records from ever being
// visible to another. This centralizes the boundary check so every plane
// (HTTP ingress, orchestrator, repository) applies the same rule regardless
// of which endpoint is in play.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/metrics"
)

// Standard sentinel errors for tenant isolation violations.
var (
	// ErrUnauthorized is returned when a principal has no accepted
	// membership for the requested tenant.
	ErrUnauthorized = errors.New("tenant: unauthorized")

	// ErrScopeMismatch is returned by a nested WithScope call whose
	// tenant_id/user_id disagree with the scope already bound on the
	// context.
	ErrScopeMismatch = errors.New("tenant: nested scope mismatch")

	// ErrScopeUnbound is returned by repository-side callers that require
	// a filter scope but find none on the context.
	ErrScopeUnbound = errors.New("tenant: no filter scope bound to context")
)

type scopeContextKey struct{}

// WithScope binds scope to ctx as the active data-plane filter scope. If ctx
// already carries a scope, the call is reentrancy-safe when the values are
// identical and returns ErrScopeMismatch otherwise — it does not silently
// overwrite a different tenant's scope.
func WithScope(ctx context.Context, scope domain.FilterScope) (context.Context, error) {
	if existing, ok := ScopeFromContext(ctx); ok {
		if existing == scope {
			return ctx, nil
		}
		return ctx, fmt.Errorf("%w: bound=%+v requested=%+v", ErrScopeMismatch, existing, scope)
	}
	return context.WithValue(ctx, scopeContextKey{}, scope), nil
}

// ScopeFromContext retrieves the filter scope bound to ctx, if any.
func ScopeFromContext(ctx context.Context) (domain.FilterScope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(domain.FilterScope)
	return scope, ok
}

// RequireScope retrieves the bound filter scope or returns ErrScopeUnbound.
// Repository implementations call this at the top of every tenant-partitioned
// read or write so that a missing scope fails loudly instead of silently
// returning unfiltered data.
func RequireScope(ctx context.Context) (domain.FilterScope, error) {
	scope, ok := ScopeFromContext(ctx)
	if !ok || !scope.Valid() {
		return domain.FilterScope{}, ErrScopeUnbound
	}
	return scope, nil
}

// MembershipStore resolves accepted tenant memberships for a principal. In
// production this is backed by the repository; tests supply an in-memory
// implementation.
type MembershipStore interface {
	Membership(ctx context.Context, userID, tenantID string) (domain.TenantMembership, bool, error)
}

// Gate turns a verified Principal plus a requested tenant identifier into an
// authorized filter scope.
type Gate struct {
	memberships MembershipStore
}

// NewGate creates a Gate backed by the given membership store.
func NewGate(memberships MembershipStore) *Gate {
	return &Gate{memberships: memberships}
}

// Authorize fails with ErrUnauthorized if no accepted membership exists for
// (principal.UserID, requestedTenantID); otherwise it returns the
// membership's role.
func (g *Gate) Authorize(ctx context.Context, principal domain.Principal, requestedTenantID string) (domain.Role, error) {
	membership, ok, err := g.memberships.Membership(ctx, principal.UserID, requestedTenantID)
	if err != nil {
		return "", fmt.Errorf("tenant: membership lookup: %w", err)
	}
	if !ok || !membership.Accepted() {
		metrics.RecordAdmissionResult(requestedTenantID, "denied", "no_accepted_membership")
		return "", ErrUnauthorized
	}
	metrics.RecordAdmissionResult(requestedTenantID, "allowed", "")
	return membership.Role, nil
}

// WithScope runs fn with the per-operation filter scope {tenantID, userID}
// bound to ctx, releasing it on every exit path (fn's return, panic, or
// error). Reentrancy-safe for identical nested scopes; raises
// ErrScopeMismatch for mismatched nested scopes.
func (g *Gate) WithScope(ctx context.Context, tenantID, userID string, fn func(ctx context.Context) error) error {
	scope := domain.FilterScope{TenantID: tenantID, UserID: userID}
	scoped, err := WithScope(ctx, scope)
	if err != nil {
		return err
	}
	return fn(scoped)
}

// inMemoryMemberships is a simple MembershipStore used by tests and by
// deployments small enough not to need a repository round trip per lookup.
type inMemoryMemberships struct {
	mu    sync.RWMutex
	byKey map[string]domain.TenantMembership
}

// NewInMemoryMemberships creates a MembershipStore seeded with memberships.
func NewInMemoryMemberships(memberships ...domain.TenantMembership) MembershipStore {
	m := &inMemoryMemberships{byKey: make(map[string]domain.TenantMembership, len(memberships))}
	for _, mem := range memberships {
		m.byKey[membershipKey(mem.UserID, mem.TenantID)] = mem
	}
	return m
}

func membershipKey(userID, tenantID string) string {
	return userID + "\x00" + tenantID
}

func (m *inMemoryMemberships) Membership(_ context.Context, userID, tenantID string) (domain.TenantMembership, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.byKey[membershipKey(userID, tenantID)]
	return mem, ok, nil
}
