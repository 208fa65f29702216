package domain

import "time"

// Principal is a verified identity created by the Authenticator on stream
// admission. Immutable; its lifetime is one request.
type Principal struct {
	UserID    string         `json:"user_id"`
	Email     string         `json:"email"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// Expired reports whether the principal's token has passed its expiry.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// TenantMembership is a persistent grant of a role to a user within a tenant.
// Only memberships with a non-zero AcceptedAt grant access.
type TenantMembership struct {
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
	Role       Role      `json:"role"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Accepted reports whether the membership has been accepted and therefore
// grants access.
func (m TenantMembership) Accepted() bool {
	return !m.AcceptedAt.IsZero()
}

// FilterScope binds the filter variables for one data-plane operation. It
// MUST NOT be held as a process-wide global; it is created at operation
// entry and torn down at operation completion (see internal/tenant).
type FilterScope struct {
	TenantID string
	UserID   string
}

// Valid reports whether both filter variables are set, per the spec's
// invariant that the repository must refuse any query missing either.
func (s FilterScope) Valid() bool {
	return s.TenantID != "" && s.UserID != ""
}
