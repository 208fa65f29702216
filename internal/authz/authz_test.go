package authz

import (
	"testing"

	"github.com/oriys/orbiq/internal/auth"
	"github.com/oriys/orbiq/internal/domain"
)

func TestCheckDefaultRolePermissions(t *testing.T) {
	tests := []struct {
		name     string
		identity *auth.Identity
		perm     domain.Permission
		wantErr  bool
	}{
		{
			name:     "viewer may read reports",
			identity: &auth.Identity{Subject: "user:v1", Policies: []domain.PolicyBinding{{Role: domain.RoleViewer}}},
			perm:     domain.PermReportRead,
			wantErr:  false,
		},
		{
			name:     "viewer may not submit queries",
			identity: &auth.Identity{Subject: "user:v1", Policies: []domain.PolicyBinding{{Role: domain.RoleViewer}}},
			perm:     domain.PermQuerySubmit,
			wantErr:  true,
		},
		{
			name:     "member may submit queries",
			identity: &auth.Identity{Subject: "user:m1", Policies: []domain.PolicyBinding{{Role: domain.RoleMember}}},
			perm:     domain.PermQuerySubmit,
			wantErr:  false,
		},
		{
			name:     "member may not manage breakers",
			identity: &auth.Identity{Subject: "user:m1", Policies: []domain.PolicyBinding{{Role: domain.RoleMember}}},
			perm:     domain.PermBreakerManage,
			wantErr:  true,
		},
		{
			name:     "admin may manage breakers",
			identity: &auth.Identity{Subject: "user:a1", Policies: []domain.PolicyBinding{{Role: domain.RoleAdmin}}},
			perm:     domain.PermBreakerManage,
			wantErr:  false,
		},
		{
			name:     "admin may not shut down the service",
			identity: &auth.Identity{Subject: "user:a1", Policies: []domain.PolicyBinding{{Role: domain.RoleAdmin}}},
			perm:     domain.PermAdminShutdown,
			wantErr:  true,
		},
		{
			name:     "owner bypasses all checks",
			identity: &auth.Identity{Subject: "user:o1", Policies: []domain.PolicyBinding{{Role: domain.RoleOwner}}},
			perm:     domain.PermAdminShutdown,
			wantErr:  false,
		},
		{
			name:     "nil identity denied",
			identity: nil,
			perm:     domain.PermReportRead,
			wantErr:  true,
		},
	}

	az := New(domain.RoleViewer)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := az.Check(tt.identity, tt.perm)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckDenyPolicyTakesPrecedence(t *testing.T) {
	az := New(domain.RoleViewer)
	identity := &auth.Identity{
		Subject: "user:a1",
		Policies: []domain.PolicyBinding{
			{Role: domain.RoleAdmin, Effect: domain.EffectDeny, Operations: []domain.Permission{domain.PermBreakerManage}},
			{Role: domain.RoleAdmin},
		},
	}
	if err := az.Check(identity, domain.PermBreakerManage); err == nil {
		t.Fatal("expected deny policy to take precedence over the allow policy")
	}
	if err := az.Check(identity, domain.PermReportRead); err != nil {
		t.Fatalf("expected unrelated permission to still be allowed, got %v", err)
	}
}

func TestCheckExplicitOperationsListRestrictsRole(t *testing.T) {
	az := New(domain.RoleViewer)
	identity := &auth.Identity{
		Subject: "apikey:scoped",
		Policies: []domain.PolicyBinding{
			{Role: domain.RoleAdmin, Operations: []domain.Permission{domain.PermReportRead}},
		},
	}
	if err := az.Check(identity, domain.PermReportRead); err != nil {
		t.Fatalf("expected listed operation to be allowed, got %v", err)
	}
	if err := az.Check(identity, domain.PermBreakerManage); err == nil {
		t.Fatal("expected un-listed operation to be denied despite admin role")
	}
}

func TestResolvePermission(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   domain.Permission
	}{
		{"POST", "/v1/query", domain.PermQuerySubmit},
		{"GET", "/v1/reports/abc", domain.PermReportRead},
		{"GET", "/v1/queue/status", domain.PermQueueInspect},
		{"POST", "/v1/admin/breakers/analytics/reset", domain.PermBreakerManage},
		{"POST", "/v1/admin/shutdown", domain.PermAdminShutdown},
		{"GET", "/v1/unlisted", domain.PermReportRead},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got := resolvePermission(tt.method, tt.path)
			if got != tt.want {
				t.Errorf("resolvePermission(%q, %q) = %q, want %q", tt.method, tt.path, got, tt.want)
			}
		})
	}
}
