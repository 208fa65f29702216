package tenant

import "testing"

type citation struct {
	TenantID string `json:"tenant_id"`
	Value    string
}

type report struct {
	TenantID  string
	Citations []citation
}

func TestValidatorFlagsCrossTenantLeak(t *testing.T) {
	v := NewValidator()
	r := report{
		TenantID: "t1",
		Citations: []citation{
			{TenantID: "t1", Value: "ok"},
			{TenantID: "t2", Value: "leaked"},
		},
	}

	result := v.Validate("t1", r)
	if result.Clean() {
		t.Fatal("expected a violation for the t2 citation")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected exactly 1 violation, got %d: %+v", len(result.Violations), result.Violations)
	}
	if result.Violations[0].Value != "t2" {
		t.Fatalf("expected violation value t2, got %s", result.Violations[0].Value)
	}
}

func TestValidatorCleanPayloadHasNoViolations(t *testing.T) {
	v := NewValidator()
	r := report{
		TenantID: "t1",
		Citations: []citation{
			{TenantID: "t1", Value: "ok"},
			{TenantID: "t1", Value: "also ok"},
		},
	}

	result := v.Validate("t1", r)
	if !result.Clean() {
		t.Fatalf("expected no violations, got %+v", result.Violations)
	}
	if result.FieldsChecked == 0 {
		t.Fatal("expected at least one tenant_id-shaped field to be checked")
	}
}

func TestValidatorWalksMaps(t *testing.T) {
	v := NewValidator()
	payload := map[string]any{
		"tenant_id": "t1",
		"nested": map[string]any{
			"tenant_id": "t2",
		},
	}

	result := v.Validate("t1", payload)
	if result.Clean() {
		t.Fatal("expected a violation from the nested map's tenant_id")
	}
}
