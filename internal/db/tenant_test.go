package db

import (
	"context"
	"testing"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "clinic_a")
	if got := TenantFromContext(ctx); got != "clinic_a" {
		t.Fatalf("expected clinic_a, got %q", got)
	}
	if got := TenantFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty tenant, got %q", got)
	}
}

func TestSchemaFor(t *testing.T) {
	schema, err := SchemaFor("clinic_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema != "tenant_clinic_a" {
		t.Errorf("expected tenant_clinic_a, got %s", schema)
	}

	invalid := []string{"", "a-b", "x; DROP TABLE slots", "tenant.1"}
	for _, v := range invalid {
		if _, err := SchemaFor(v); err == nil {
			t.Errorf("expected %q to be rejected", v)
		}
	}
}
