package db

import (
	"context"
	"fmt"
	"regexp"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenant reports whether id can be used to build a schema name.
func ValidTenant(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// WithTenant scopes ctx to a clinic. Every engine call runs inside exactly
// one tenant scope.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantIDKey).(string)
	return tid
}

// SchemaFor returns the Postgres schema that holds a tenant's tables.
func SchemaFor(tenantID string) (string, error) {
	if !ValidTenant(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}
