package middleware

import (
	"context"

	"github.com/threatdesk/threatdesk/pkg/models"
)

const tenantKey contextKey = "tenant"

// SetTenant stores the resolved tenant context.
// Called by the chat/conversation handlers after tenant resolution.
func SetTenant(ctx context.Context, tc *models.TenantContext) context.Context {
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, tenantKey, tc)
}

// GetTenant retrieves the resolved tenant context.
// Returns nil if tenant resolution has not run for this request.
func GetTenant(ctx context.Context) *models.TenantContext {
	if v, ok := ctx.Value(tenantKey).(*models.TenantContext); ok {
		return v
	}
	return nil
}
