package auth

import (
	"github.com/threatdesk/threatdesk/pkg/apperr"
	"github.com/threatdesk/threatdesk/pkg/contracts"
	"github.com/threatdesk/threatdesk/pkg/models"
)

// RequireAuthenticated fails with an Unauthenticated error when no identity
// was extracted for the request. Pure check, no side effects.
func RequireAuthenticated(identity *contracts.Identity) error {
	if identity == nil || identity.Subject == "" {
		return apperr.Unauthenticated("request has no verified identity")
	}
	return nil
}

// RequireTenant fails with a NoTenant error when tenant resolution did not
// produce an organization scope. Pure check, no side effects.
func RequireTenant(tc *models.TenantContext) error {
	if tc == nil || tc.OrgID == "" {
		return apperr.NoTenant("request has no organization context")
	}
	return nil
}
