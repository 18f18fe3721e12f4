package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/threatdesk/threatdesk/internal/audit"
	"github.com/threatdesk/threatdesk/internal/tenant"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	pkgmw "github.com/threatdesk/threatdesk/pkg/middleware"

	"github.com/rs/zerolog/log"
)

// HeaderOrgID lets a caller with multiple memberships pin the request to one
// organization. It must match an existing membership; there is no way to
// reach another tenant's data through it.
const HeaderOrgID = "X-Org-Id"

// Tenant resolves the caller's organization scope and stores the resulting
// TenantContext in the request context. Runs after Auth.
type Tenant struct {
	resolver *tenant.Resolver
	audit    *audit.Logger
}

// NewTenant creates the tenant resolution middleware.
func NewTenant(resolver *tenant.Resolver, auditLog *audit.Logger) *Tenant {
	return &Tenant{resolver: resolver, audit: auditLog}
}

// Handler resolves (and on first contact provisions) the caller's tenant.
// Cross-tenant denials are audited; resolution failures short-circuit the
// request before any handler runs.
func (t *Tenant) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := pkgmw.GetIdentity(r.Context())

		requestedOrg := r.Header.Get(HeaderOrgID)
		tc, err := t.resolver.Resolve(r.Context(), identity, requestedOrg)
		if err != nil {
			appErr := apperr.As(err)
			if appErr == nil {
				appErr = apperr.Persistence(err)
			}
			if appErr.Code == apperr.CodeCrossTenantDenied && identity != nil {
				t.audit.Denied(r.Context(), identity.Subject, requestedOrg,
					audit.ActionTenantResolve, appErr.Message)
			}
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("Tenant resolution failed")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(appErr.Status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   appErr.Code,
				"message": appErr.Message,
			})
			return
		}

		ctx := pkgmw.SetTenant(r.Context(), tc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
