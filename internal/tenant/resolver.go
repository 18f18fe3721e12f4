// Package tenant maps a verified identity to an organization scope.
//
// Resolution order:
//  1. An explicitly requested organization must match an existing membership
//     exactly; otherwise the request is denied with zero writes. This holds
//     for first-seen identities too: naming an org never provisions one.
//  2. No memberships → auto-provision a default organization plus an owner
//     membership (first-seen identity).
//  3. Otherwise the membership flagged primary wins, falling back to the
//     earliest-joined one.
package tenant

import (
	"context"
	"strings"
	"time"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	"github.com/threatdesk/threatdesk/pkg/contracts"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Resolver derives the request-scoped TenantContext for an identity.
type Resolver struct {
	store store.Store
}

// NewResolver creates a tenant resolver backed by the given store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve maps an identity to its organization context.
// requestedOrgID is optional; when set it must match one of the subject's
// memberships. At most one organization+membership pair is created per call,
// and only on the zero-memberships path.
func (r *Resolver) Resolve(ctx context.Context, identity *contracts.Identity, requestedOrgID string) (*models.TenantContext, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	memberships, err := r.store.ListMembershipsBySubject(ctx, identity.Subject)
	if err != nil {
		return nil, apperr.Persistence(err)
	}

	// An explicitly requested organization is checked before anything else.
	// A first-seen identity naming an org it does not belong to is denied
	// here, ahead of the provisioning branch, so denial performs zero writes.
	if requestedOrgID != "" {
		for i := range memberships {
			if memberships[i].OrganizationID == requestedOrgID {
				return r.contextFor(ctx, &memberships[i])
			}
		}
		return nil, apperr.CrossTenantDenied(requestedOrgID)
	}

	if len(memberships) == 0 {
		return r.provision(ctx, identity)
	}

	// Primary membership wins; the store returns memberships ordered by
	// JoinedAt ascending, so index 0 is the deterministic fallback.
	selected := &memberships[0]
	for i := range memberships {
		if memberships[i].IsPrimary {
			selected = &memberships[i]
			break
		}
	}

	return r.contextFor(ctx, selected)
}

// provision creates a default organization and owner membership for a
// first-seen identity. Concurrent first calls are resolved by the store's
// one-primary-per-subject constraint; the loser adopts the winner's rows.
func (r *Resolver) provision(ctx context.Context, identity *contracts.Identity) (*models.TenantContext, error) {
	now := time.Now().UTC()
	org := &models.Organization{
		ID:        uuid.New().String(),
		Name:      defaultOrgName(identity),
		Domain:    emailDomain(identity.Email),
		Tier:      models.OrgTierFree,
		Status:    models.OrgStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	membership := &models.Membership{
		OrganizationID: org.ID,
		SubjectID:      identity.Subject,
		Role:           models.RoleOwner,
		IsPrimary:      true,
		JoinedAt:       now,
	}

	winner, err := r.store.ProvisionDefault(ctx, org, membership)
	if err != nil {
		return nil, apperr.Provisioning(err)
	}

	log.Info().
		Str("subject", identity.Subject).
		Str("org", winner.OrganizationID).
		Bool("created", winner.OrganizationID == org.ID).
		Msg("Default organization resolved for first-seen identity")

	return r.contextFor(ctx, winner)
}

// contextFor loads the organization and assembles the TenantContext.
func (r *Resolver) contextFor(ctx context.Context, m *models.Membership) (*models.TenantContext, error) {
	org, err := r.store.GetOrganization(ctx, m.OrganizationID)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return &models.TenantContext{
		OrgID:     org.ID,
		Role:      m.Role,
		OrgName:   org.Name,
		OrgTier:   org.Tier,
		IsPrimary: m.IsPrimary,
	}, nil
}

func validIdentity(identity *contracts.Identity) error {
	if identity == nil || identity.Subject == "" {
		return apperr.Unauthenticated("cannot resolve tenant without an identity")
	}
	return nil
}

// defaultOrgName derives the auto-provisioned organization name from the
// display name, falling back to the email local-part, then the username.
func defaultOrgName(identity *contracts.Identity) string {
	if identity.DisplayName != "" {
		return identity.DisplayName
	}
	if identity.Email != "" {
		if local, _, found := strings.Cut(identity.Email, "@"); found && local != "" {
			return local
		}
	}
	if identity.Username != "" {
		return identity.Username
	}
	return "org-" + shortID(identity.Subject)
}

func emailDomain(email string) string {
	if _, domain, found := strings.Cut(email, "@"); found {
		return domain
	}
	return ""
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
