package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	pkgmw "github.com/threatdesk/threatdesk/pkg/middleware"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/go-chi/chi/v5"
)

const defaultListLimit = 50

// ListConversations returns the caller's conversations within the resolved
// organization, newest first.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	tc := pkgmw.GetTenant(r.Context())

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	conversations, err := h.Store.ListConversations(r.Context(), tc.OrgID, identity.Subject, limit)
	if err != nil {
		h.respondError(w, apperr.Persistence(err))
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, conversations)
}

// GetConversation returns one conversation by ID, scoped to the resolved
// organization and the calling owner. IDs from other organizations or other
// members read as not found.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	tc := pkgmw.GetTenant(r.Context())
	id := chi.URLParam(r, "conversationId")

	conv, err := h.getOwnedConversation(r, tc, identity.Subject, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// getOwnedConversation loads a conversation scoped to organization and owner.
// Ownership mismatches are indistinguishable from missing rows.
func (h *Handlers) getOwnedConversation(r *http.Request, tc *models.TenantContext, subjectID, id string) (*models.Conversation, error) {
	conv, err := h.Store.GetConversation(r.Context(), tc.OrgID, id)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, apperr.NotFound("conversation")
		}
		return nil, apperr.Persistence(err)
	}
	if conv.OwnerSubjectID != subjectID {
		return nil, apperr.NotFound("conversation")
	}
	return conv, nil
}

// ListOrganizations returns every organization the caller belongs to, with
// the membership role and a flag marking the one this request resolved to.
func (h *Handlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	tc := pkgmw.GetTenant(r.Context())

	memberships, err := h.Store.ListMembershipsBySubject(r.Context(), identity.Subject)
	if err != nil {
		h.respondError(w, apperr.Persistence(err))
		return
	}

	type orgWithRole struct {
		models.Organization
		Role      models.Role `json:"role"`
		IsPrimary bool        `json:"is_primary"`
		Active    bool        `json:"active"`
	}

	out := make([]orgWithRole, 0, len(memberships))
	for _, m := range memberships {
		org, err := h.Store.GetOrganization(r.Context(), m.OrganizationID)
		if err != nil {
			h.respondError(w, apperr.Persistence(err))
			return
		}
		out = append(out, orgWithRole{
			Organization: *org,
			Role:         m.Role,
			IsPrimary:    m.IsPrimary,
			Active:       m.OrganizationID == tc.OrgID,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// ListAuditEvents returns the organization's audit trail. Owner and admin
// roles only.
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	tc := pkgmw.GetTenant(r.Context())
	if tc.Role != models.RoleOwner && tc.Role != models.RoleAdmin {
		h.respondError(w, apperr.Forbidden("audit trail requires the owner or admin role"))
		return
	}

	filter := models.AuditFilter{
		OrgID:   tc.OrgID,
		Action:  r.URL.Query().Get("action"),
		Outcome: models.AuditOutcome(r.URL.Query().Get("outcome")),
		Limit:   defaultListLimit,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	events, err := h.Store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		h.respondError(w, apperr.Persistence(err))
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}
