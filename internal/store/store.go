// Package store provides the storage interface and implementations for the
// ThreatDesk control plane. All handler and resolver code depends on this
// interface, making it easy to swap between in-memory (tests, local dev) and
// PostgreSQL (production) implementations.
package store

import (
	"context"
	"time"

	"github.com/threatdesk/threatdesk/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	OrganizationStore
	MembershipStore
	ConversationStore
	AuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate applies schema migrations (no-op for the in-memory store).
	Migrate(ctx context.Context) error
}

// ── Organization Store ──────────────────────────────────────

type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error

	// ListOrganizations returns all organizations, oldest first.
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
}

// ── Membership Store ────────────────────────────────────────

type MembershipStore interface {
	// ListMembershipsBySubject returns every membership a subject holds,
	// ordered by JoinedAt ascending.
	ListMembershipsBySubject(ctx context.Context, subjectID string) ([]models.Membership, error)

	GetMembership(ctx context.Context, orgID, subjectID string) (*models.Membership, error)
	CreateMembership(ctx context.Context, m *models.Membership) error

	// ProvisionDefault atomically creates an organization and its owner
	// membership for a first-seen subject. If a concurrent call already
	// provisioned the subject (detected via the one-primary-per-subject
	// constraint), the existing primary membership is returned instead and
	// no rows are written.
	ProvisionDefault(ctx context.Context, org *models.Organization, m *models.Membership) (*models.Membership, error)
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	// GetConversation returns a conversation only if it belongs to orgID.
	GetConversation(ctx context.Context, orgID, id string) (*models.Conversation, error)

	// ListConversations returns conversations for an organization, optionally
	// restricted to one owner subject, newest first.
	ListConversations(ctx context.Context, orgID, ownerSubjectID string, limit int) ([]models.Conversation, error)

	CreateConversation(ctx context.Context, c *models.Conversation) error

	// AppendTurns appends turns to an existing conversation and merges
	// metadata, returning the updated conversation.
	AppendTurns(ctx context.Context, orgID, id string, turns []models.Turn, metadata map[string]interface{}) (*models.Conversation, error)

	// PurgeConversations deletes conversations last updated before the cutoff
	// and returns how many were removed.
	PurgeConversations(ctx context.Context, orgID string, before time.Time) (int, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEvent persists an audit event.
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns filtered audit events, newest first.
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)

	// PurgeAuditEvents deletes audit events recorded before the cutoff and
	// returns how many were removed.
	PurgeAuditEvents(ctx context.Context, orgID string, before time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist
// (or is not visible within the caller's organization scope).
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
