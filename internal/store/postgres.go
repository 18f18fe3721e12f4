package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schema is applied by Migrate. The partial unique index on
// memberships(subject_id) is what makes concurrent first-call provisioning
// safe: only one transaction can insert a primary membership for a subject.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL DEFAULT '',
	tier       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	subject_id      TEXT NOT NULL,
	role            TEXT NOT NULL,
	is_primary      BOOLEAN NOT NULL DEFAULT FALSE,
	joined_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (organization_id, subject_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS memberships_one_primary
	ON memberships (subject_id) WHERE is_primary;

CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	organization_id  TEXT NOT NULL REFERENCES organizations(id),
	owner_subject_id TEXT NOT NULL DEFAULT '',
	messages         JSONB NOT NULL DEFAULT '[]',
	metadata         JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_org_idx
	ON conversations (organization_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	actor_id      TEXT NOT NULL,
	org_id        TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL,
	metadata      JSONB,
	occurred_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_events_org_idx
	ON audit_events (org_id, occurred_at DESC);
`

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and returns a ready store.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// ── Organization Store ──────────────────────────────────────

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	const query = `
		SELECT id, name, domain, tier, status, created_at, updated_at
		FROM organizations WHERE id = $1`

	var org models.Organization
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&org.ID, &org.Name, &org.Domain, &org.Tier, &org.Status,
		&org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "organization", Key: id}
		}
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	const query = `
		INSERT INTO organizations (id, name, domain, tier, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		org.ID, org.Name, org.Domain, org.Tier, org.Status, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	const query = `
		SELECT id, name, domain, tier, status, created_at, updated_at
		FROM organizations ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var result []models.Organization
	for rows.Next() {
		var org models.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Domain, &org.Tier, &org.Status,
			&org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		result = append(result, org)
	}
	return result, rows.Err()
}

// ── Membership Store ────────────────────────────────────────

func (s *PostgresStore) ListMembershipsBySubject(ctx context.Context, subjectID string) ([]models.Membership, error) {
	const query = `
		SELECT organization_id, subject_id, role, is_primary, joined_at
		FROM memberships WHERE subject_id = $1 ORDER BY joined_at ASC`

	rows, err := s.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var result []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.OrganizationID, &m.SubjectID, &m.Role, &m.IsPrimary, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetMembership(ctx context.Context, orgID, subjectID string) (*models.Membership, error) {
	const query = `
		SELECT organization_id, subject_id, role, is_primary, joined_at
		FROM memberships WHERE organization_id = $1 AND subject_id = $2`

	var m models.Membership
	err := s.pool.QueryRow(ctx, query, orgID, subjectID).Scan(
		&m.OrganizationID, &m.SubjectID, &m.Role, &m.IsPrimary, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "membership", Key: orgID + ":" + subjectID}
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) CreateMembership(ctx context.Context, m *models.Membership) error {
	const query = `
		INSERT INTO memberships (organization_id, subject_id, role, is_primary, joined_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query, m.OrganizationID, m.SubjectID, m.Role, m.IsPrimary, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProvisionDefault(ctx context.Context, org *models.Organization, m *models.Membership) (*models.Membership, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin provision tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO organizations (id, name, domain, tier, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, org.Domain, org.Tier, org.Status, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("provision organization: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memberships (organization_id, subject_id, role, is_primary, joined_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.OrganizationID, m.SubjectID, m.Role, m.IsPrimary, m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent request won the provisioning race. Abandon our
			// writes and return the winner's membership.
			_ = tx.Rollback(ctx)
			log.Debug().Str("subject", m.SubjectID).Msg("Provisioning race lost, reusing existing membership")
			return s.primaryMembership(ctx, m.SubjectID)
		}
		return nil, fmt.Errorf("provision membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit provision tx: %w", err)
	}

	cp := *m
	return &cp, nil
}

// primaryMembership returns the subject's primary membership, falling back to
// the earliest-joined one.
func (s *PostgresStore) primaryMembership(ctx context.Context, subjectID string) (*models.Membership, error) {
	const query = `
		SELECT organization_id, subject_id, role, is_primary, joined_at
		FROM memberships WHERE subject_id = $1
		ORDER BY is_primary DESC, joined_at ASC LIMIT 1`

	var m models.Membership
	err := s.pool.QueryRow(ctx, query, subjectID).Scan(
		&m.OrganizationID, &m.SubjectID, &m.Role, &m.IsPrimary, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "membership", Key: subjectID}
		}
		return nil, fmt.Errorf("load primary membership: %w", err)
	}
	return &m, nil
}

// ── Conversation Store ──────────────────────────────────────

func (s *PostgresStore) GetConversation(ctx context.Context, orgID, id string) (*models.Conversation, error) {
	const query = `
		SELECT id, organization_id, owner_subject_id, messages, metadata, created_at, updated_at
		FROM conversations WHERE organization_id = $1 AND id = $2`

	return s.scanConversation(s.pool.QueryRow(ctx, query, orgID, id), id)
}

func (s *PostgresStore) ListConversations(ctx context.Context, orgID, ownerSubjectID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, organization_id, owner_subject_id, messages, metadata, created_at, updated_at
		FROM conversations
		WHERE organization_id = $1 AND ($2 = '' OR owner_subject_id = $2)
		ORDER BY updated_at DESC LIMIT $3`

	rows, err := s.pool.Query(ctx, query, orgID, ownerSubjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []models.Conversation
	for rows.Next() {
		c, err := s.scanConversation(rows, "")
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	var metadata []byte
	if c.Metadata != nil {
		if metadata, err = json.Marshal(c.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO conversations (id, organization_id, owner_subject_id, messages, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, query,
		c.ID, c.OrganizationID, c.OwnerSubjectID, messages, metadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTurns(ctx context.Context, orgID, id string, turns []models.Turn, metadata map[string]interface{}) (*models.Conversation, error) {
	newTurns, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("marshal turns: %w", err)
	}
	var meta []byte
	if metadata != nil {
		if meta, err = json.Marshal(metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	// Append and merge in one statement so concurrent appends do not lose turns.
	const query = `
		UPDATE conversations
		SET messages = messages || $3::jsonb,
		    metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
		    updated_at = $5
		WHERE organization_id = $1 AND id = $2
		RETURNING id, organization_id, owner_subject_id, messages, metadata, created_at, updated_at`

	return s.scanConversation(s.pool.QueryRow(ctx, query, orgID, id, newTurns, meta, time.Now().UTC()), id)
}

// scanConversation reads one conversation row, decoding the JSONB columns.
func (s *PostgresStore) scanConversation(row pgx.Row, key string) (*models.Conversation, error) {
	var c models.Conversation
	var messages, metadata []byte
	err := row.Scan(&c.ID, &c.OrganizationID, &c.OwnerSubjectID, &messages, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "conversation", Key: key}
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) PurgeConversations(ctx context.Context, orgID string, before time.Time) (int, error) {
	const query = `DELETE FROM conversations WHERE organization_id = $1 AND updated_at < $2`

	tag, err := s.pool.Exec(ctx, query, orgID, before)
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	var metadata []byte
	var err error
	if event.Metadata != nil {
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO audit_events (id, actor_id, org_id, action, resource_type, resource_id, outcome, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.pool.Exec(ctx, query,
		event.ID, event.ActorID, event.OrgID, event.Action, event.ResourceType,
		event.ResourceID, event.Outcome, metadata, event.Timestamp)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, actor_id, org_id, action, resource_type, resource_id, outcome, metadata, occurred_at
		FROM audit_events
		WHERE ($1 = '' OR org_id = $1)
		  AND ($2 = '' OR actor_id = $2)
		  AND ($3 = '' OR action = $3)
		  AND ($4 = '' OR outcome = $4)
		  AND ($5::timestamptz IS NULL OR occurred_at >= $5)
		ORDER BY occurred_at DESC LIMIT $6`

	rows, err := s.pool.Query(ctx, query,
		filter.OrgID, filter.ActorID, filter.Action, string(filter.Outcome), filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var result []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.OrgID, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.Outcome, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PurgeAuditEvents(ctx context.Context, orgID string, before time.Time) (int, error) {
	const query = `DELETE FROM audit_events WHERE org_id = $1 AND occurred_at < $2`

	tag, err := s.pool.Exec(ctx, query, orgID, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Msg("Database schema applied")
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

var _ Store = (*PostgresStore)(nil)
