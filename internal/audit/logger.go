// Package audit records access decisions and chat activity. Writes are
// best-effort: a failing audit store is logged operationally and never fails
// the request that triggered it.
package audit

import (
	"context"
	"time"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Audited actions.
const (
	ActionChat          = "chat.message"
	ActionTenantResolve = "tenant.resolve"
)

// Logger appends audit events to the audit store.
type Logger struct {
	store store.Store
}

// NewLogger creates an audit logger over the given store.
func NewLogger(s store.Store) *Logger {
	return &Logger{store: s}
}

// Record writes one audit event. Failures are swallowed after logging.
func (l *Logger) Record(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := l.store.CreateAuditEvent(ctx, &event); err != nil {
		log.Error().Err(err).
			Str("action", event.Action).
			Str("actor", event.ActorID).
			Msg("Audit write failed")
	}
}

// Success records a permitted, completed action.
func (l *Logger) Success(ctx context.Context, actorID, orgID, action, resourceType, resourceID string, metadata map[string]interface{}) {
	l.Record(ctx, models.AuditEvent{
		ActorID:      actorID,
		OrgID:        orgID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      models.AuditSuccess,
		Metadata:     metadata,
	})
}

// Denied records a rejected access attempt.
func (l *Logger) Denied(ctx context.Context, actorID, orgID, action, reason string) {
	l.Record(ctx, models.AuditEvent{
		ActorID: actorID,
		OrgID:   orgID,
		Action:  action,
		Outcome: models.AuditDenied,
		Metadata: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Error records an action that was permitted but failed while executing.
func (l *Logger) Error(ctx context.Context, actorID, orgID, action, detail string) {
	l.Record(ctx, models.AuditEvent{
		ActorID: actorID,
		OrgID:   orgID,
		Action:  action,
		Outcome: models.AuditError,
		Metadata: map[string]interface{}{
			"detail": detail,
		},
	})
}
