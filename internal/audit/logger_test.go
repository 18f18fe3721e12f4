package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/models"
)

func newLogger(t *testing.T) (*Logger, *store.MemoryStore) {
	t.Helper()
	t.Setenv("THREATDESK_DATA_DIR", "-")
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return NewLogger(s), s
}

func TestRecordFillsDefaults(t *testing.T) {
	l, s := newLogger(t)
	ctx := context.Background()

	l.Success(ctx, "alice", "org-1", ActionChat, "conversation", "conv-1", map[string]interface{}{
		"iterations": 3,
	})

	events, err := s.ListAuditEvents(ctx, models.AuditFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatal("expected generated ID and timestamp")
	}
	if e.Outcome != models.AuditSuccess || e.Action != ActionChat {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestDeniedCarriesReason(t *testing.T) {
	l, s := newLogger(t)
	ctx := context.Background()

	l.Denied(ctx, "mallory", "org-1", ActionTenantResolve, "no membership in organization")

	events, err := s.ListAuditEvents(ctx, models.AuditFilter{Outcome: models.AuditDenied})
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 denied event, got %d", len(events))
	}
	if events[0].Metadata["reason"] != "no membership in organization" {
		t.Fatalf("unexpected metadata: %+v", events[0].Metadata)
	}
}

type failingAuditStore struct {
	*store.MemoryStore
}

func (f *failingAuditStore) CreateAuditEvent(context.Context, *models.AuditEvent) error {
	return errors.New("audit store unavailable")
}

func TestStoreFailureIsSwallowed(t *testing.T) {
	t.Setenv("THREATDESK_DATA_DIR", "-")
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	l := NewLogger(&failingAuditStore{MemoryStore: s})

	// Audit writes are best effort: a broken store must not surface.
	l.Success(context.Background(), "alice", "org-1", ActionChat, "conversation", "conv-1", nil)
	l.Error(context.Background(), "alice", "org-1", ActionChat, "loop failed")
}
