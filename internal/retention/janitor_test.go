package retention

import (
	"context"
	"testing"
	"time"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/models"
)

func seedOrg(t *testing.T, s store.Store, id string, tier models.OrgTier) {
	t.Helper()
	err := s.CreateOrganization(context.Background(), &models.Organization{
		ID: id, Name: id, Tier: tier, Status: models.OrgStatusActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed org: %v", err)
	}
}

func TestRunCyclePurgesExpiredData(t *testing.T) {
	t.Setenv("THREATDESK_DATA_DIR", "-")
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seedOrg(t, s, "org-1", models.OrgTierFree)

	old := time.Now().UTC().AddDate(0, 0, -120)
	if err := s.CreateConversation(ctx, &models.Conversation{
		ID: "conv-old", OrganizationID: "org-1", CreatedAt: old, UpdatedAt: old,
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if err := s.CreateConversation(ctx, &models.Conversation{
		ID: "conv-new", OrganizationID: "org-1",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if err := s.CreateAuditEvent(ctx, &models.AuditEvent{
		ID: "evt-old", OrgID: "org-1", Action: "chat.message",
		Outcome: models.AuditSuccess, Timestamp: old,
	}); err != nil {
		t.Fatalf("seed audit event: %v", err)
	}

	NewJanitor(s, time.Hour).RunCycle(ctx)

	if _, err := s.GetConversation(ctx, "org-1", "conv-old"); err == nil {
		t.Fatal("expected conv-old to be purged")
	}
	if _, err := s.GetConversation(ctx, "org-1", "conv-new"); err != nil {
		t.Fatalf("conv-new should survive: %v", err)
	}
	events, err := s.ListAuditEvents(ctx, models.AuditFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected audit events purged, got %d", len(events))
	}
}

func TestRunCycleKeepsEnterpriseConversations(t *testing.T) {
	t.Setenv("THREATDESK_DATA_DIR", "-")
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seedOrg(t, s, "org-ent", models.OrgTierEnterprise)

	old := time.Now().UTC().AddDate(0, 0, -500)
	if err := s.CreateConversation(ctx, &models.Conversation{
		ID: "conv-ancient", OrganizationID: "org-ent", CreatedAt: old, UpdatedAt: old,
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	NewJanitor(s, time.Hour).RunCycle(ctx)

	if _, err := s.GetConversation(ctx, "org-ent", "conv-ancient"); err != nil {
		t.Fatalf("enterprise conversations are never purged: %v", err)
	}
}
