package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/threatdesk/threatdesk/pkg/models"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	t.Setenv("THREATDESK_DATA_DIR", "-")
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProvisionDefaultCreatesOrgAndMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{ID: "org-1", Name: "Alice", Tier: models.OrgTierFree, Status: models.OrgStatusActive, CreatedAt: time.Now().UTC()}
	mb := &models.Membership{OrganizationID: "org-1", SubjectID: "alice", Role: models.RoleOwner, IsPrimary: true, JoinedAt: time.Now().UTC()}

	winner, err := s.ProvisionDefault(ctx, org, mb)
	if err != nil {
		t.Fatalf("ProvisionDefault failed: %v", err)
	}
	if winner.OrganizationID != "org-1" {
		t.Fatalf("expected org-1, got %s", winner.OrganizationID)
	}
	if _, err := s.GetOrganization(ctx, "org-1"); err != nil {
		t.Fatalf("organization not stored: %v", err)
	}
}

func TestProvisionDefaultConcurrentFirstCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Concurrent first requests from the same subject must converge on one
	// organization.
	var wg sync.WaitGroup
	winners := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			org := &models.Organization{
				ID: "org-" + string(rune('a'+n)), Name: "Bob",
				Tier: models.OrgTierFree, Status: models.OrgStatusActive,
				CreatedAt: time.Now().UTC(),
			}
			mb := &models.Membership{
				OrganizationID: org.ID, SubjectID: "bob",
				Role: models.RoleOwner, IsPrimary: true, JoinedAt: time.Now().UTC(),
			}
			winner, err := s.ProvisionDefault(ctx, org, mb)
			if err != nil {
				t.Errorf("ProvisionDefault failed: %v", err)
				return
			}
			winners[n] = winner.OrganizationID
		}(i)
	}
	wg.Wait()

	for _, w := range winners[1:] {
		if w != winners[0] {
			t.Fatalf("provisioning diverged: %v", winners)
		}
	}
	memberships, err := s.ListMembershipsBySubject(ctx, "bob")
	if err != nil {
		t.Fatalf("ListMembershipsBySubject failed: %v", err)
	}
	if len(memberships) != 1 {
		t.Fatalf("expected exactly 1 membership, got %d", len(memberships))
	}
}

func TestConversationsScopedByOrganization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &models.Conversation{
		ID: "conv-1", OrganizationID: "org-1", OwnerSubjectID: "alice",
		Messages:  []models.Turn{{Role: models.TurnRoleUser, Content: "hi", Timestamp: time.Now().UTC()}},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if _, err := s.GetConversation(ctx, "org-1", "conv-1"); err != nil {
		t.Fatalf("expected conversation visible in its org: %v", err)
	}

	_, err := s.GetConversation(ctx, "org-2", "conv-1")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound across orgs, got %v", err)
	}
}

func TestAppendTurnsMergesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &models.Conversation{
		ID: "conv-1", OrganizationID: "org-1",
		Metadata:  map[string]interface{}{"last_stop_reason": "final_answer"},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	updated, err := s.AppendTurns(ctx, "org-1", "conv-1",
		[]models.Turn{
			{Role: models.TurnRoleUser, Content: "q", Timestamp: time.Now().UTC()},
			{Role: models.TurnRoleAssistant, Content: "a", Timestamp: time.Now().UTC()},
		},
		map[string]interface{}{"last_stop_reason": "max_iterations"},
	)
	if err != nil {
		t.Fatalf("AppendTurns failed: %v", err)
	}
	if len(updated.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(updated.Messages))
	}
	if updated.Metadata["last_stop_reason"] != "max_iterations" {
		t.Fatalf("metadata not merged: %+v", updated.Metadata)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"conv-a", "conv-b"} {
		ts := time.Now().UTC().Add(time.Duration(i) * time.Minute)
		if err := s.CreateConversation(ctx, &models.Conversation{
			ID: id, OrganizationID: "org-1", OwnerSubjectID: "alice",
			CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	list, err := s.ListConversations(ctx, "org-1", "alice", 10)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "conv-b" {
		t.Fatalf("expected conv-b first, got %+v", list)
	}
}

func TestAuditEventFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*models.AuditEvent{
		{ID: "1", OrgID: "org-1", ActorID: "alice", Action: "chat.message", Outcome: models.AuditSuccess, Timestamp: time.Now().UTC()},
		{ID: "2", OrgID: "org-1", ActorID: "mallory", Action: "tenant.resolve", Outcome: models.AuditDenied, Timestamp: time.Now().UTC()},
		{ID: "3", OrgID: "org-2", ActorID: "carol", Action: "chat.message", Outcome: models.AuditSuccess, Timestamp: time.Now().UTC()},
	}
	for _, e := range events {
		if err := s.CreateAuditEvent(ctx, e); err != nil {
			t.Fatalf("CreateAuditEvent failed: %v", err)
		}
	}

	denied, err := s.ListAuditEvents(ctx, models.AuditFilter{OrgID: "org-1", Outcome: models.AuditDenied})
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(denied) != 1 || denied[0].ActorID != "mallory" {
		t.Fatalf("unexpected filter result: %+v", denied)
	}

	org1, err := s.ListAuditEvents(ctx, models.AuditFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(org1) != 2 {
		t.Fatalf("expected 2 org-1 events, got %d", len(org1))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("THREATDESK_DATA_DIR", dir)

	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateOrganization(ctx, &models.Organization{
		ID: "org-1", Name: "Persisted", Tier: models.OrgTierFree,
		Status: models.OrgStatusActive, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := filepath.Glob(filepath.Join(dir, "*.json")); err != nil {
		t.Fatalf("snapshot glob failed: %v", err)
	}

	reloaded := NewMemoryStore()
	t.Cleanup(func() { _ = reloaded.Close() })
	org, err := reloaded.GetOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("organization did not survive restart: %v", err)
	}
	if org.Name != "Persisted" {
		t.Fatalf("unexpected name %q", org.Name)
	}
}
