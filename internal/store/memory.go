// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Organizations map[string]*models.Organization `json:"organizations"`
	Memberships   []*models.Membership            `json:"memberships"`
	Conversations map[string]*models.Conversation `json:"conversations"` // key: org:id
	AuditEvents   []*models.AuditEvent            `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	organizations map[string]*models.Organization // key: id
	memberships   []*models.Membership            // scanned by subject/org
	conversations map[string]*models.Conversation // key: org:id
	auditEvents   []*models.AuditEvent            // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If THREATDESK_DATA_DIR is set, data is persisted to a JSON file in that
// directory; set it to "-" to disable persistence entirely.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		organizations: make(map[string]*models.Organization),
		memberships:   make([]*models.Membership, 0),
		conversations: make(map[string]*models.Conversation),
		auditEvents:   make([]*models.AuditEvent, 0),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	dataDir := os.Getenv("THREATDESK_DATA_DIR")
	if dataDir == "-" {
		return m
	}
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".threatdesk")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	return m
}

// ── Organization Store ──────────────────────────────────────

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.organizations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	cp := *org
	return &cp, nil
}

func (m *MemoryStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *org
	m.organizations[org.ID] = &cp
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) ListOrganizations(_ context.Context) ([]models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Organization, 0, len(m.organizations))
	for _, org := range m.organizations {
		result = append(result, *org)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ── Membership Store ────────────────────────────────────────

func (m *MemoryStore) ListMembershipsBySubject(_ context.Context, subjectID string) ([]models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Membership
	for _, mb := range m.memberships {
		if mb.SubjectID == subjectID {
			result = append(result, *mb)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

func (m *MemoryStore) GetMembership(_ context.Context, orgID, subjectID string) (*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mb := range m.memberships {
		if mb.OrganizationID == orgID && mb.SubjectID == subjectID {
			cp := *mb
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "membership", Key: orgID + ":" + subjectID}
}

func (m *MemoryStore) CreateMembership(_ context.Context, mb *models.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *mb
	m.memberships = append(m.memberships, &cp)
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) ProvisionDefault(_ context.Context, org *models.Organization, mb *models.Membership) (*models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One lock covers the check and both writes, so concurrent first calls
	// for the same subject cannot both provision.
	for _, existing := range m.memberships {
		if existing.SubjectID == mb.SubjectID {
			cp := *existing
			return &cp, nil
		}
	}

	orgCp := *org
	mbCp := *mb
	m.organizations[org.ID] = &orgCp
	m.memberships = append(m.memberships, &mbCp)
	m.scheduleSave()

	result := mbCp
	return &result, nil
}

// ── Conversation Store ──────────────────────────────────────

func convKey(orgID, id string) string { return orgID + ":" + id }

func (m *MemoryStore) GetConversation(_ context.Context, orgID, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[convKey(orgID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	return copyConversation(c), nil
}

func (m *MemoryStore) ListConversations(_ context.Context, orgID, ownerSubjectID string, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Conversation
	for _, c := range m.conversations {
		if c.OrganizationID != orgID {
			continue
		}
		if ownerSubjectID != "" && c.OwnerSubjectID != ownerSubjectID {
			continue
		}
		result = append(result, *copyConversation(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations[convKey(c.OrganizationID, c.ID)] = copyConversation(c)
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) AppendTurns(_ context.Context, orgID, id string, turns []models.Turn, metadata map[string]interface{}) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[convKey(orgID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}

	c.Messages = append(c.Messages, turns...)
	if metadata != nil {
		if c.Metadata == nil {
			c.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			c.Metadata[k] = v
		}
	}
	c.UpdatedAt = time.Now().UTC()
	m.scheduleSave()
	return copyConversation(c), nil
}

func (m *MemoryStore) PurgeConversations(_ context.Context, orgID string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key, c := range m.conversations {
		if c.OrganizationID == orgID && c.UpdatedAt.Before(before) {
			delete(m.conversations, key)
			purged++
		}
	}
	if purged > 0 {
		m.scheduleSave()
	}
	return purged, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.AuditEvent
	for i := len(m.auditEvents) - 1; i >= 0; i-- {
		e := m.auditEvents[i]
		if filter.OrgID != "" && e.OrgID != filter.OrgID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Outcome != "" && e.Outcome != filter.Outcome {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) PurgeAuditEvents(_ context.Context, orgID string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.auditEvents[:0]
	purged := 0
	for _, e := range m.auditEvents {
		if e.OrgID == orgID && e.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.auditEvents = kept
	if purged > 0 {
		m.scheduleSave()
	}
	return purged, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Snapshot persistence ────────────────────────────────────

// scheduleSave signals the background saver without blocking.
// Callers must hold m.mu.
func (m *MemoryStore) scheduleSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces snapshot writes to at most one per second.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(time.Second)
			// Drain any signal that arrived during the debounce window.
			select {
			case <-m.saveCh:
			default:
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Organizations: m.organizations,
		Memberships:   m.memberships,
		Conversations: m.conversations,
		AuditEvents:   m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Snapshot rename failed")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Cannot read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Organizations != nil {
		m.organizations = snap.Organizations
	}
	if snap.Memberships != nil {
		m.memberships = snap.Memberships
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
}

func copyConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Messages = append([]models.Turn(nil), c.Messages...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
