// Package models defines the core data model for the ThreatDesk control plane:
// organizations and memberships (the tenancy layer), durable conversations,
// the loop-internal transcript, and audit events.
package models

import (
	"time"
)

// ── Tenancy ─────────────────────────────────────────────────

// OrgTier is the subscription tier of an organization.
type OrgTier string

const (
	OrgTierFree       OrgTier = "free"
	OrgTierPro        OrgTier = "pro"
	OrgTierEnterprise OrgTier = "enterprise"
)

// OrgStatus is the lifecycle status of an organization.
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
)

// Organization is the isolation boundary for data ownership. Every persisted
// conversation belongs to exactly one organization.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Domain    string    `json:"domain,omitempty" db:"domain"`
	Tier      OrgTier   `json:"tier" db:"tier"`
	Status    OrgStatus `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Role is the permission level a membership grants within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Membership links an identity subject to an organization with a role.
// Once any membership exists for a subject, exactly one is selectable as the
// default: the one flagged IsPrimary, or the earliest-joined as fallback.
type Membership struct {
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	SubjectID      string    `json:"subject_id" db:"subject_id"`
	Role           Role      `json:"role" db:"role"`
	IsPrimary      bool      `json:"is_primary" db:"is_primary"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
}

// TenantContext is the request-scoped result of tenant resolution.
// Derived per call, never stored.
type TenantContext struct {
	OrgID     string  `json:"org_id"`
	Role      Role    `json:"role"`
	OrgName   string  `json:"org_name"`
	OrgTier   OrgTier `json:"org_tier"`
	IsPrimary bool    `json:"is_primary"`
}

// ── Conversations ───────────────────────────────────────────

// TurnRole is the speaker of a durable conversation turn.
// Only user and assistant turns are ever persisted; tool traffic stays
// inside a single request's agent loop.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one durable message in a conversation.
type Turn struct {
	Role      TurnRole  `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Conversation is the durable chat history, owned by an organization and
// optionally by the subject who started it.
type Conversation struct {
	ID             string                 `json:"id" db:"id"`
	OrganizationID string                 `json:"organization_id" db:"organization_id"`
	OwnerSubjectID string                 `json:"owner_subject_id,omitempty" db:"owner_subject_id"`
	Messages       []Turn                 `json:"messages"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// TokenUsage accumulates model token counts across the agent loop.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ── Loop-internal transcript ────────────────────────────────

// EntryKind tags a transcript entry. The working transcript is role-accurate:
// tool calls and tool results are first-class entries here and are projected
// to the model runtime's wire encoding (tool results under the user role
// slot) only at the runtime client boundary.
type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
)

// TranscriptEntry is one entry of the in-memory working transcript.
// Exactly one of Text, ToolCall, ToolResult is meaningful for a given Kind.
type TranscriptEntry struct {
	Kind       EntryKind   `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// UserEntry builds a user text entry.
func UserEntry(text string) TranscriptEntry {
	return TranscriptEntry{Kind: EntryUser, Text: text}
}

// AssistantEntry builds an assistant text entry.
func AssistantEntry(text string) TranscriptEntry {
	return TranscriptEntry{Kind: EntryAssistant, Text: text}
}

// ToolCall is a tool invocation requested by the model. Transient — it lives
// only for the duration of one agent loop and is never persisted.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is the structured outcome of executing a tool call. Failures are
// carried in-band (Success=false) so the model can react to them; they are
// never surfaced to the API caller.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Content    string `json:"content,omitempty"`
	Message    string `json:"message,omitempty"` // failure detail when Success=false
}

// ── Audit ───────────────────────────────────────────────────

// AuditOutcome classifies an audited action.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditDenied  AuditOutcome = "denied"
	AuditError   AuditOutcome = "error"
)

// AuditEvent is one append-only record of an authorization outcome or action.
type AuditEvent struct {
	ID           string                 `json:"id" db:"id"`
	ActorID      string                 `json:"actor_id" db:"actor_id"`
	OrgID        string                 `json:"org_id" db:"org_id"`
	Action       string                 `json:"action" db:"action"`
	ResourceType string                 `json:"resource_type" db:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty" db:"resource_id"`
	Outcome      AuditOutcome           `json:"outcome" db:"outcome"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
}

// AuditFilter provides query options for listing audit events.
type AuditFilter struct {
	OrgID   string
	ActorID string
	Action  string
	Outcome AuditOutcome
	Since   *time.Time
	Limit   int
}
