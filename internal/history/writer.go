// Package history persists the user-visible exchange of a request.
//
// Exactly one user turn and one assistant turn are written per top-level
// request. The tool calls and tool results generated inside the agent loop
// are deliberately not stored; durable history stays compact and replayable.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/google/uuid"
)

// Writer appends exchanges to conversations.
type Writer struct {
	store store.Store
}

// NewWriter creates a writer backed by the given store.
func NewWriter(s store.Store) *Writer {
	return &Writer{store: s}
}

// SaveRequest is one exchange to persist.
type SaveRequest struct {
	// ConversationID is empty for the first message of a new conversation.
	ConversationID string
	OrgID          string
	SubjectID      string
	UserMessage    string
	AssistantText  string
	// Metadata is merged into the conversation's metadata, e.g. token usage
	// and the loop stop reason.
	Metadata map[string]interface{}
}

// Save appends the exchange, creating the conversation when no ID is given.
// An unknown conversation ID within the org scope maps to NotFound; any other
// storage failure maps to Persistence.
func (w *Writer) Save(ctx context.Context, req SaveRequest) (*models.Conversation, error) {
	now := time.Now().UTC()
	turns := []models.Turn{
		{Role: models.TurnRoleUser, Content: req.UserMessage, Timestamp: now},
		{Role: models.TurnRoleAssistant, Content: req.AssistantText, Timestamp: now},
	}

	if req.ConversationID == "" {
		conv := &models.Conversation{
			ID:             uuid.New().String(),
			OrganizationID: req.OrgID,
			OwnerSubjectID: req.SubjectID,
			Messages:       turns,
			Metadata:       req.Metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := w.store.CreateConversation(ctx, conv); err != nil {
			return nil, apperr.Persistence(err)
		}
		return conv, nil
	}

	conv, err := w.store.AppendTurns(ctx, req.OrgID, req.ConversationID, turns, req.Metadata)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, apperr.NotFound("conversation")
		}
		return nil, apperr.Persistence(err)
	}
	return conv, nil
}
