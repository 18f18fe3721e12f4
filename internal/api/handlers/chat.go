package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/threatdesk/threatdesk/internal/agent"
	"github.com/threatdesk/threatdesk/internal/audit"
	"github.com/threatdesk/threatdesk/internal/auth"
	"github.com/threatdesk/threatdesk/internal/history"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	pkgmw "github.com/threatdesk/threatdesk/pkg/middleware"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/rs/zerolog/log"
)

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	// ConversationID continues an existing conversation; empty starts one.
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is the reply envelope for a completed chat exchange.
type ChatResponse struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Reply          string            `json:"reply"`
	StopReason     string            `json:"stop_reason"`
	Iterations     int               `json:"iterations"`
	ToolsUsed      []string          `json:"tools_used,omitempty"`
	Usage          models.TokenUsage `json:"usage"`
	// Persisted is false when the answer was generated but could not be
	// written to durable history.
	Persisted bool `json:"persisted"`
}

// HandleChat drives one stateless chat exchange: validate, load any prior
// history, run the agent loop, persist the user-visible turns, audit.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := pkgmw.GetIdentity(ctx)
	tc := pkgmw.GetTenant(ctx)
	if err := auth.RequireTenant(tc); err != nil {
		h.respondError(w, err)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperr.Invalid("invalid request body"))
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		h.respondError(w, apperr.Invalid("message is required"))
		return
	}

	// Everything above short-circuits with zero side effects. From here on
	// the loop runs and its outcome is audited.
	transcript, err := h.loadTranscript(r, tc, identity.Subject, req.ConversationID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	transcript = append(transcript, models.UserEntry(req.Message))

	result, err := h.Loop.Run(ctx, transcript, agent.Options{
		System:        systemPrompt(tc),
		MaxIterations: h.Chat.MaxIterations,
		MaxTokens:     h.Chat.MaxTokens,
		Temperature:   h.Chat.Temperature,
	})
	if err != nil {
		h.Audit.Error(ctx, identity.Subject, tc.OrgID, audit.ActionChat, err.Error())
		h.respondError(w, err)
		return
	}

	resp := ChatResponse{
		ConversationID: req.ConversationID,
		Reply:          result.FinalText,
		StopReason:     result.StopReason,
		Iterations:     result.Iterations,
		ToolsUsed:      result.ToolsUsed,
		Usage:          result.Usage,
	}

	// Persistence failures after a successful loop never discard the answer.
	conv, saveErr := h.History.Save(ctx, history.SaveRequest{
		ConversationID: req.ConversationID,
		OrgID:          tc.OrgID,
		SubjectID:      identity.Subject,
		UserMessage:    req.Message,
		AssistantText:  result.FinalText,
		Metadata: map[string]interface{}{
			"last_stop_reason": result.StopReason,
			"last_usage":       result.Usage,
		},
	})
	if saveErr != nil {
		log.Error().Err(saveErr).Str("org", tc.OrgID).Msg("Persisting exchange failed, returning answer anyway")
		h.Audit.Error(ctx, identity.Subject, tc.OrgID, audit.ActionChat,
			fmt.Sprintf("persistence failed: %v", saveErr))
	} else {
		resp.ConversationID = conv.ID
		resp.Persisted = true
		h.Audit.Success(ctx, identity.Subject, tc.OrgID, audit.ActionChat, "conversation", conv.ID,
			map[string]interface{}{
				"iterations":   result.Iterations,
				"stop_reason":  result.StopReason,
				"tools_used":   result.ToolsUsed,
				"total_tokens": result.Usage.TotalTokens,
			})
	}

	respondJSON(w, http.StatusOK, resp)
}

// loadTranscript rebuilds the working transcript from durable history when a
// conversation is being continued. An unknown ID, another organization's ID,
// or another member's ID all fail before any model call.
func (h *Handlers) loadTranscript(r *http.Request, tc *models.TenantContext, subjectID, conversationID string) ([]models.TranscriptEntry, error) {
	if conversationID == "" {
		return nil, nil
	}

	conv, err := h.getOwnedConversation(r, tc, subjectID, conversationID)
	if err != nil {
		return nil, err
	}

	transcript := make([]models.TranscriptEntry, 0, len(conv.Messages)+1)
	for _, turn := range conv.Messages {
		switch turn.Role {
		case models.TurnRoleUser:
			transcript = append(transcript, models.UserEntry(turn.Content))
		case models.TurnRoleAssistant:
			transcript = append(transcript, models.AssistantEntry(turn.Content))
		}
	}
	return transcript, nil
}

func systemPrompt(tc *models.TenantContext) string {
	return fmt.Sprintf(`You are ThreatDesk, a security-intelligence assistant for the organization %q.

You help security teams understand vulnerabilities, exploitation activity, and browser extension risk. Use the available tools to ground answers in current data before responding. When a tool fails, say what you could not verify instead of guessing. Keep answers concise and actionable.`, tc.OrgName)
}
