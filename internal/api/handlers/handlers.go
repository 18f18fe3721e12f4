// Package handlers implements the HTTP handlers for the ThreatDesk API.
// Every tenant-scoped handler assumes the auth and tenant middleware already
// placed an Identity and a TenantContext in the request context.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/threatdesk/threatdesk/internal/agent"
	"github.com/threatdesk/threatdesk/internal/audit"
	"github.com/threatdesk/threatdesk/internal/history"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/apperr"

	"github.com/rs/zerolog/log"
)

// ChatOptions carry the per-request model settings from configuration.
type ChatOptions struct {
	MaxIterations int
	MaxTokens     int64
	Temperature   float64
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store   store.Store
	Loop    *agent.Loop
	History *history.Writer
	Audit   *audit.Logger
	Chat    ChatOptions
	DevMode bool
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, loop *agent.Loop, auditLog *audit.Logger, chat ChatOptions, devMode bool) *Handlers {
	return &Handlers{
		Store:   s,
		Loop:    loop,
		History: history.NewWriter(s),
		Audit:   auditLog,
		Chat:    chat,
		DevMode: devMode,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes the deterministic error envelope. Internal causes are
// withheld outside dev mode.
func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	appErr := apperr.As(err)
	if appErr == nil {
		appErr = apperr.Persistence(err)
	}
	if appErr.Status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}

	message := appErr.Message
	if h.DevMode && appErr.Err != nil {
		message = message + ": " + appErr.Err.Error()
	}
	respondJSON(w, appErr.Status, map[string]string{
		"error":   appErr.Code,
		"message": message,
	})
}
