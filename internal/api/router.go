// Package api wires the HTTP surface: the route table, the middleware
// stack, and the handlers behind them.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/threatdesk/threatdesk/internal/api/handlers"
	"github.com/threatdesk/threatdesk/internal/api/middleware"
	"github.com/threatdesk/threatdesk/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps are the pre-built collaborators the router composes. The route table
// below is the single place that decides which middleware guards which path.
type Deps struct {
	Handlers *handlers.Handlers
	Auth     *middleware.Auth
	Tenant   *middleware.Tenant
	Config   *config.Config
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.HeaderOrgID, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(d.Config))

	// Authenticated, tenant-scoped
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth.Handler)
		r.Use(d.Tenant.Handler)

		r.Post("/chat", d.Handlers.HandleChat)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", d.Handlers.ListConversations)
			r.Get("/{conversationId}", d.Handlers.GetConversation)
		})

		r.Get("/organizations", d.Handlers.ListOrganizations)
		r.Get("/audit", d.Handlers.ListAuditEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "threatdesk",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
