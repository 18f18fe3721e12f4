// Package server composes the ThreatDesk server from its parts: store, model
// runtime client, tool dispatcher, agent loop, auth chain, and HTTP router.
//
// Everything is wired explicitly here and handed down as dependencies; no
// component reads process-global state after this point. The package lives in
// pkg/ so downstream distributions can embed the composed server and wrap its
// Handler with their own middleware.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/threatdesk/threatdesk/internal/agent"
	"github.com/threatdesk/threatdesk/internal/api"
	"github.com/threatdesk/threatdesk/internal/api/handlers"
	apimw "github.com/threatdesk/threatdesk/internal/api/middleware"
	"github.com/threatdesk/threatdesk/internal/audit"
	"github.com/threatdesk/threatdesk/internal/auth"
	"github.com/threatdesk/threatdesk/internal/config"
	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/retention"
	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/internal/telemetry"
	"github.com/threatdesk/threatdesk/internal/tenant"
	"github.com/threatdesk/threatdesk/internal/tools"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized ThreatDesk server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed for shutdown and embedding.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the server from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := newModelClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", cfg.Model.Provider).Str("model", client.Model()).Msg("Model runtime client initialized")

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, tools.Config{
		NVDBaseURL:           cfg.Tools.NVDBaseURL,
		KEVFeedURL:           cfg.Tools.KEVFeedURL,
		EPSSBaseURL:          cfg.Tools.EPSSBaseURL,
		ExtensionRiskBaseURL: cfg.Tools.ExtensionRiskBaseURL,
		Timeout:              cfg.Tools.Timeout,
		MaxRetries:           cfg.Tools.MaxRetries,
	})
	loop := agent.NewLoop(client, registry, dispatcher)

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewGatewayProvider(cfg.Auth.TrustGatewayHeaders))
	chain.RegisterProvider(auth.NewBearerProvider())

	auditLog := audit.NewLogger(dataStore)
	resolver := tenant.NewResolver(dataStore)

	h := handlers.New(dataStore, loop, auditLog, handlers.ChatOptions{
		MaxIterations: cfg.Model.MaxIterations,
		MaxTokens:     int64(cfg.Model.MaxTokens),
		Temperature:   cfg.Model.Temperature,
	}, cfg.DevMode)

	router := api.NewRouter(api.Deps{
		Handlers: h,
		Auth:     apimw.NewAuth(chain),
		Tenant:   apimw.NewTenant(resolver, auditLog),
		Config:   cfg,
	})

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	if cfg.Retention.Interval > 0 {
		retention.NewJanitor(dataStore, cfg.Retention.Interval).Start(janitorCtx)
	}

	return &Server{
		Handler: router,
		Store:   dataStore,
		Port:    cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			stopJanitor()
			return shutdown(ctx)
		},
	}, nil
}

// newStore selects postgres when DATABASE_URL is set, the in-memory
// snapshot store otherwise.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info().Msg("Postgres store initialized")
	return pg, nil
}

func newModelClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.Model.Provider {
	case "bedrock":
		return llm.NewBedrockClient(ctx, cfg.Model.BedrockRegion, cfg.Model.Model)
	case "anthropic", "":
		if cfg.Model.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return llm.NewAnthropicClient(cfg.Model.APIKey, cfg.Model.Model), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}
