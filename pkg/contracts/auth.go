// Package contracts — identity types shared across the authentication layer.
//
// Identity is produced by an AuthProvider from claims the platform's
// authorization boundary has already verified, and consumed by the tenant
// resolver and handlers. No handler ever knows which provider produced it.
package contracts

import (
	"context"
	"net/http"
)

// ── Identity ────────────────────────────────────────────────

// Identity is the verified claim set for one request. Ephemeral — it is never
// persisted; only its Subject is recorded on conversations and audit events.
type Identity struct {
	// Subject is the unique, stable identifier for the caller.
	Subject string `json:"subject"`

	// Email is the caller's email address as asserted by the platform.
	Email string `json:"email,omitempty"`

	// EmailVerified reports whether the platform verified the email claim.
	EmailVerified bool `json:"email_verified,omitempty"`

	// Username is the caller's login name, if the platform provides one.
	Username string `json:"username,omitempty"`

	// DisplayName is a human-readable name.
	DisplayName string `json:"display_name,omitempty"`

	// Provider identifies which auth provider extracted this identity.
	// Values: "gateway", "bearer".
	Provider string `json:"provider"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider extracts an Identity from an HTTP request.
//
// The chain pattern:
//   - Return (*Identity, nil) → identity found, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → extraction was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "gateway", "bearer").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// AuthProviderChain tries providers in priority order until one returns an
// Identity. Used by the auth middleware so gateway-injected claims and local
// bearer tokens can both reach the same endpoints.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order.
	// Returns the first Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	// Providers are tried in registration order.
	RegisterProvider(provider AuthProvider)
}
