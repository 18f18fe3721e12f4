package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/threatdesk/threatdesk/pkg/contracts"
)

// Header names under which the platform's authorization boundary injects
// verified claims. The boundary strips any caller-supplied values for these
// headers before they reach us.
const (
	headerSubject       = "X-Identity-Subject"
	headerEmail         = "X-Identity-Email"
	headerEmailVerified = "X-Identity-Email-Verified"
	headerUsername      = "X-Identity-Username"
	headerDisplayName   = "X-Identity-Display-Name"
)

// GatewayProvider reads verified identity claims injected as headers by the
// platform's authorization boundary. Claims are consumed as-is and never
// re-verified here.
//
// trustHeaders defaults to off so a server exposed directly cannot be
// impersonated via headers.
type GatewayProvider struct {
	enabled bool
}

// NewGatewayProvider creates the gateway claims provider.
func NewGatewayProvider(trustHeaders bool) *GatewayProvider {
	return &GatewayProvider{enabled: trustHeaders}
}

func (p *GatewayProvider) Name() string { return "gateway" }

func (p *GatewayProvider) Enabled() bool { return p.enabled }

// Authenticate extracts claims from the gateway headers.
// Returns (nil, nil) when no subject header is present (let next provider try).
func (p *GatewayProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	subject := r.Header.Get(headerSubject)
	if subject == "" {
		return nil, nil
	}

	email := r.Header.Get(headerEmail)
	if email == "" && r.Header.Get(headerUsername) == "" {
		return nil, fmt.Errorf("gateway claims incomplete: subject without email or username")
	}

	return &contracts.Identity{
		Subject:       subject,
		Email:         email,
		EmailVerified: r.Header.Get(headerEmailVerified) == "true",
		Username:      r.Header.Get(headerUsername),
		DisplayName:   r.Header.Get(headerDisplayName),
		Provider:      "gateway",
	}, nil
}

var _ contracts.AuthProvider = (*GatewayProvider)(nil)
