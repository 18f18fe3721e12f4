package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/threatdesk/threatdesk/internal/auth"
	"github.com/threatdesk/threatdesk/pkg/apperr"
	"github.com/threatdesk/threatdesk/pkg/contracts"
	pkgmw "github.com/threatdesk/threatdesk/pkg/middleware"

	"github.com/rs/zerolog/log"
)

// Auth authenticates requests through the provider chain and stores the
// resulting Identity in the request context. Routes wrapped by this
// middleware always require an identity; public routes simply stay outside
// the wrapped group in the route table.
type Auth struct {
	chain contracts.AuthProviderChain
}

// NewAuth creates the auth middleware over a provider chain.
func NewAuth(chain contracts.AuthProviderChain) *Auth {
	return &Auth{chain: chain}
}

// Handler walks the provider chain and rejects requests without an identity.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			writeAuthError(w, apperr.Unauthenticated(err.Error()))
			return
		}
		if err := auth.RequireAuthenticated(identity); err != nil {
			writeAuthError(w, apperr.As(err))
			return
		}

		ctx := pkgmw.SetIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, appErr *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="threatdesk"`)
	w.WriteHeader(appErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   appErr.Code,
		"message": appErr.Message,
	})
}
