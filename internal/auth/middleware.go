package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stonearbor/stonearbor/internal/logging"
)

type identityContextKey struct{}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}

// WithIdentity is used by tests to install a caller directly.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

type Middleware struct {
	secret string
	logger *slog.Logger
}

func NewMiddleware(secret string, logger *slog.Logger) *Middleware {
	return &Middleware{secret: secret, logger: logger}
}

// RequireUser rejects requests without a valid bearer token.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := m.authenticate(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin additionally rejects callers without the admin claim.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := m.authenticate(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !identity.Admin {
			writeAuthError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// Authenticate resolves the caller from the bearer token without
// enforcing it, for middleware that only annotates requests.
func (m *Middleware) Authenticate(r *http.Request) (*Identity, bool) {
	return m.authenticate(r)
}

func (m *Middleware) authenticate(r *http.Request) (*Identity, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil, false
	}

	identity, err := ParseToken(m.secret, token)
	if err != nil {
		logging.FromContext(r.Context(), m.logger).Debug("rejected bearer token", "error", err)
		return nil, false
	}
	return identity, true
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
