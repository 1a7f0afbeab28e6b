// Package middleware provides HTTP middleware for the control plane.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// APIKeyKey is the context key for the verified operator API key.
	APIKeyKey ContextKey = "api_key"
	// AgentClaimsKey is the context key for verified agent token claims.
	AgentClaimsKey ContextKey = "agent_claims"
)

// Auth authenticates operator API keys and agent callback tokens.
type Auth struct {
	service *auth.Service
	logger  *zap.Logger
}

// NewAuth creates the auth middleware.
func NewAuth(service *auth.Service, logger *zap.Logger) *Auth {
	return &Auth{
		service: service,
		logger:  logger.With(zap.String("middleware", "auth")),
	}
}

// RequireAPIKey verifies the operator API key in the Authorization header
// and checks it carries the required permission.
func (a *Auth) RequireAPIKey(permission domain.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plaintext, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing or malformed authorization header")
			return
		}

		key, err := a.service.VerifyAPIKey(r.Context(), plaintext)
		if err != nil {
			a.logger.Debug("API key verification failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			unauthorized(w, "invalid API key")
			return
		}

		if !a.service.CheckPermission(key, permission) {
			forbidden(w, "insufficient permissions")
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyKey, key)
		next(w, r.WithContext(ctx))
	}
}

// RequireAgentToken verifies the per-session agent token in the
// Authorization header. Handlers must still check the claims match the
// session they operate on.
func (a *Auth) RequireAgentToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing or malformed authorization header")
			return
		}

		claims, err := a.service.VerifyAgentToken(r.Context(), tokenString)
		if err != nil {
			a.logger.Debug("Agent token verification failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			unauthorized(w, "invalid agent token")
			return
		}

		ctx := context.WithValue(r.Context(), AgentClaimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// APIKeyFrom extracts the verified API key from a request context.
func APIKeyFrom(ctx context.Context) (*domain.APIKey, bool) {
	key, ok := ctx.Value(APIKeyKey).(*domain.APIKey)
	return key, ok
}

// AgentClaimsFrom extracts verified agent claims from a request context.
func AgentClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(AgentClaimsKey).(*auth.Claims)
	return claims, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

func forbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
