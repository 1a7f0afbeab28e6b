// Package auth provides operator and agent authentication services.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

const agentAudience = "ironpxe-agent"

// Claims represents the JWT claims carried by an agent callback token. A
// token is scoped to one session and one role within it; agents present it
// on every callback and certificate fetch for that session.
type Claims struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// CertificateRole returns the typed role baked into the claims.
func (c *Claims) CertificateRole() domain.CertificateRole {
	return domain.CertificateRole(c.Role)
}

// JWTManager handles agent token generation and verification.
type JWTManager struct {
	secret      []byte
	tokenExpiry time.Duration
}

// NewJWTManager creates a new JWT manager with the given configuration.
func NewJWTManager(cfg config.AuthConfig) *JWTManager {
	return &JWTManager{
		secret:      []byte(cfg.JWTSecret),
		tokenExpiry: cfg.TokenExpiry,
	}
}

// GenerateSessionToken mints a callback token for one agent role in one
// session. The ttl normally matches the session certificate validity so both
// credentials expire together; zero means the configured default.
func (m *JWTManager) GenerateSessionToken(sessionID string, role domain.CertificateRole, ttl time.Duration) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: session id is required", domain.ErrInvalidArgument)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown certificate role %q", domain.ErrInvalidArgument, role)
	}
	if ttl <= 0 {
		ttl = m.tokenExpiry
	}

	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		Role:      string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ironpxe",
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{agentAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s-%s-%d", sessionID, role, now.UnixNano()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// VerifySessionToken validates a token and returns the claims if valid.
func (m *JWTManager) VerifySessionToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != agentAudience {
		return nil, fmt.Errorf("not an agent token")
	}
	if claims.SessionID == "" || !claims.CertificateRole().Valid() {
		return nil, fmt.Errorf("token is missing session scope")
	}

	return claims, nil
}

// GetTokenExpiry returns the default token expiry duration.
func (m *JWTManager) GetTokenExpiry() time.Duration {
	return m.tokenExpiry
}
