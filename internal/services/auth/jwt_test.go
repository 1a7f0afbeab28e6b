// Package auth provides tests for the JWT manager.
package auth

import (
	"testing"
	"time"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:   "test-secret-key-at-least-32-bytes-long",
		TokenExpiry: 15 * time.Minute,
	}
}

func TestJWTManager_GenerateSessionToken(t *testing.T) {
	manager := NewJWTManager(testAuthConfig())

	token, err := manager.GenerateSessionToken("sess-123", domain.CertificateRoleSource, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}
	if token == "" {
		t.Error("Expected token to be set")
	}

	claims, err := manager.VerifySessionToken(token)
	if err != nil {
		t.Fatalf("VerifySessionToken failed: %v", err)
	}

	if claims.SessionID != "sess-123" {
		t.Errorf("Expected session ID 'sess-123', got '%s'", claims.SessionID)
	}

	if claims.CertificateRole() != domain.CertificateRoleSource {
		t.Errorf("Expected role 'source', got '%s'", claims.Role)
	}

	if claims.ExpiresAt.Before(time.Now()) {
		t.Error("Token should not be expired")
	}
}

func TestJWTManager_GenerateSessionToken_Validation(t *testing.T) {
	manager := NewJWTManager(testAuthConfig())

	if _, err := manager.GenerateSessionToken("", domain.CertificateRoleSource, time.Hour); err == nil {
		t.Error("Expected error for empty session ID")
	}

	if _, err := manager.GenerateSessionToken("sess-123", "installer", time.Hour); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestJWTManager_Verify_InvalidToken(t *testing.T) {
	manager := NewJWTManager(testAuthConfig())

	_, err := manager.VerifySessionToken("invalid-token")
	if err == nil {
		t.Fatal("Expected error for invalid token")
	}
}

func TestJWTManager_Verify_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager(config.AuthConfig{
		JWTSecret:   "secret-key-one-at-least-32-bytes",
		TokenExpiry: 15 * time.Minute,
	})
	manager2 := NewJWTManager(config.AuthConfig{
		JWTSecret:   "secret-key-two-at-least-32-bytes",
		TokenExpiry: 15 * time.Minute,
	})

	token, err := manager1.GenerateSessionToken("sess-123", domain.CertificateRoleTarget, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}

	// Try to verify with different secret
	_, err = manager2.VerifySessionToken(token)
	if err == nil {
		t.Fatal("Expected error when verifying with wrong secret")
	}
}

func TestJWTManager_Verify_ExpiredToken(t *testing.T) {
	manager := NewJWTManager(testAuthConfig())

	token, err := manager.GenerateSessionToken("sess-123", domain.CertificateRoleSource, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}

	if _, err := manager.VerifySessionToken(token); err == nil {
		t.Fatal("Expected error for expired token")
	}
}

func TestJWTManager_DefaultTTL(t *testing.T) {
	manager := NewJWTManager(testAuthConfig())

	token, err := manager.GenerateSessionToken("sess-123", domain.CertificateRoleTarget, 0)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}

	claims, err := manager.VerifySessionToken(token)
	if err != nil {
		t.Fatalf("VerifySessionToken failed: %v", err)
	}

	want := time.Now().Add(manager.GetTokenExpiry())
	if claims.ExpiresAt.Time.Before(want.Add(-time.Minute)) || claims.ExpiresAt.Time.After(want.Add(time.Minute)) {
		t.Errorf("Expected expiry near %v, got %v", want, claims.ExpiresAt.Time)
	}
}
