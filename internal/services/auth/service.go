package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// APIKeyRepository defines the interface for API key data access.
type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error)
	Get(ctx context.Context, id string) (*domain.APIKey, error)
	GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error)
	List(ctx context.Context, limit int, offset int) ([]*domain.APIKey, int, error)
	Update(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error)
	Delete(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string) error
}

// AuditRepository defines the interface for audit log storage.
type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditEntry) error
	List(ctx context.Context, filter AuditFilter, limit int, offset int) ([]*domain.AuditEntry, int, error)
}

// AuditFilter defines filter criteria for audit logs.
type AuditFilter struct {
	KeyID        string
	Action       domain.AuditAction
	ResourceType string
	ResourceID   string
	StartTime    *time.Time
	EndTime      *time.Time
}

// TokenRevoker remembers revoked session tokens (e.g. in Redis) so a
// cancelled session stops accepting callbacks immediately instead of when
// its tokens expire.
type TokenRevoker interface {
	RevokeSession(ctx context.Context, sessionID string, ttl time.Duration) error
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Service provides operator credential and agent token management.
type Service struct {
	keyRepo    APIKeyRepository
	auditRepo  AuditRepository
	revoker    TokenRevoker
	jwtManager *JWTManager
	logger     *zap.Logger
}

// NewService creates a new auth service. auditRepo and revoker may be nil;
// auditing and early revocation are then disabled.
func NewService(
	keyRepo APIKeyRepository,
	auditRepo AuditRepository,
	revoker TokenRevoker,
	jwtManager *JWTManager,
	logger *zap.Logger,
) *Service {
	return &Service{
		keyRepo:    keyRepo,
		auditRepo:  auditRepo,
		revoker:    revoker,
		jwtManager: jwtManager,
		logger:     logger.With(zap.String("service", "auth")),
	}
}

// keyScheme prefixes every plaintext key so leaked keys are recognizable in
// scanners: ipx_<prefix>_<secret>.
const keyScheme = "ipx"

// CreateAPIKey creates an operator credential and returns it together with
// the plaintext key. The plaintext is not recoverable afterwards.
func (s *Service) CreateAPIKey(ctx context.Context, name string, role domain.Role) (*domain.APIKey, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("%w: key name is required", domain.ErrInvalidArgument)
	}
	if _, ok := domain.RolePermissions[role]; !ok {
		return nil, "", fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, role)
	}

	var buf [28]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, "", fmt.Errorf("failed to generate key material: %w", err)
	}
	prefix := hex.EncodeToString(buf[:4])
	secret := hex.EncodeToString(buf[4:])

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	key := &domain.APIKey{
		Name:       name,
		Prefix:     prefix,
		SecretHash: string(hash),
		Role:       role,
		Enabled:    true,
	}

	created, err := s.keyRepo.Create(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("key_id", created.ID),
		zap.String("name", created.Name),
		zap.String("role", string(created.Role)),
	)

	plaintext := fmt.Sprintf("%s_%s_%s", keyScheme, prefix, secret)
	return created, plaintext, nil
}

// VerifyAPIKey authenticates a plaintext key and returns its record.
func (s *Service) VerifyAPIKey(ctx context.Context, plaintext string) (*domain.APIKey, error) {
	parts := strings.Split(plaintext, "_")
	if len(parts) != 3 || parts[0] != keyScheme {
		return nil, fmt.Errorf("%w: malformed api key", domain.ErrPermissionDenied)
	}

	key, err := s.keyRepo.GetByPrefix(ctx, parts[1])
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, fmt.Errorf("%w: invalid credentials", domain.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if !key.Enabled {
		s.logger.Warn("Disabled API key used", zap.String("key_id", key.ID))
		return nil, fmt.Errorf("%w: key is disabled", domain.ErrPermissionDenied)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(parts[2])); err != nil {
		s.logger.Warn("API key secret mismatch", zap.String("key_id", key.ID))
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrPermissionDenied)
	}

	if err := s.keyRepo.TouchLastUsed(ctx, key.ID); err != nil {
		s.logger.Warn("Failed to update key last-used time", zap.Error(err))
	}

	return key, nil
}

// GetAPIKey retrieves a key by ID.
func (s *Service) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	return s.keyRepo.Get(ctx, id)
}

// ListAPIKeys returns a paginated list of keys.
func (s *Service) ListAPIKeys(ctx context.Context, limit, offset int) ([]*domain.APIKey, int, error) {
	return s.keyRepo.List(ctx, limit, offset)
}

// SetAPIKeyEnabled enables or disables a key.
func (s *Service) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) (*domain.APIKey, error) {
	key, err := s.keyRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key.Enabled = enabled
	return s.keyRepo.Update(ctx, key)
}

// DeleteAPIKey removes a key.
func (s *Service) DeleteAPIKey(ctx context.Context, id string) error {
	if err := s.keyRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("API key deleted", zap.String("key_id", id))
	return nil
}

// CheckPermission checks if a key grants a specific permission.
func (s *Service) CheckPermission(key *domain.APIKey, permission domain.Permission) bool {
	if key == nil || !key.Enabled {
		return false
	}
	return domain.HasPermission(key.Role, permission)
}

// IssueAgentToken mints a callback token scoped to one session and role.
func (s *Service) IssueAgentToken(sessionID string, role domain.CertificateRole, ttl time.Duration) (string, error) {
	return s.jwtManager.GenerateSessionToken(sessionID, role, ttl)
}

// VerifyAgentToken validates an agent callback token, including the
// revocation list when one is configured.
func (s *Service) VerifyAgentToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.jwtManager.VerifySessionToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}

	if s.revoker != nil {
		revoked, err := s.revoker.IsSessionRevoked(ctx, claims.SessionID)
		if err != nil {
			// Revocation storage being down must not take callbacks with it;
			// tokens still expire on their own.
			s.logger.Warn("Revocation check failed", zap.Error(err))
		} else if revoked {
			return nil, fmt.Errorf("%w: session tokens revoked", domain.ErrPermissionDenied)
		}
	}

	return claims, nil
}

// RevokeSessionTokens blocks all outstanding tokens for a session. Called on
// cancellation and failure so orphaned agents lose access right away.
func (s *Service) RevokeSessionTokens(ctx context.Context, sessionID string) {
	if s.revoker == nil {
		return
	}
	// Keep the entry around as long as the longest-lived token could be.
	ttl := s.jwtManager.GetTokenExpiry()
	if err := s.revoker.RevokeSession(ctx, sessionID, ttl); err != nil {
		s.logger.Warn("Failed to revoke session tokens",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// Audit records an operator action. Failures are logged, never surfaced;
// audit writes must not fail the operation they describe.
func (s *Service) Audit(ctx context.Context, entry *domain.AuditEntry) {
	if s.auditRepo == nil {
		return
	}
	entry.CreatedAt = time.Now()
	if err := s.auditRepo.Create(ctx, entry); err != nil {
		s.logger.Warn("Failed to write audit entry",
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
}

// ListAudit returns a paginated audit trail.
func (s *Service) ListAudit(ctx context.Context, filter AuditFilter, limit, offset int) ([]*domain.AuditEntry, int, error) {
	if s.auditRepo == nil {
		return nil, 0, nil
	}
	return s.auditRepo.List(ctx, filter, limit, offset)
}
