package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// MockAPIKeyRepository is an in-memory implementation for testing.
type MockAPIKeyRepository struct {
	mu   sync.Mutex
	keys map[string]*domain.APIKey
}

func NewMockAPIKeyRepository() *MockAPIKeyRepository {
	return &MockAPIKeyRepository{keys: make(map[string]*domain.APIKey)}
}

func (m *MockAPIKeyRepository) Create(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now()
	key.UpdatedAt = time.Now()
	m.keys[key.ID] = key
	return key, nil
}

func (m *MockAPIKeyRepository) Get(ctx context.Context, id string) (*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return key, nil
}

func (m *MockAPIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		if key.Prefix == prefix {
			return key, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockAPIKeyRepository) List(ctx context.Context, limit, offset int) ([]*domain.APIKey, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*domain.APIKey
	for _, key := range m.keys {
		keys = append(keys, key)
	}
	return keys, len(keys), nil
}

func (m *MockAPIKeyRepository) Update(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	key.UpdatedAt = time.Now()
	m.keys[key.ID] = key
	return key, nil
}

func (m *MockAPIKeyRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

func (m *MockAPIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[id]; ok {
		now := time.Now()
		key.LastUsedAt = &now
	}
	return nil
}

// MockTokenRevoker tracks revoked sessions in memory.
type MockTokenRevoker struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func NewMockTokenRevoker() *MockTokenRevoker {
	return &MockTokenRevoker{revoked: make(map[string]bool)}
}

func (m *MockTokenRevoker) RevokeSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[sessionID] = true
	return nil
}

func (m *MockTokenRevoker) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[sessionID], nil
}

func newTestService(t *testing.T) (*Service, *MockAPIKeyRepository, *MockTokenRevoker) {
	t.Helper()
	repo := NewMockAPIKeyRepository()
	revoker := NewMockTokenRevoker()
	svc := NewService(repo, nil, revoker, NewJWTManager(testAuthConfig()), zap.NewNop())
	return svc, repo, revoker
}

func TestService_CreateAndVerifyAPIKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	key, plaintext, err := svc.CreateAPIKey(ctx, "ops-team", domain.RoleOperator)
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "ipx_"+key.Prefix+"_") {
		t.Errorf("Expected plaintext to carry the key prefix, got '%s'", plaintext)
	}
	if key.SecretHash == plaintext || strings.Contains(key.SecretHash, strings.Split(plaintext, "_")[2]) {
		t.Error("Secret must not be stored in plaintext")
	}

	verified, err := svc.VerifyAPIKey(ctx, plaintext)
	if err != nil {
		t.Fatalf("VerifyAPIKey failed: %v", err)
	}
	if verified.ID != key.ID {
		t.Errorf("Expected key %s, got %s", key.ID, verified.ID)
	}
	if verified.LastUsedAt == nil {
		t.Error("Expected last-used timestamp to be set after verification")
	}
}

func TestService_VerifyAPIKey_Rejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	key, plaintext, err := svc.CreateAPIKey(ctx, "ops-team", domain.RoleOperator)
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	cases := []struct {
		name      string
		plaintext string
	}{
		{"malformed", "not-a-key"},
		{"wrong scheme", strings.Replace(plaintext, "ipx_", "abc_", 1)},
		{"unknown prefix", "ipx_00000000_" + strings.Split(plaintext, "_")[2]},
		{"wrong secret", "ipx_" + key.Prefix + "_" + strings.Repeat("0", 48)},
	}
	for _, tc := range cases {
		if _, err := svc.VerifyAPIKey(ctx, tc.plaintext); !errors.Is(err, domain.ErrPermissionDenied) {
			t.Errorf("%s: VerifyAPIKey error = %v, want ErrPermissionDenied", tc.name, err)
		}
	}

	// Disabled keys must not authenticate even with the right secret.
	if _, err := svc.SetAPIKeyEnabled(ctx, key.ID, false); err != nil {
		t.Fatalf("SetAPIKeyEnabled failed: %v", err)
	}
	if _, err := svc.VerifyAPIKey(ctx, plaintext); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("VerifyAPIKey on disabled key error = %v, want ErrPermissionDenied", err)
	}
}

func TestService_CreateAPIKey_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.CreateAPIKey(ctx, "", domain.RoleAdmin); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("CreateAPIKey without name error = %v, want ErrInvalidArgument", err)
	}
	if _, _, err := svc.CreateAPIKey(ctx, "x", domain.Role("root")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("CreateAPIKey with unknown role error = %v, want ErrInvalidArgument", err)
	}
}

func TestService_CheckPermission(t *testing.T) {
	svc, _, _ := newTestService(t)

	viewer := &domain.APIKey{Role: domain.RoleViewer, Enabled: true}
	if svc.CheckPermission(viewer, domain.PermissionSessionCreate) {
		t.Error("Viewer must not create sessions")
	}
	if !svc.CheckPermission(viewer, domain.PermissionSessionRead) {
		t.Error("Viewer should read sessions")
	}

	operator := &domain.APIKey{Role: domain.RoleOperator, Enabled: true}
	if !svc.CheckPermission(operator, domain.PermissionSessionCancel) {
		t.Error("Operator should cancel sessions")
	}

	disabled := &domain.APIKey{Role: domain.RoleAdmin, Enabled: false}
	if svc.CheckPermission(disabled, domain.PermissionSessionRead) {
		t.Error("Disabled key must not grant anything")
	}
}

func TestService_AgentTokenRevocation(t *testing.T) {
	svc, _, revoker := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssueAgentToken("sess-9", domain.CertificateRoleTarget, time.Hour)
	if err != nil {
		t.Fatalf("IssueAgentToken failed: %v", err)
	}

	claims, err := svc.VerifyAgentToken(ctx, token)
	if err != nil {
		t.Fatalf("VerifyAgentToken failed: %v", err)
	}
	if claims.SessionID != "sess-9" {
		t.Errorf("Expected session ID 'sess-9', got '%s'", claims.SessionID)
	}

	svc.RevokeSessionTokens(ctx, "sess-9")
	if !revoker.revoked["sess-9"] {
		t.Fatal("Expected session to be marked revoked")
	}

	if _, err := svc.VerifyAgentToken(ctx, token); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("VerifyAgentToken after revocation error = %v, want ErrPermissionDenied", err)
	}
}
