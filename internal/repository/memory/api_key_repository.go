package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/auth"
)

// Ensure APIKeyRepository implements auth.APIKeyRepository
var _ auth.APIKeyRepository = (*APIKeyRepository)(nil)

// APIKeyRepository is an in-memory implementation of the API key repository.
type APIKeyRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.APIKey
}

// NewAPIKeyRepository creates a new in-memory API key repository.
func NewAPIKeyRepository() *APIKeyRepository {
	return &APIKeyRepository{
		data: make(map[string]*domain.APIKey),
	}
}

// Create stores a new API key.
func (r *APIKeyRepository) Create(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	for _, existing := range r.data {
		if existing.Prefix == key.Prefix {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	stored := cloneAPIKey(key)
	r.data[stored.ID] = stored
	return cloneAPIKey(stored), nil
}

// Get retrieves a key by ID.
func (r *APIKeyRepository) Get(ctx context.Context, id string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAPIKey(key), nil
}

// GetByPrefix retrieves a key by its public prefix.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.data {
		if key.Prefix == prefix {
			return cloneAPIKey(key), nil
		}
	}
	return nil, domain.ErrNotFound
}

// List returns all keys, newest first.
func (r *APIKeyRepository) List(ctx context.Context, limit, offset int) ([]*domain.APIKey, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]*domain.APIKey, 0, len(r.data))
	for _, key := range r.data {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })

	total := len(keys)
	if offset >= total {
		return nil, total, nil
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}

	result := make([]*domain.APIKey, len(keys))
	for i, key := range keys {
		result[i] = cloneAPIKey(key)
	}
	return result, total, nil
}

// Update replaces a stored key.
func (r *APIKeyRepository) Update(ctx context.Context, key *domain.APIKey) (*domain.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[key.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	key.UpdatedAt = time.Now()

	stored := cloneAPIKey(key)
	r.data[stored.ID] = stored
	return cloneAPIKey(stored), nil
}

// Delete removes a key.
func (r *APIKeyRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// TouchLastUsed records a successful verification.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func cloneAPIKey(key *domain.APIKey) *domain.APIKey {
	c := *key
	if key.LastUsedAt != nil {
		t := *key.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
