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

// Ensure AuditRepository implements auth.AuditRepository
var _ auth.AuditRepository = (*AuditRepository)(nil)

// AuditRepository is an in-memory audit log.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
}

// NewAuditRepository creates a new in-memory audit repository.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Create appends an audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	stored := *entry
	r.entries = append(r.entries, &stored)
	return nil
}

// List returns entries matching the filter, newest first.
func (r *AuditRepository) List(ctx context.Context, filter auth.AuditFilter, limit, offset int) ([]*domain.AuditEntry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.AuditEntry
	for _, entry := range r.entries {
		if filter.KeyID != "" && entry.KeyID != filter.KeyID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		if filter.StartTime != nil && entry.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && entry.CreatedAt.After(*filter.EndTime) {
			continue
		}
		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	result := make([]*domain.AuditEntry, len(matched))
	for i, entry := range matched {
		e := *entry
		result[i] = &e
	}
	return result, total, nil
}
