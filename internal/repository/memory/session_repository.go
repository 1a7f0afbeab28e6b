// Package memory provides in-memory repository implementations for development and testing.
// These repositories store data in memory and are not persistent across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/clone"
)

// Ensure SessionRepository implements clone.SessionRepository
var _ clone.SessionRepository = (*SessionRepository)(nil)

// SessionRepository is an in-memory implementation of the clone session
// repository. It's useful for development and testing without a database.
type SessionRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.CloneSession
}

// NewSessionRepository creates a new in-memory session repository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		data: make(map[string]*domain.CloneSession),
	}
}

// Create stores a new clone session.
func (r *SessionRepository) Create(ctx context.Context, session *domain.CloneSession) (*domain.CloneSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, ok := r.data[session.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	stored := cloneSession(session)
	r.data[stored.ID] = stored
	return cloneSession(stored), nil
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.CloneSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSession(session), nil
}

// List returns sessions matching the filter, newest first.
func (r *SessionRepository) List(ctx context.Context, filter clone.SessionFilter, limit, offset int) ([]*domain.CloneSession, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.CloneSession
	for _, session := range r.data {
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.Mode != "" && session.Mode != filter.Mode {
			continue
		}
		if filter.NodeID != "" && session.SourceNodeID != filter.NodeID && session.TargetNodeID != filter.NodeID {
			continue
		}
		matched = append(matched, session)
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

	result := make([]*domain.CloneSession, len(matched))
	for i, session := range matched {
		result[i] = cloneSession(session)
	}
	return result, total, nil
}

// ListActive returns all sessions that have not reached a terminal status.
func (r *SessionRepository) ListActive(ctx context.Context) ([]*domain.CloneSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.CloneSession
	for _, session := range r.data {
		if session.Status.Terminal() {
			continue
		}
		active = append(active, cloneSession(session))
	}
	return active, nil
}

// Update replaces a stored session. UpdatedAt is persisted exactly as set
// by the caller.
func (r *SessionRepository) Update(ctx context.Context, session *domain.CloneSession) (*domain.CloneSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[session.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	stored := cloneSession(session)
	r.data[stored.ID] = stored
	return cloneSession(stored), nil
}

// Delete removes a session.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// cloneSession deep-copies a session so callers cannot mutate stored state.
func cloneSession(s *domain.CloneSession) *domain.CloneSession {
	c := *s
	if s.SourceCertificate != nil {
		cert := *s.SourceCertificate
		c.SourceCertificate = &cert
	}
	if s.TargetCertificate != nil {
		cert := *s.TargetCertificate
		c.TargetCertificate = &cert
	}
	if s.Staging != nil {
		staging := *s.Staging
		c.Staging = &staging
	}
	if s.PartitionPlan != nil {
		c.PartitionPlan = make([]domain.PlanStep, len(s.PartitionPlan))
		copy(c.PartitionPlan, s.PartitionPlan)
	}
	if s.BytesTotal != nil {
		total := *s.BytesTotal
		c.BytesTotal = &total
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
