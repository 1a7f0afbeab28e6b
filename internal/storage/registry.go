package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// Selection strategies for new staged sessions.
const (
	StrategyMostFree   = "most_free"
	StrategyRoundRobin = "round_robin"
)

// Registry owns the configured staging backends and picks one for each new
// staged session.
type Registry struct {
	logger   *zap.Logger
	strategy string

	mu       sync.Mutex
	backends []Backend
	rrNext   int
}

// NewRegistry creates an empty registry using the given selection strategy.
func NewRegistry(strategy string, logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.With(zap.String("service", "staging")),
		strategy: strategy,
	}
}

// FromConfig assembles a registry from configuration. Backend ids are fixed
// so staging records written before a restart still resolve afterwards.
func FromConfig(cfg config.StagingConfig, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(cfg.SelectionStrategy, logger)

	if cfg.PathRoot != "" {
		pb, err := NewPathBackend("path-0", cfg.PathRoot, logger)
		if err != nil {
			return nil, err
		}
		r.Register(pb)
	}
	if len(cfg.BlockVolumes) > 0 {
		bb, err := NewBlockBackend("block-0", cfg.BlockVolumes, logger)
		if err != nil {
			return nil, err
		}
		r.Register(bb)
	}
	if cfg.DepotURL != "" {
		r.Register(NewDepotBackend("depot-0", cfg.DepotURL, cfg.DepotToken, logger))
	}

	if len(r.backends) == 0 {
		return nil, fmt.Errorf("%w: no staging backends configured", domain.ErrInvalidArgument)
	}
	return r, nil
}

// Register adds a backend to the registry.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = append(r.backends, b)
}

// Get returns the backend with the given id.
func (r *Registry) Get(id string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.backends {
		if b.ID() == id {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: staging backend %q", domain.ErrNotFound, id)
}

// Provision selects a backend and allocates a staging area on it.
func (r *Registry) Provision(ctx context.Context, sessionID string, sizeBytes int64) (*domain.StagingInfo, error) {
	backend, err := r.pick(ctx, sizeBytes)
	if err != nil {
		return nil, err
	}

	info, err := backend.Provision(ctx, sessionID, sizeBytes)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Selected staging backend",
		zap.String("session_id", sessionID),
		zap.String("backend_id", backend.ID()),
		zap.String("kind", backend.Kind()),
	)
	return info, nil
}

// Release deletes the staging area through whichever backend allocated it.
func (r *Registry) Release(ctx context.Context, info *domain.StagingInfo) error {
	backend, err := r.Get(info.BackendID)
	if err != nil {
		return err
	}
	return backend.Delete(ctx, info)
}

// Directions resolves the agent-facing locator for a staging area.
func (r *Registry) Directions(info *domain.StagingInfo) (Directions, error) {
	backend, err := r.Get(info.BackendID)
	if err != nil {
		return Directions{}, err
	}
	return backend.Directions(info), nil
}

// Restore re-reserves backend resources referenced by sessions that were
// active when the controller last stopped. Run once at startup, before new
// sessions are accepted, so restarts do not double-allocate.
func (r *Registry) Restore(sessions []*domain.CloneSession) {
	for _, s := range sessions {
		if s.Staging == nil || s.Staging.Status == domain.StagingStatusDeleted {
			continue
		}
		// Reused staging belongs to the donor session.
		if s.Staging.ReusedFrom != "" {
			continue
		}
		backend, err := r.Get(s.Staging.BackendID)
		if err != nil {
			r.logger.Warn("Staging record references unknown backend",
				zap.String("session_id", s.ID),
				zap.String("backend_id", s.Staging.BackendID),
			)
			continue
		}
		if res, ok := backend.(volumeReserver); ok {
			res.reserve(s.Staging, s.ID)
		}
	}
}

// volumeReserver is implemented by backends whose allocations live only in
// memory and must be rebuilt from session records after a restart.
type volumeReserver interface {
	reserve(info *domain.StagingInfo, sessionID string)
}

func (r *Registry) pick(ctx context.Context, sizeBytes int64) (Backend, error) {
	r.mu.Lock()
	backends := make([]Backend, len(r.backends))
	copy(backends, r.backends)
	start := r.rrNext
	if len(backends) > 0 {
		r.rrNext = (r.rrNext + 1) % len(backends)
	}
	r.mu.Unlock()

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no staging backends configured", domain.ErrUnavailable)
	}

	switch r.strategy {
	case StrategyRoundRobin:
		for i := 0; i < len(backends); i++ {
			backend := backends[(start+i)%len(backends)]
			free, err := backend.FreeBytes(ctx)
			if err != nil {
				r.logger.Warn("Staging backend free-space query failed",
					zap.String("backend_id", backend.ID()),
					zap.Error(err),
				)
				continue
			}
			if free >= sizeBytes {
				return backend, nil
			}
		}
	default: // most_free
		var best Backend
		var bestFree int64 = -1
		for _, backend := range backends {
			free, err := backend.FreeBytes(ctx)
			if err != nil {
				r.logger.Warn("Staging backend free-space query failed",
					zap.String("backend_id", backend.ID()),
					zap.Error(err),
				)
				continue
			}
			if free >= sizeBytes && free > bestFree {
				best = backend
				bestFree = free
			}
		}
		if best != nil {
			return best, nil
		}
	}

	return nil, fmt.Errorf("%w: no staging backend can hold %d bytes", domain.ErrUnavailable, sizeBytes)
}
