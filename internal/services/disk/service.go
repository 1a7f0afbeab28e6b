// Package disk tracks the most recent partition-table scan for every
// (node, device) pair. Agents push scans on boot and after every apply;
// the clone planner and the operation queue both validate against the
// snapshot stored here.
package disk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/agentapi"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// Repository persists disk scans keyed by (node, device).
type Repository interface {
	Upsert(ctx context.Context, disk *domain.DiskInfo) error
	Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error)
	ListByNode(ctx context.Context, nodeID string) ([]*domain.DiskInfo, error)
}

// Cache is an optional read-through cache in front of the repository. A
// nil Cache (or one returning errors) degrades to repository reads.
type Cache interface {
	GetDisk(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error)
	SetDisk(ctx context.Context, disk *domain.DiskInfo, ttl time.Duration) error
	DeleteDisk(ctx context.Context, nodeID, device string) error
}

// NodeDirectory resolves node records for on-demand rescans.
type NodeDirectory interface {
	GetNode(ctx context.Context, id string) (*domain.Node, error)
}

// Service ingests and serves disk scans.
type Service struct {
	repo   Repository
	cache  Cache
	nodes  NodeDirectory
	agents *agentapi.Client
	logger *zap.Logger

	cacheTTL time.Duration
}

// NewService creates a new disk service. cache may be nil.
func NewService(repo Repository, cache Cache, nodes NodeDirectory, agents *agentapi.Client, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		nodes:    nodes,
		agents:   agents,
		logger:   logger.Named("disk-service"),
		cacheTTL: cacheTTL,
	}
}

// Ingest stores a scan pushed by an agent. Scans older than the one on
// record are dropped so a delayed report cannot roll the snapshot back.
func (s *Service) Ingest(ctx context.Context, scan *domain.DiskInfo) error {
	if scan.NodeID == "" || scan.Device == "" {
		return fmt.Errorf("%w: scan requires node_id and device", domain.ErrInvalidArgument)
	}
	if scan.SizeBytes <= 0 {
		return fmt.Errorf("%w: scan for %s reports non-positive size", domain.ErrInvalidArgument, scan.Device)
	}
	if scan.ScannedAt.IsZero() {
		scan.ScannedAt = time.Now()
	}

	current, err := s.repo.Get(ctx, scan.NodeID, scan.Device)
	if err == nil && current.ScannedAt.After(scan.ScannedAt) {
		s.logger.Debug("Dropping stale disk scan",
			zap.String("node_id", scan.NodeID),
			zap.String("device", scan.Device),
			zap.Time("scanned_at", scan.ScannedAt),
		)
		return nil
	}
	if err != nil && err != domain.ErrNotFound {
		return fmt.Errorf("failed to load current scan: %w", err)
	}

	if err := s.repo.Upsert(ctx, scan); err != nil {
		return fmt.Errorf("failed to store disk scan: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetDisk(ctx, scan, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache disk scan", zap.Error(err))
		}
	}

	s.logger.Info("Disk scan ingested",
		zap.String("node_id", scan.NodeID),
		zap.String("device", scan.Device),
		zap.Int64("size_bytes", scan.SizeBytes),
		zap.Int("partitions", len(scan.Partitions)),
	)
	return nil
}

// Get returns the latest scan for a device, serving from cache when it can.
func (s *Service) Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	if s.cache != nil {
		if disk, err := s.cache.GetDisk(ctx, nodeID, device); err == nil && disk != nil {
			return disk, nil
		}
	}

	disk, err := s.repo.Get(ctx, nodeID, device)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetDisk(ctx, disk, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache disk scan", zap.Error(err))
		}
	}
	return disk, nil
}

// ListByNode returns all known disks of a node.
func (s *Service) ListByNode(ctx context.Context, nodeID string) ([]*domain.DiskInfo, error) {
	return s.repo.ListByNode(ctx, nodeID)
}

// Refresh asks the node's agent for a fresh scan of one device and ingests
// the result.
func (s *Service) Refresh(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error) {
	node, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	scan, err := s.agents.RequestScan(ctx, node, device)
	if err != nil {
		return nil, err
	}
	scan.NodeID = nodeID
	scan.Device = device
	if err := s.Ingest(ctx, scan); err != nil {
		return nil, err
	}
	return scan, nil
}
