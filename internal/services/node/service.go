package node

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// Service manages the node directory. Nodes register themselves when their
// boot agent comes up in the deploy environment and keep their record alive
// with heartbeats; the clone and partition services resolve agents through
// this directory and never dial anything that is not registered here.
type Service struct {
	repo   Repository
	events *streaming.Service
	logger *zap.Logger

	// staleAfter is how long a node may go without a heartbeat before it is
	// reported offline.
	staleAfter time.Duration
}

// NewService creates a new node service.
func NewService(repo Repository, events *streaming.Service, staleAfter time.Duration, logger *zap.Logger) *Service {
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &Service{
		repo:       repo,
		events:     events,
		logger:     logger.Named("node-service"),
		staleAfter: staleAfter,
	}
}

// RegisterRequest is what a freshly booted agent reports about itself.
type RegisterRequest struct {
	Hostname     string            `json:"hostname"`
	MACAddress   string            `json:"mac_address"`
	ManagementIP string            `json:"management_ip"`
	AgentPort    int32             `json:"agent_port"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	BootProfile  string            `json:"boot_profile,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Register creates or refreshes a node record. The MAC address is the
// stable identity: a node that PXE-boots again after a reboot updates its
// existing record instead of creating a duplicate, which keeps any clone
// session referencing it valid across the reboot.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.Node, error) {
	mac, err := normalizeMAC(req.MACAddress)
	if err != nil {
		return nil, err
	}
	if req.ManagementIP == "" {
		return nil, fmt.Errorf("%w: management ip is required", domain.ErrInvalidArgument)
	}
	if net.ParseIP(req.ManagementIP) == nil {
		return nil, fmt.Errorf("%w: invalid management ip %q", domain.ErrInvalidArgument, req.ManagementIP)
	}

	now := time.Now()

	existing, err := s.repo.GetByMAC(ctx, mac)
	if err == nil {
		existing.Hostname = req.Hostname
		existing.ManagementIP = req.ManagementIP
		existing.AgentPort = req.AgentPort
		existing.SerialNumber = req.SerialNumber
		existing.Architecture = req.Architecture
		existing.BootProfile = req.BootProfile
		if req.Labels != nil {
			existing.Labels = req.Labels
		}
		existing.Phase = domain.NodePhaseBooting
		existing.LastHeartbeat = &now
		existing.UpdatedAt = now

		updated, err := s.repo.Update(ctx, existing)
		if err != nil {
			return nil, fmt.Errorf("failed to update node: %w", err)
		}
		s.logger.Info("Node re-registered",
			zap.String("node_id", updated.ID),
			zap.String("hostname", updated.Hostname),
			zap.String("management_ip", updated.ManagementIP),
		)
		s.events.PublishNodeEvent(streaming.EventTypeUpdated, updated)
		return updated, nil
	}
	if err != domain.ErrNotFound {
		return nil, fmt.Errorf("failed to look up node by mac: %w", err)
	}

	node := &domain.Node{
		ID:            uuid.New().String(),
		Hostname:      req.Hostname,
		MACAddress:    mac,
		ManagementIP:  req.ManagementIP,
		AgentPort:     req.AgentPort,
		SerialNumber:  req.SerialNumber,
		Architecture:  req.Architecture,
		BootProfile:   req.BootProfile,
		Labels:        req.Labels,
		Phase:         domain.NodePhaseDiscovered,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastHeartbeat: &now,
	}

	created, err := s.repo.Create(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	s.logger.Info("Node registered",
		zap.String("node_id", created.ID),
		zap.String("hostname", created.Hostname),
		zap.String("mac", created.MACAddress),
	)
	s.events.PublishNodeEvent(streaming.EventTypeCreated, created)
	return created, nil
}

// Heartbeat refreshes a node's liveness. The first heartbeat of a booting
// node promotes it to ready; heartbeats never demote a node the operator
// put into maintenance.
func (s *Service) Heartbeat(ctx context.Context, id string) (*domain.Node, error) {
	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	node.LastHeartbeat = &now
	node.UpdatedAt = now
	switch node.Phase {
	case domain.NodePhaseDiscovered, domain.NodePhaseBooting, domain.NodePhaseOffline:
		node.Phase = domain.NodePhaseReady
	}

	return s.repo.Update(ctx, node)
}

// GetNode retrieves a node by ID.
func (s *Service) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	return s.repo.Get(ctx, id)
}

// ListNodes returns a filtered, paginated node list.
func (s *Service) ListNodes(ctx context.Context, filter Filter, limit, offset int) ([]*domain.Node, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// SetPhase moves a node to a new lifecycle phase by operator action.
func (s *Service) SetPhase(ctx context.Context, id string, phase domain.NodePhase) (*domain.Node, error) {
	switch phase {
	case domain.NodePhaseReady, domain.NodePhaseOffline, domain.NodePhaseMaintenance, domain.NodePhaseError:
	default:
		return nil, fmt.Errorf("%w: phase %q cannot be set by operators", domain.ErrInvalidArgument, phase)
	}

	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Phase == phase {
		return node, nil
	}
	node.Phase = phase
	node.UpdatedAt = time.Now()

	updated, err := s.repo.Update(ctx, node)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Node phase changed",
		zap.String("node_id", id),
		zap.String("phase", string(phase)),
	)
	s.events.PublishNodeEvent(streaming.EventTypeUpdated, updated)
	return updated, nil
}

// DeleteNode removes a node from the directory.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Node deleted", zap.String("node_id", id))
	s.events.PublishNodeEvent(streaming.EventTypeDeleted, node)
	return nil
}

// RunOfflineMarker periodically marks nodes with stale heartbeats offline.
// It blocks until ctx is done.
func (s *Service) RunOfflineMarker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.markOfflineOnce(ctx)
		}
	}
}

func (s *Service) markOfflineOnce(ctx context.Context) {
	nodes, _, err := s.repo.List(ctx, Filter{}, 0, 0)
	if err != nil {
		s.logger.Error("Offline marker listing failed", zap.Error(err))
		return
	}
	for _, node := range nodes {
		if node.Phase != domain.NodePhaseReady && node.Phase != domain.NodePhaseBooting {
			continue
		}
		if node.IsOnline(s.staleAfter) {
			continue
		}
		node.Phase = domain.NodePhaseOffline
		node.UpdatedAt = time.Now()
		if _, err := s.repo.Update(ctx, node); err != nil {
			s.logger.Warn("Failed to mark node offline",
				zap.String("node_id", node.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Node marked offline", zap.String("node_id", node.ID))
		s.events.PublishNodeEvent(streaming.EventTypeUpdated, node)
	}
}

// normalizeMAC canonicalizes a MAC address to lower-case colon form.
func normalizeMAC(raw string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid mac address %q", domain.ErrInvalidArgument, raw)
	}
	return strings.ToLower(hw.String()), nil
}
