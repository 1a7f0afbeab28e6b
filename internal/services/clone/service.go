// Package clone provides the clone session orchestration service. The
// controller owns session state and certificates but never touches disk
// bytes; the two boot agents do the work and report back through callbacks.
package clone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/agentapi"
	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/lifecycle"
	"github.com/ironpxe/ironpxe/internal/metrics"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
	"github.com/ironpxe/ironpxe/internal/storage"
)

// SessionRepository defines the interface for clone session persistence.
// Update persists UpdatedAt exactly as set by the caller; the sweeper reads
// it back as callback freshness.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.CloneSession) (*domain.CloneSession, error)
	Get(ctx context.Context, id string) (*domain.CloneSession, error)
	List(ctx context.Context, filter SessionFilter, limit int, offset int) ([]*domain.CloneSession, int, error)
	ListActive(ctx context.Context) ([]*domain.CloneSession, error)
	Update(ctx context.Context, session *domain.CloneSession) (*domain.CloneSession, error)
	Delete(ctx context.Context, id string) error
}

// SessionFilter narrows List results.
type SessionFilter struct {
	Status domain.SessionStatus
	Mode   domain.CloneMode
	NodeID string // matches source or target
}

// NodeDirectory resolves node records for validation and agent addressing.
type NodeDirectory interface {
	GetNode(ctx context.Context, id string) (*domain.Node, error)
}

// DiskSource serves the latest disk scan for a node's device and can demand
// a fresh one from the node's agent.
type DiskSource interface {
	Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error)
	Refresh(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error)
}

// CertificateIssuer mints per-session leaf certificates.
type CertificateIssuer interface {
	Issue(sessionID string, role domain.CertificateRole) (*domain.SessionCertificate, error)
	RootCertificatePEM() []byte
	LeafValidity() time.Duration
}

// TokenIssuer mints and revokes agent callback tokens.
type TokenIssuer interface {
	IssueAgentToken(sessionID string, role domain.CertificateRole, ttl time.Duration) (string, error)
	RevokeSessionTokens(ctx context.Context, sessionID string)
}

// StagingAllocator provisions and releases staging areas for staged clones.
type StagingAllocator interface {
	Provision(ctx context.Context, sessionID string, sizeBytes int64) (*domain.StagingInfo, error)
	Release(ctx context.Context, info *domain.StagingInfo) error
	Directions(info *domain.StagingInfo) (storage.Directions, error)
}

// Notifier delivers begin-now nudges to agents.
type Notifier interface {
	NotifyBeginTransfer(ctx context.Context, node *domain.Node, req agentapi.BeginTransferRequest) error
}

// Leadership gates singleton background work when several control plane
// replicas run at once.
type Leadership interface {
	IsLeader() bool
}

// Service orchestrates clone sessions.
type Service struct {
	repo     SessionRepository
	nodes    NodeDirectory
	disks    DiskSource
	certs    CertificateIssuer
	tokens   TokenIssuer
	staging  StagingAllocator
	gate     lifecycle.Gate
	notifier Notifier
	events   *streaming.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      config.CloneConfig

	queue      OperationQueue
	leadership Leadership

	// Per-session locks serialize callback ingestion against operator
	// actions. Callbacks for different sessions never contend.
	sessionLocks   map[string]*sync.Mutex
	sessionLocksMu sync.Mutex
}

// NewService creates a new clone orchestration service.
func NewService(
	repo SessionRepository,
	nodes NodeDirectory,
	disks DiskSource,
	certs CertificateIssuer,
	tokens TokenIssuer,
	staging StagingAllocator,
	gate lifecycle.Gate,
	notifier Notifier,
	events *streaming.Service,
	m *metrics.Metrics,
	cfg config.CloneConfig,
	logger *zap.Logger,
) *Service {
	if gate == nil {
		gate = lifecycle.AllowAll{}
	}
	return &Service{
		repo:         repo,
		nodes:        nodes,
		disks:        disks,
		certs:        certs,
		tokens:       tokens,
		staging:      staging,
		gate:         gate,
		notifier:     notifier,
		events:       events,
		metrics:      m,
		cfg:          cfg,
		logger:       logger.Named("clone-service"),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// SetLeadership wires the leader election used to gate the sweeper. Without
// it every replica sweeps, which is safe but noisy.
func (s *Service) SetLeadership(l Leadership) {
	s.leadership = l
}

// getSessionLock returns the mutex guarding one session's state.
func (s *Service) getSessionLock(sessionID string) *sync.Mutex {
	s.sessionLocksMu.Lock()
	defer s.sessionLocksMu.Unlock()

	lock, ok := s.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[sessionID] = lock
	}
	return lock
}

// CreateSessionRequest carries the operator's parameters for a new session.
type CreateSessionRequest struct {
	Name         string
	Mode         domain.CloneMode
	SourceNodeID string
	TargetNodeID string
	SourceDevice string
	TargetDevice string
	ResizeMode   domain.ResizeMode
	// Retain keeps the staged image after the first completed download.
	Retain bool
	// ReuseStagingFrom points at a completed retained session whose image
	// this session downloads instead of uploading its own.
	ReuseStagingFrom string
}

// CreateSession validates the request, consults the lifecycle gate, and for
// staged sessions provisions (or adopts) the staging area. New sessions
// start in pending; sessions reusing a retained image start in source_ready
// because their upload already happened.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.CloneSession, error) {
	logger := s.logger.With(
		zap.String("method", "CreateSession"),
		zap.String("source_node_id", req.SourceNodeID),
		zap.String("mode", string(req.Mode)),
	)

	if req.SourceDevice == "" {
		req.SourceDevice = s.cfg.DefaultDevice
	}
	if req.TargetDevice == "" {
		req.TargetDevice = s.cfg.DefaultDevice
	}
	if req.ResizeMode == "" {
		req.ResizeMode = domain.ResizeModeNone
	}

	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown clone mode %q", domain.ErrInvalidArgument, req.Mode)
	}
	if !req.ResizeMode.Valid() {
		return nil, fmt.Errorf("%w: unknown resize mode %q", domain.ErrInvalidArgument, req.ResizeMode)
	}
	if req.Mode == domain.CloneModeDirect && (req.Retain || req.ReuseStagingFrom != "") {
		return nil, domain.NewValidationError("retain and reuse apply to staged sessions only")
	}

	source, err := s.nodes.GetNode(ctx, req.SourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("source node: %w", err)
	}
	if !source.Cloneable() {
		return nil, fmt.Errorf("%w: source node %s is %s", domain.ErrConflict, source.ID, source.Phase)
	}
	if req.TargetNodeID != "" {
		if _, err := s.validateTarget(ctx, req.SourceNodeID, req.TargetNodeID); err != nil {
			return nil, err
		}
	}

	if err := s.gate.Authorize(ctx, lifecycle.ApprovalRequest{
		SessionName:  req.Name,
		Mode:         string(req.Mode),
		SourceNodeID: req.SourceNodeID,
		TargetNodeID: req.TargetNodeID,
	}); err != nil {
		logger.Warn("Lifecycle gate denied session", zap.Error(err))
		return nil, err
	}

	now := time.Now()
	session := &domain.CloneSession{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Mode:         req.Mode,
		Status:       domain.SessionStatusPending,
		SourceNodeID: req.SourceNodeID,
		TargetNodeID: req.TargetNodeID,
		SourceDevice: req.SourceDevice,
		TargetDevice: req.TargetDevice,
		ResizeMode:   req.ResizeMode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.Mode == domain.CloneModeStaged {
		if req.ReuseStagingFrom != "" {
			if err := s.adoptRetainedImage(ctx, session, req); err != nil {
				return nil, err
			}
		} else if err := s.provisionStaging(ctx, session, req.Retain); err != nil {
			return nil, err
		}
	}

	if err := session.Validate(); err != nil {
		return nil, err
	}

	created, err := s.repo.Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("Clone session created",
		zap.String("session_id", created.ID),
		zap.String("status", string(created.Status)),
		zap.String("resize_mode", string(created.ResizeMode)),
	)
	s.metrics.RecordSessionCreated(string(created.Mode))
	s.events.PublishSessionEvent(streaming.EventTypeCreated, created)
	s.refreshActiveGauge(ctx)

	// A reuse session with a target already assigned has nothing to wait
	// for; nudge the target right away.
	if created.Status == domain.SessionStatusSourceReady && created.TargetNodeID != "" {
		go func(id string) {
			if err := s.BeginTarget(context.Background(), id); err != nil {
				s.logger.Warn("Auto begin for reuse session failed",
					zap.String("session_id", id),
					zap.Error(err),
				)
			}
		}(created.ID)
	}

	return created, nil
}

// provisionStaging allocates a fresh staging area sized from the source
// disk's latest scan.
func (s *Service) provisionStaging(ctx context.Context, session *domain.CloneSession, retain bool) error {
	scan, err := s.disks.Get(ctx, session.SourceNodeID, session.SourceDevice)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError(
				"staged session needs a disk scan for %s on node %s to size the staging area",
				session.SourceDevice, session.SourceNodeID)
		}
		return err
	}

	info, err := s.staging.Provision(ctx, session.ID, scan.SizeBytes)
	if err != nil {
		s.metrics.RecordStagingProvision(s.stagingKind(info), "failed")
		return fmt.Errorf("staging provision: %w", err)
	}
	info.Retain = retain
	info.Status = domain.StagingStatusPending
	session.Staging = info
	if err := session.TransitionStagingTo(domain.StagingStatusProvisioned); err != nil {
		return err
	}
	s.metrics.RecordStagingProvision(s.stagingKind(info), "provisioned")
	return nil
}

// adoptRetainedImage points a new session at another session's retained
// staged image. The donor keeps ownership of the backend resource.
func (s *Service) adoptRetainedImage(ctx context.Context, session *domain.CloneSession, req CreateSessionRequest) error {
	donor, err := s.repo.Get(ctx, req.ReuseStagingFrom)
	if err != nil {
		return fmt.Errorf("reuse donor: %w", err)
	}
	if donor.Mode != domain.CloneModeStaged || donor.Staging == nil ||
		!donor.Staging.Retain || donor.Staging.Status != domain.StagingStatusReady {
		return fmt.Errorf("%w: session %s has no retained image ready for reuse",
			domain.ErrConflict, donor.ID)
	}
	if donor.SourceNodeID != session.SourceNodeID {
		return domain.NewValidationError("reused image must come from the same source node")
	}

	now := time.Now()
	session.Staging = &domain.StagingInfo{
		BackendID:  donor.Staging.BackendID,
		Path:       donor.Staging.Path,
		SizeBytes:  donor.Staging.SizeBytes,
		Status:     domain.StagingStatusReady,
		Retain:     req.Retain,
		ReusedFrom: donor.ID,
	}
	// The upload already happened in the donor session.
	session.Status = domain.SessionStatusSourceReady
	session.StartedAt = &now
	if donor.BytesTotal != nil {
		total := *donor.BytesTotal
		session.BytesTotal = &total
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.CloneSession, error) {
	return s.repo.Get(ctx, id)
}

// ListSessions returns a filtered, paginated list of sessions.
func (s *Service) ListSessions(ctx context.Context, filter SessionFilter, limit, offset int) ([]*domain.CloneSession, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// AssignTarget sets or replaces the target node while the session still
// allows it: before the transfer starts. In staged mode that means any time
// until a download begins, which is what makes one-to-many reuse practical.
func (s *Service) AssignTarget(ctx context.Context, sessionID, targetNodeID, targetDevice string) (*domain.CloneSession, error) {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, session.ID, session.Status)
	}
	if session.Status == domain.SessionStatusCloning {
		return nil, fmt.Errorf("%w: transfer already underway", domain.ErrConflict)
	}

	node, err := s.validateTarget(ctx, session.SourceNodeID, targetNodeID)
	if err != nil {
		return nil, err
	}

	session.TargetNodeID = targetNodeID
	if targetDevice != "" {
		session.TargetDevice = targetDevice
	}
	// The target's capacity changed with the target, so any stored plan is
	// stale; it is recomputed when the transfer begins.
	if session.ResizeMode != domain.ResizeModeNone {
		session.PartitionPlan = nil
	}
	session.UpdatedAt = time.Now()

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Target assigned",
		zap.String("session_id", session.ID),
		zap.String("target_node_id", targetNodeID),
		zap.String("hostname", node.Hostname),
	)
	s.events.PublishSessionEvent(streaming.EventTypeUpdated, updated)

	// If the session was only waiting for a target, set it in motion.
	if s.readyForTargetBegin(updated) {
		if err := s.beginTargetLocked(ctx, updated); err != nil {
			s.logger.Warn("Target begin after assignment failed",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
		}
	}

	return updated, nil
}

// validateTarget checks that a target node exists, differs from the source,
// and is in a phase that can receive a clone.
func (s *Service) validateTarget(ctx context.Context, sourceNodeID, targetNodeID string) (*domain.Node, error) {
	if targetNodeID == sourceNodeID {
		return nil, domain.NewValidationError("source and target nodes must differ")
	}
	node, err := s.nodes.GetNode(ctx, targetNodeID)
	if err != nil {
		return nil, fmt.Errorf("target node: %w", err)
	}
	if !node.Cloneable() {
		return nil, fmt.Errorf("%w: target node %s is %s", domain.ErrConflict, node.ID, node.Phase)
	}
	return node, nil
}

// readyForTargetBegin reports whether everything but the target's nudge is
// in place.
func (s *Service) readyForTargetBegin(session *domain.CloneSession) bool {
	if session.TargetNodeID == "" || session.Status.Terminal() {
		return false
	}
	switch session.Mode {
	case domain.CloneModeDirect:
		return session.Status == domain.SessionStatusSourceReady
	case domain.CloneModeStaged:
		return session.StagingReadyForDownload()
	}
	return false
}

// StagingDirections resolves the agent-facing locator for a session's
// staging area. Agents call this before uploading or downloading a staged
// image.
func (s *Service) StagingDirections(ctx context.Context, sessionID string) (storage.Directions, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return storage.Directions{}, err
	}
	if session.Mode != domain.CloneModeStaged || session.Staging == nil {
		return storage.Directions{}, fmt.Errorf("%w: session %s has no staging area", domain.ErrInvalidArgument, sessionID)
	}
	return s.staging.Directions(session.Staging)
}

// stagingKind resolves the backend family for metrics labels.
func (s *Service) stagingKind(info *domain.StagingInfo) string {
	if info == nil {
		return "unknown"
	}
	dirs, err := s.staging.Directions(info)
	if err != nil {
		return "unknown"
	}
	return dirs.Kind
}

// refreshActiveGauge recounts non-terminal sessions for the metrics gauge.
func (s *Service) refreshActiveGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return
	}
	s.metrics.SetSessionsActive(len(active))
}
