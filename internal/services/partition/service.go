// Package partition implements the per-device partition operation queue and
// its executor. Operations are validated when queued, not when applied, and
// each device's queue is applied strictly in sequence order with at most one
// apply in flight per (node, device).
package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/metrics"
)

// applyLockTimeout bounds how long an apply waits for another replica to
// release the same queue before giving up with a conflict.
const applyLockTimeout = 10 * time.Second

// OperationRepository persists queued partition operations.
type OperationRepository interface {
	Create(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error)
	Get(ctx context.Context, id string) (*domain.PartitionOperation, error)
	List(ctx context.Context, filter OperationFilter) ([]*domain.PartitionOperation, error)
	ListByDevice(ctx context.Context, nodeID, device string) ([]*domain.PartitionOperation, error)
	Update(ctx context.Context, op *domain.PartitionOperation) (*domain.PartitionOperation, error)
	Delete(ctx context.Context, id string) error
	NextSequence(ctx context.Context, nodeID, device string) (int32, error)
}

// DiskRepository provides the most recent scan for a device. Queue-time
// validation runs against this snapshot.
type DiskRepository interface {
	Get(ctx context.Context, nodeID, device string) (*domain.DiskInfo, error)
}

// Tool executes one operation against the node that owns the disk and
// reports the outcome.
type Tool interface {
	Execute(ctx context.Context, op *domain.PartitionOperation) error
}

// SessionFailer lets a failed apply propagate to the clone session that
// queued the operations. Wired after construction to avoid a dependency
// cycle with the clone service.
type SessionFailer interface {
	FailSession(ctx context.Context, sessionID, message string) error
}

// QueueLock is a held cross-replica apply lock.
type QueueLock interface {
	Unlock(ctx context.Context) error
}

// LockManager serializes applies on the same (node, device) queue across
// control plane replicas. The in-process mutex already guards a single
// replica; the manager extends that guarantee cluster-wide.
type LockManager interface {
	TryAcquireLock(ctx context.Context, key string, timeout time.Duration) (QueueLock, error)
}

// OperationFilter narrows List results.
type OperationFilter struct {
	NodeID    string
	Device    string
	SessionID string
	Status    domain.OperationStatus
}

// Service manages partition operation queues.
type Service struct {
	repo    OperationRepository
	disks   DiskRepository
	tool    Tool
	metrics *metrics.Metrics
	logger  *zap.Logger

	sessions SessionFailer
	locks    LockManager

	// Per (node, device) apply locks: at most one apply in flight per queue.
	applyLocks   map[string]*sync.Mutex
	applyLocksMu sync.Mutex
}

// NewService creates a partition operation service.
func NewService(repo OperationRepository, disks DiskRepository, tool Tool, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		disks:      disks,
		tool:       tool,
		metrics:    m,
		logger:     logger.Named("partition"),
		applyLocks: make(map[string]*sync.Mutex),
	}
}

// BindSessionFailer connects the service to the clone session machinery.
func (s *Service) BindSessionFailer(f SessionFailer) {
	s.sessions = f
}

// SetLockManager wires the cross-replica lock used during Apply. Without one,
// applies are serialized within this replica only.
func (s *Service) SetLockManager(lm LockManager) {
	s.locks = lm
}

// QueueRequest describes one operation to append to a device's queue.
type QueueRequest struct {
	NodeID    string
	SessionID string
	Device    string
	Operation domain.OperationType
	Params    domain.OperationParams
}

// Queue validates the request against the most recent scan and appends it to
// the device's queue. Rejected operations never reach the executor.
func (s *Service) Queue(ctx context.Context, req QueueRequest) (*domain.PartitionOperation, error) {
	if req.NodeID == "" || req.Device == "" {
		return nil, domain.NewValidationError("node id and device are required")
	}
	if !req.Operation.Valid() {
		return nil, domain.NewValidationError("unknown operation type %q", req.Operation)
	}

	disk, err := s.disks.Get(ctx, req.NodeID, req.Device)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewValidationError("no scan recorded for %s on node %s", req.Device, req.NodeID)
		}
		return nil, fmt.Errorf("failed to load disk scan: %w", err)
	}

	if err := validateParams(disk, req.Operation, req.Params); err != nil {
		return nil, err
	}

	seq, err := s.repo.NextSequence(ctx, req.NodeID, req.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	now := time.Now()
	op := &domain.PartitionOperation{
		ID:        uuid.New().String(),
		NodeID:    req.NodeID,
		SessionID: req.SessionID,
		Device:    req.Device,
		Operation: req.Operation,
		Params:    req.Params,
		Sequence:  seq,
		Status:    domain.OperationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.repo.Create(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("failed to queue operation: %w", err)
	}

	s.metrics.RecordOperationQueued(string(req.Operation))
	s.logger.Info("Queued partition operation",
		zap.String("operation_id", created.ID),
		zap.String("node_id", req.NodeID),
		zap.String("device", req.Device),
		zap.String("operation", string(req.Operation)),
		zap.Int32("sequence", created.Sequence))
	return created, nil
}

// QueuePlan appends every step of a resize plan to the device's queue,
// preserving the plan's internal order after any operations already queued.
func (s *Service) QueuePlan(ctx context.Context, nodeID, sessionID, device string, steps []domain.PlanStep) ([]*domain.PartitionOperation, error) {
	ops := make([]*domain.PartitionOperation, 0, len(steps))
	for _, step := range steps {
		op, err := s.Queue(ctx, QueueRequest{
			NodeID:    nodeID,
			SessionID: sessionID,
			Device:    device,
			Operation: step.Operation,
			Params:    step.Params,
		})
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Get returns one operation.
func (s *Service) Get(ctx context.Context, id string) (*domain.PartitionOperation, error) {
	return s.repo.Get(ctx, id)
}

// List returns operations matching the filter.
func (s *Service) List(ctx context.Context, filter OperationFilter) ([]*domain.PartitionOperation, error) {
	return s.repo.List(ctx, filter)
}

// Delete removes a pending or failed operation from its queue. Running and
// completed operations are immutable.
func (s *Service) Delete(ctx context.Context, id string) error {
	op, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch op.Status {
	case domain.OperationStatusPending, domain.OperationStatusFailed:
	default:
		return fmt.Errorf("%w: cannot delete %s operation %s", domain.ErrConflict, op.Status, id)
	}
	return s.repo.Delete(ctx, id)
}

// Apply executes the device's queue strictly in sequence order. The first
// failure halts the run, leaving higher-sequence operations pending; a queue
// still holding a failed operation refuses to apply until the operator
// removes or replaces it.
func (s *Service) Apply(ctx context.Context, nodeID, device string) ([]*domain.PartitionOperation, error) {
	lock := s.getApplyLock(nodeID + "/" + device)
	lock.Lock()
	defer lock.Unlock()

	if s.locks != nil {
		held, err := s.locks.TryAcquireLock(ctx, "partition-apply/"+nodeID+device, applyLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: apply for %s on node %s is running on another replica",
				domain.ErrConflict, device, nodeID)
		}
		defer func() {
			if err := held.Unlock(context.Background()); err != nil {
				s.logger.Warn("Failed to release apply lock",
					zap.String("node_id", nodeID),
					zap.String("device", device),
					zap.Error(err))
			}
		}()
	}

	ops, err := s.repo.ListByDevice(ctx, nodeID, device)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	processed := make([]*domain.PartitionOperation, 0, len(ops))
	for _, op := range ops {
		switch op.Status {
		case domain.OperationStatusCompleted:
			continue
		case domain.OperationStatusFailed:
			return processed, fmt.Errorf("%w: operation %s (sequence %d) previously failed; remove or replace it before re-applying",
				domain.ErrConflict, op.ID, op.Sequence)
		case domain.OperationStatusRunning:
			return processed, fmt.Errorf("%w: operation %s is already running", domain.ErrConflict, op.ID)
		}

		op.Status = domain.OperationStatusRunning
		op.UpdatedAt = time.Now()
		if _, err := s.repo.Update(ctx, op); err != nil {
			return processed, fmt.Errorf("failed to mark operation running: %w", err)
		}

		started := time.Now()
		execErr := s.tool.Execute(ctx, op)
		elapsed := time.Since(started).Seconds()
		op.UpdatedAt = time.Now()
		if execErr != nil {
			s.metrics.RecordOperationApplied(string(op.Operation), "failed", elapsed)
			op.Status = domain.OperationStatusFailed
			op.ErrorMessage = execErr.Error()
			if _, err := s.repo.Update(ctx, op); err != nil {
				s.logger.Error("Failed to persist failed operation", zap.String("operation_id", op.ID), zap.Error(err))
			}
			processed = append(processed, op)

			s.logger.Warn("Partition operation failed, halting queue",
				zap.String("operation_id", op.ID),
				zap.String("node_id", nodeID),
				zap.String("device", device),
				zap.Int32("sequence", op.Sequence),
				zap.Error(execErr))

			opErr := &domain.OperationExecutionError{
				OperationID: op.ID,
				Device:      device,
				Err:         execErr,
			}
			s.failOwningSession(ctx, op, opErr)
			return processed, opErr
		}

		s.metrics.RecordOperationApplied(string(op.Operation), "completed", elapsed)
		op.Status = domain.OperationStatusCompleted
		op.ErrorMessage = ""
		if _, err := s.repo.Update(ctx, op); err != nil {
			return processed, fmt.Errorf("failed to persist completed operation: %w", err)
		}
		processed = append(processed, op)

		s.logger.Info("Partition operation completed",
			zap.String("operation_id", op.ID),
			zap.String("node_id", nodeID),
			zap.String("device", device),
			zap.Int32("sequence", op.Sequence))
	}
	return processed, nil
}

// failOwningSession propagates an apply failure to the clone session the
// operation belongs to, if any.
func (s *Service) failOwningSession(ctx context.Context, op *domain.PartitionOperation, opErr error) {
	if op.SessionID == "" || s.sessions == nil {
		return
	}
	if err := s.sessions.FailSession(ctx, op.SessionID, opErr.Error()); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return
		}
		s.logger.Error("Failed to propagate operation failure to session",
			zap.String("session_id", op.SessionID), zap.Error(err))
	}
}

// getApplyLock returns the lock for a (node, device) queue.
func (s *Service) getApplyLock(key string) *sync.Mutex {
	s.applyLocksMu.Lock()
	defer s.applyLocksMu.Unlock()

	lock, ok := s.applyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.applyLocks[key] = lock
	}
	return lock
}

// validateParams applies the queue-time rules against the latest scan.
func validateParams(disk *domain.DiskInfo, op domain.OperationType, params domain.OperationParams) error {
	switch p := params.(type) {
	case domain.ResizeParams:
		if op != domain.OperationResize {
			return domain.NewValidationError("params do not match operation %q", op)
		}
		part := disk.FindPartition(p.Partition)
		if part == nil {
			return domain.NewValidationError("partition %d not present in the most recent scan", p.Partition)
		}
		if p.NewSizeBytes <= 0 {
			return domain.NewValidationError("new size must be positive")
		}
		if p.NewSizeBytes < part.SizeBytes && p.NewSizeBytes < part.MinSizeBytes() {
			return domain.NewValidationError("cannot resize partition %d below its minimum size of %d bytes",
				p.Partition, part.MinSizeBytes())
		}
		if part.StartBytes+p.NewSizeBytes > disk.SizeBytes {
			return domain.NewValidationError("partition %d cannot grow past the end of the disk", p.Partition)
		}

	case domain.CreateParams:
		if op != domain.OperationCreate {
			return domain.NewValidationError("params do not match operation %q", op)
		}
		if p.SizeBytes <= 0 || p.StartBytes < 0 {
			return domain.NewValidationError("create requires a non-negative start and positive size")
		}
		if p.StartBytes+p.SizeBytes > disk.SizeBytes {
			return domain.NewValidationError("new partition extends past the end of the disk")
		}

	case domain.DeleteParams:
		if op != domain.OperationDelete {
			return domain.NewValidationError("params do not match operation %q", op)
		}
		part := disk.FindPartition(p.Partition)
		if part == nil {
			return domain.NewValidationError("partition %d not present in the most recent scan", p.Partition)
		}
		if part.HasFlag("boot") && !p.Override {
			return domain.NewValidationError("partition %d carries the boot flag; deleting it requires override", p.Partition)
		}

	case domain.FormatParams:
		if op != domain.OperationFormat {
			return domain.NewValidationError("params do not match operation %q", op)
		}
		part := disk.FindPartition(p.Partition)
		if part == nil {
			return domain.NewValidationError("partition %d not present in the most recent scan", p.Partition)
		}
		if part.IsMounted() {
			return domain.NewValidationError("partition %d is mounted at %s and cannot be formatted",
				p.Partition, part.Mountpoint)
		}
		if p.Filesystem == "" {
			return domain.NewValidationError("format requires a filesystem")
		}

	case domain.MoveParams:
		if op != domain.OperationMove {
			return domain.NewValidationError("params do not match operation %q", op)
		}
		part := disk.FindPartition(p.Partition)
		if part == nil {
			return domain.NewValidationError("partition %d not present in the most recent scan", p.Partition)
		}
		if p.NewStartBytes < 0 {
			return domain.NewValidationError("new start must be non-negative")
		}
		if p.NewStartBytes+part.SizeBytes > disk.SizeBytes {
			return domain.NewValidationError("partition %d would extend past the end of the disk", p.Partition)
		}

	case domain.SetFlagParams:
		if op != domain.OperationSetFlag {
			return domain.NewValidationError("params do not match operation %q", op)
		}
		if disk.FindPartition(p.Partition) == nil {
			return domain.NewValidationError("partition %d not present in the most recent scan", p.Partition)
		}
		if p.Flag == "" {
			return domain.NewValidationError("flag name is required")
		}

	case nil:
		return domain.NewValidationError("operation params are required")

	default:
		return domain.NewValidationError("unsupported params type %T", params)
	}
	return nil
}
