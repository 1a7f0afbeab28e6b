package clone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/planner"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// OperationQueue materializes resize plans as partition operations and
// applies a device's queue to its agent. Bound after construction because
// the partition service in turn binds this service as its session failer.
type OperationQueue interface {
	QueuePlan(ctx context.Context, nodeID, sessionID, device string, steps []domain.PlanStep) ([]*domain.PartitionOperation, error)
	Apply(ctx context.Context, nodeID, device string) ([]*domain.PartitionOperation, error)
}

// BindOperationQueue wires the partition queue that executes resize plans.
func (s *Service) BindOperationQueue(q OperationQueue) {
	s.queue = q
}

// AnalyzeResize recomputes the session's partition plan from the latest disk
// scans, replacing any previous plan. Analysis is a pending-only operation:
// once the session starts, the stored plan is the one that executes.
func (s *Service) AnalyzeResize(ctx context.Context, sessionID string) (*domain.CloneSession, error) {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusPending {
		return nil, fmt.Errorf("%w: session %s already started (%s)",
			domain.ErrConflict, session.ID, session.Status)
	}
	if session.ResizeMode == domain.ResizeModeNone {
		return nil, domain.NewValidationError("session %s has resize mode none", sessionID)
	}
	if session.TargetNodeID == "" {
		return nil, domain.NewValidationError("resize analysis needs a target node")
	}

	plan, err := s.computePlan(ctx, session)
	if err != nil {
		return nil, err
	}
	session.PartitionPlan = plan
	session.UpdatedAt = time.Now()

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Resize plan computed",
		zap.String("session_id", sessionID),
		zap.String("resize_mode", string(session.ResizeMode)),
		zap.Int("steps", len(plan)),
	)
	s.events.PublishSessionEvent(streaming.EventTypeUpdated, updated)
	return updated, nil
}

// computePlan runs the resize planner against the latest scans of both
// disks. The planner itself is pure; this resolves its inputs.
func (s *Service) computePlan(ctx context.Context, session *domain.CloneSession) ([]domain.PlanStep, error) {
	source, err := s.disks.Get(ctx, session.SourceNodeID, session.SourceDevice)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewValidationError("resize analysis needs a disk scan for %s on node %s",
				session.SourceDevice, session.SourceNodeID)
		}
		return nil, err
	}
	target, err := s.disks.Get(ctx, session.TargetNodeID, session.TargetDevice)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewValidationError("resize analysis needs a disk scan for %s on node %s",
				session.TargetDevice, session.TargetNodeID)
		}
		return nil, err
	}
	return planner.Plan(source, target.SizeBytes, session.ResizeMode)
}

// queuePlanOps materializes the session's plan in the executing device's
// queue. Shrink steps run on the source before any byte moves; grow steps
// run on the target after the transfer.
func (s *Service) queuePlanOps(ctx context.Context, session *domain.CloneSession) error {
	if s.queue == nil || len(session.PartitionPlan) == 0 {
		return nil
	}
	nodeID, device := session.SourceNodeID, session.SourceDevice
	if session.ResizeMode == domain.ResizeModeGrowTarget {
		nodeID, device = session.TargetNodeID, session.TargetDevice
	}
	if _, err := s.queue.QueuePlan(ctx, nodeID, session.ID, device, session.PartitionPlan); err != nil {
		return fmt.Errorf("failed to queue resize plan: %w", err)
	}
	s.logger.Info("Resize plan queued",
		zap.String("session_id", session.ID),
		zap.String("node_id", nodeID),
		zap.String("device", device),
		zap.Int("steps", len(session.PartitionPlan)),
	)
	return nil
}

// applySourcePlan pushes queued shrink operations to the source agent's
// executor. A failed plan operation fails the session through the queue's
// failure hook, so the caller only has to stop the begin flow.
func (s *Service) applySourcePlan(sessionID, nodeID, device string) bool {
	if s.queue == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyDeadline())
	defer cancel()

	if _, err := s.queue.Apply(ctx, nodeID, device); err != nil {
		s.logger.Error("Shrink plan apply failed",
			zap.String("session_id", sessionID),
			zap.String("node_id", nodeID),
			zap.Error(err),
		)
		msg := fmt.Sprintf("resize apply failed: %v", err)
		if failErr := s.FailSession(context.Background(), sessionID, msg); failErr != nil {
			s.logger.Warn("Failed to fail session after resize apply loss",
				zap.String("session_id", sessionID),
				zap.Error(failErr),
			)
		}
		return false
	}
	return true
}

// runGrowPlan queues and applies the grow plan on the target once the
// session completes. Failures stay on the operations themselves; a finished
// clone is never pulled back out of completed by its grow pass.
func (s *Service) runGrowPlan(session *domain.CloneSession) {
	if s.queue == nil || len(session.PartitionPlan) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyDeadline())
	defer cancel()

	// The stored target scan predates the transfer, so the queue would
	// validate the plan against a layout the clone just overwrote. Rescan
	// first; the plan's partitions only exist on the target now.
	if _, err := s.disks.Refresh(ctx, session.TargetNodeID, session.TargetDevice); err != nil {
		s.logger.Warn("Target rescan before grow plan failed",
			zap.String("session_id", session.ID),
			zap.String("node_id", session.TargetNodeID),
			zap.Error(err),
		)
	}

	if err := s.queuePlanOps(ctx, session); err != nil {
		s.logger.Warn("Grow plan queue failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return
	}
	if _, err := s.queue.Apply(ctx, session.TargetNodeID, session.TargetDevice); err != nil {
		s.logger.Warn("Grow plan apply failed",
			zap.String("session_id", session.ID),
			zap.String("node_id", session.TargetNodeID),
			zap.Error(err),
		)
	}
}
