package clone

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// CancelSession cancels a session from any non-terminal state. Controller
// resources are torn down immediately without waiting for the agents; they
// learn on their next callback, which gets a terminal refusal. Cancelling an
// already-cancelled session is a no-op.
func (s *Service) CancelSession(ctx context.Context, sessionID string) (*domain.CloneSession, error) {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionStatusCancelled {
		return session, nil
	}
	prev := session.Status
	if err := session.Cancel(); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(prev), string(session.Status))

	s.teardownStaging(ctx, session)
	s.tokens.RevokeSessionTokens(ctx, session.ID)

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Clone session cancelled", zap.String("session_id", session.ID))
	s.events.PublishSessionEvent(streaming.EventTypeCancelled, updated)
	s.metrics.ClearSession(session.ID)
	s.refreshActiveGauge(ctx)

	return updated, nil
}

// FailSession fails a session with a reason. Agent failure callbacks,
// undeliverable begin notifications and the stale sweeper all end up here.
func (s *Service) FailSession(ctx context.Context, sessionID, message string) error {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.failLocked(ctx, session, message)
}

// failLocked fails an already-locked session and persists the result. The
// first failure's message wins; re-failing a failed session changes nothing.
func (s *Service) failLocked(ctx context.Context, session *domain.CloneSession, message string) error {
	if session.Status == domain.SessionStatusFailed {
		return nil
	}
	prev := session.Status
	if err := session.Fail(message); err != nil {
		return err
	}
	s.metrics.RecordTransition(string(prev), string(session.Status))

	s.teardownStaging(ctx, session)
	s.tokens.RevokeSessionTokens(ctx, session.ID)

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Warn("Clone session failed",
		zap.String("session_id", session.ID),
		zap.String("error", message),
	)
	s.events.PublishSessionEvent(streaming.EventTypeFailed, updated)
	s.metrics.ClearSession(session.ID)
	s.refreshActiveGauge(ctx)
	return nil
}

// teardownStaging walks the staging sub-state to deleted and releases the
// backend resource. A failed backend release is logged and counted but never
// blocks the teardown: a wedged backend must not pin a session outside its
// terminal state. Sessions that reused another session's image never owned
// the backend resource, so only their bookkeeping is cleared.
func (s *Service) teardownStaging(ctx context.Context, session *domain.CloneSession) {
	if session.Mode != domain.CloneModeStaged || session.Staging == nil {
		return
	}
	if session.Staging.Status == domain.StagingStatusDeleted {
		return
	}
	kind := s.stagingKind(session.Staging)

	if err := session.TransitionStagingTo(domain.StagingStatusCleanup); err != nil {
		s.logger.Warn("Staging cleanup transition rejected",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return
	}

	if session.Staging.ReusedFrom == "" {
		if err := s.staging.Release(ctx, session.Staging); err != nil {
			s.logger.Warn("Staging release failed",
				zap.String("session_id", session.ID),
				zap.String("backend_id", session.Staging.BackendID),
				zap.Error(err),
			)
			s.metrics.RecordStagingRelease(kind, "failed")
		} else {
			s.metrics.RecordStagingRelease(kind, "released")
		}
	}

	if err := session.TransitionStagingTo(domain.StagingStatusDeleted); err != nil {
		s.logger.Warn("Staging deleted transition rejected",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

// ReleaseStaging releases a terminal session's retained staged image. It
// refuses while any active session still downloads from the image.
func (s *Service) ReleaseStaging(ctx context.Context, sessionID string) (*domain.CloneSession, error) {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Mode != domain.CloneModeStaged || session.Staging == nil {
		return nil, domain.NewValidationError("session %s has no staging to release", sessionID)
	}
	if session.Staging.Status == domain.StagingStatusDeleted {
		return session, nil
	}
	if !session.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is still %s, cancel it instead",
			domain.ErrConflict, sessionID, session.Status)
	}
	if err := s.ensureImageUnused(ctx, sessionID); err != nil {
		return nil, err
	}

	s.teardownStaging(ctx, session)

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Retained staging released", zap.String("session_id", sessionID))
	s.events.PublishSessionEvent(streaming.EventTypeUpdated, updated)
	return updated, nil
}

// DeleteSession removes a terminal session's record. A retained image dies
// with its session, so the reuse guard applies here too.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.Status.Terminal() {
		return fmt.Errorf("%w: session %s is still %s, cancel it first",
			domain.ErrConflict, sessionID, session.Status)
	}

	if session.Staging != nil && session.Staging.Status != domain.StagingStatusDeleted {
		if err := s.ensureImageUnused(ctx, sessionID); err != nil {
			return err
		}
		s.teardownStaging(ctx, session)
	}

	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return err
	}

	// Remove lock
	s.sessionLocksMu.Lock()
	delete(s.sessionLocks, sessionID)
	s.sessionLocksMu.Unlock()

	s.logger.Info("Clone session deleted", zap.String("session_id", sessionID))
	s.events.PublishSessionEvent(streaming.EventTypeDeleted, session)
	return nil
}

// ensureImageUnused rejects releasing a retained image while an active
// session still points at it.
func (s *Service) ensureImageUnused(ctx context.Context, sessionID string) error {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, other := range active {
		if other.Staging != nil && other.Staging.ReusedFrom == sessionID {
			return fmt.Errorf("%w: retained image is in use by session %s",
				domain.ErrConflict, other.ID)
		}
	}
	return nil
}

// RunSweeper periodically fails sessions whose agents went quiet. It blocks
// until ctx is done; run it in its own goroutine. When leader election is
// wired, only the leader sweeps.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("Stale session sweeper running",
		zap.Duration("window", s.cfg.StaleSessionWindow),
		zap.Duration("interval", s.cfg.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.leadership != nil && !s.leadership.IsLeader() {
				continue
			}
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce fails every non-terminal session with no callback inside the
// stale window. UpdatedAt doubles as callback freshness: transitions and
// accepted progress both bump it, rejected callbacks do not.
func (s *Service) sweepOnce(ctx context.Context) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		s.logger.Error("Sweep listing failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.cfg.StaleSessionWindow)
	stale := 0
	for _, session := range active {
		if session.UpdatedAt.After(cutoff) {
			continue
		}
		message := fmt.Sprintf("stale session timeout: no agent callback since %s (window %s)",
			session.UpdatedAt.UTC().Format(time.RFC3339), s.cfg.StaleSessionWindow)
		if err := s.FailSession(ctx, session.ID, message); err != nil {
			s.logger.Warn("Sweep could not fail session",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			continue
		}
		stale++
	}

	s.metrics.RecordSweep(stale)
	if stale > 0 {
		s.logger.Info("Swept stale sessions", zap.Int("count", stale))
	}
}
