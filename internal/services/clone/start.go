package clone

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/agentapi"
	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// StartSession arms a pending session: it issues the source agent's
// certificate and callback token and nudges the source to begin. The session
// stays pending until the source's readiness callback arrives.
func (s *Service) StartSession(ctx context.Context, sessionID string) (*domain.CloneSession, error) {
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

	node, err := s.nodes.GetNode(ctx, session.SourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("source node: %w", err)
	}
	if !node.Cloneable() {
		return nil, fmt.Errorf("%w: source node %s is %s", domain.ErrConflict, node.ID, node.Phase)
	}

	// Resize plans are computed up front when the target is already known,
	// so an infeasible clone dies before any agent does work.
	if session.ResizeMode != domain.ResizeModeNone && session.PartitionPlan == nil && session.TargetNodeID != "" {
		plan, err := s.computePlan(ctx, session)
		if err != nil {
			return nil, err
		}
		session.PartitionPlan = plan
	}

	// Shrink steps must land on disk before the source serves a single byte.
	shrinkFirst := session.ResizeMode == domain.ResizeModeShrinkSource && len(session.PartitionPlan) > 0
	if shrinkFirst {
		if err := s.queuePlanOps(ctx, session); err != nil {
			return nil, err
		}
	}

	token, err := s.armRole(session, domain.CertificateRoleSource)
	if err != nil {
		return nil, err
	}
	session.UpdatedAt = time.Now()

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Clone session started",
		zap.String("session_id", session.ID),
		zap.String("source_node_id", session.SourceNodeID),
	)
	s.events.PublishSessionEvent(streaming.EventTypeStarted, updated)

	go func() {
		if shrinkFirst && !s.applySourcePlan(updated.ID, updated.SourceNodeID, updated.SourceDevice) {
			return
		}
		s.notifyBegin(node, updated.ID, domain.CertificateRoleSource, token)
	}()

	return updated, nil
}

// BeginTarget issues the target agent's credentials and nudges it to begin.
// Usually invoked automatically once both the data and a target are ready;
// exposed for operators who need to re-send the nudge.
func (s *Service) BeginTarget(ctx context.Context, sessionID string) error {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.beginTargetLocked(ctx, session)
}

// beginTargetLocked does the BeginTarget work for an already-locked session.
func (s *Service) beginTargetLocked(ctx context.Context, session *domain.CloneSession) error {
	if session.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, session.ID, session.Status)
	}
	if session.TargetNodeID == "" {
		return fmt.Errorf("%w: no target node assigned", domain.ErrConflict)
	}

	switch session.Mode {
	case domain.CloneModeDirect:
		if session.Status != domain.SessionStatusSourceReady && session.Status != domain.SessionStatusCloning {
			return fmt.Errorf("%w: source is not ready", domain.ErrConflict)
		}
	case domain.CloneModeStaged:
		if !session.StagingReadyForDownload() && session.Staging.Status != domain.StagingStatusDownloading {
			return fmt.Errorf("%w: staged image is not ready for download", domain.ErrConflict)
		}
	}

	node, err := s.nodes.GetNode(ctx, session.TargetNodeID)
	if err != nil {
		return fmt.Errorf("target node: %w", err)
	}

	// The target's capacity is known now at the latest, so a missing resize
	// plan gets computed here. An infeasible plan fails the session: the
	// source side is already committed.
	shrinkFirst := false
	if session.ResizeMode != domain.ResizeModeNone && session.PartitionPlan == nil {
		plan, err := s.computePlan(ctx, session)
		if err != nil {
			s.failLocked(ctx, session, fmt.Sprintf("resize analysis failed: %v", err))
			return err
		}
		session.PartitionPlan = plan
		// A late shrink plan still has to land on the source before the
		// target pulls anything; nothing has moved yet.
		if session.ResizeMode == domain.ResizeModeShrinkSource && len(plan) > 0 {
			if err := s.queuePlanOps(ctx, session); err != nil {
				return err
			}
			shrinkFirst = true
		}
	}

	token, err := s.armRole(session, domain.CertificateRoleTarget)
	if err != nil {
		return err
	}
	session.UpdatedAt = time.Now()

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("Target begin dispatched",
		zap.String("session_id", session.ID),
		zap.String("target_node_id", session.TargetNodeID),
	)
	s.events.PublishSessionEvent(streaming.EventTypeUpdated, updated)

	go func() {
		if shrinkFirst && !s.applySourcePlan(updated.ID, updated.SourceNodeID, updated.SourceDevice) {
			return
		}
		s.notifyBegin(node, updated.ID, domain.CertificateRoleTarget, token)
	}()

	return nil
}

// armRole makes sure the role has a live certificate and mints a fresh
// callback token for it. An existing unexpired certificate is reused so a
// re-sent nudge does not churn credentials.
func (s *Service) armRole(session *domain.CloneSession, role domain.CertificateRole) (string, error) {
	existing := session.SourceCertificate
	if role == domain.CertificateRoleTarget {
		existing = session.TargetCertificate
	}

	if existing == nil || existing.Expired(time.Now()) {
		cert, err := s.certs.Issue(session.ID, role)
		if err != nil {
			return "", err
		}
		if role == domain.CertificateRoleSource {
			session.SourceCertificate = cert
		} else {
			session.TargetCertificate = cert
		}
		s.metrics.RecordCertificateIssued(string(role))
	}

	token, err := s.tokens.IssueAgentToken(session.ID, role, s.certs.LeafValidity())
	if err != nil {
		return "", fmt.Errorf("failed to issue agent token: %w", err)
	}
	return token, nil
}

// notifyBegin delivers the begin-now nudge with the notifier's retry budget.
// Exhausting the budget fails the session; a nudge that cannot be delivered
// means the clone cannot make progress and the operator has to act anyway.
func (s *Service) notifyBegin(node *domain.Node, sessionID string, role domain.CertificateRole, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyDeadline())
	defer cancel()

	err := s.notifier.NotifyBeginTransfer(ctx, node, agentapi.BeginTransferRequest{
		SessionID: sessionID,
		Role:      string(role),
		Token:     token,
	})
	if err != nil {
		s.metrics.RecordNotification("failed")
		s.logger.Error("Agent begin notification failed",
			zap.String("session_id", sessionID),
			zap.String("node_id", node.ID),
			zap.String("role", string(role)),
			zap.Error(err),
		)
		msg := fmt.Sprintf("%s agent unreachable: %v", role, err)
		if failErr := s.FailSession(context.Background(), sessionID, msg); failErr != nil {
			s.logger.Warn("Failed to fail session after notification loss",
				zap.String("session_id", sessionID),
				zap.Error(failErr),
			)
		}
		return
	}
	s.metrics.RecordNotification("delivered")
}

// notifyDeadline bounds one full notification retry cycle.
func (s *Service) notifyDeadline() time.Duration {
	attempts := s.cfg.NotifyMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return time.Duration(attempts)*s.cfg.NotifyMaxBackoff + time.Minute
}

// FetchCertificateBundle serves an agent its session credentials. Terminal
// sessions refuse the fetch, which is how an agent that slept through a
// cancellation learns to stand down.
func (s *Service) FetchCertificateBundle(ctx context.Context, sessionID string, role domain.CertificateRole) (*domain.CertificateBundle, error) {
	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrPermissionDenied, session.ID, session.Status)
	}

	cert := session.SourceCertificate
	if role == domain.CertificateRoleTarget {
		cert = session.TargetCertificate
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no %s certificate issued for session %s",
			domain.ErrNotFound, role, sessionID)
	}
	if cert.Expired(time.Now()) {
		return nil, domain.NewCertificateError("certificate_expired", domain.ErrPermissionDenied)
	}

	return &domain.CertificateBundle{
		CertificatePEM:     cert.CertificatePEM,
		PrivateKeyPEM:      cert.PrivateKeyPEM,
		RootCertificatePEM: string(s.certs.RootCertificatePEM()),
	}, nil
}
