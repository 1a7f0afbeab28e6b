package clone

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// CallbackType identifies what an agent is reporting.
type CallbackType string

const (
	// CallbackSourceReady is the source's signal that its side is up: in
	// direct mode it is listening for the target, in staged mode it has
	// started uploading.
	CallbackSourceReady CallbackType = "source_ready"
	// CallbackProgress carries transfer counters from either agent.
	CallbackProgress CallbackType = "progress"
	// CallbackUploadComplete is the source reporting the staged image is
	// fully uploaded and verified.
	CallbackUploadComplete CallbackType = "upload_complete"
	// CallbackDownloadStarted is the target reporting it began pulling the
	// staged image.
	CallbackDownloadStarted CallbackType = "download_started"
	// CallbackCompleted is the target reporting the transfer finished and
	// verified. Grow plans run after this, driven by the controller.
	CallbackCompleted CallbackType = "completed"
	// CallbackFailed is either agent reporting an unrecoverable error.
	CallbackFailed CallbackType = "failed"
)

// Valid returns true for a known callback type.
func (t CallbackType) Valid() bool {
	switch t {
	case CallbackSourceReady, CallbackProgress, CallbackUploadComplete,
		CallbackDownloadStarted, CallbackCompleted, CallbackFailed:
		return true
	}
	return false
}

// CallbackRequest is one agent report. The role never comes from the body;
// it is taken from the verified callback token.
type CallbackRequest struct {
	Type CallbackType `json:"type"`

	// Direct-mode listener endpoint, set on source_ready.
	Address string `json:"address,omitempty"`
	Port    int32  `json:"port,omitempty"`

	BytesTransferred int64                `json:"bytes_transferred,omitempty"`
	BytesTotal       *int64               `json:"bytes_total,omitempty"`
	RateBps          int64                `json:"rate_bps,omitempty"`
	Phase            domain.TransferPhase `json:"phase,omitempty"`

	// Message carries the agent's error text on failed callbacks.
	Message string `json:"message,omitempty"`
}

// HandleCallback ingests one agent callback. Ingestion is idempotent: agents
// retry callbacks until acknowledged, so a re-delivered report must land on
// the same state it produced the first time.
func (s *Service) HandleCallback(ctx context.Context, sessionID string, role domain.CertificateRole, cb CallbackRequest) (*domain.CloneSession, error) {
	if !cb.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown callback type %q", domain.ErrInvalidArgument, cb.Type)
	}

	lock := s.getSessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		s.metrics.RecordCallback(string(cb.Type), "unknown_session")
		return nil, err
	}

	prev := session.Status
	outcome, err := s.ingest(ctx, session, role, cb)
	if err != nil {
		s.metrics.RecordCallback(string(cb.Type), "rejected")
		s.logger.Warn("Callback rejected",
			zap.String("session_id", sessionID),
			zap.String("type", string(cb.Type)),
			zap.String("role", string(role)),
			zap.Error(err),
		)
		return nil, err
	}

	if outcome.noop {
		s.metrics.RecordCallback(string(cb.Type), "duplicate")
		return session, nil
	}

	updated, err := s.repo.Update(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.metrics.RecordCallback(string(cb.Type), "accepted")
	if updated.Status != prev {
		s.metrics.RecordTransition(string(prev), string(updated.Status))
	}
	if outcome.event != "" {
		s.events.PublishSessionEvent(outcome.event, updated)
	}
	if outcome.beginTarget && s.readyForTargetBegin(updated) {
		if err := s.beginTargetLocked(ctx, updated); err != nil {
			s.logger.Warn("Target begin after callback failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	if updated.Status.Terminal() {
		s.metrics.ClearSession(updated.ID)
		s.refreshActiveGauge(ctx)
	}
	if updated.Status == domain.SessionStatusCompleted &&
		updated.ResizeMode == domain.ResizeModeGrowTarget && len(updated.PartitionPlan) > 0 {
		go s.runGrowPlan(updated)
	}

	return updated, nil
}

// ingestOutcome tells HandleCallback what to do after the state change.
type ingestOutcome struct {
	event       streaming.EventType
	beginTarget bool
	noop        bool
}

// ingest applies one callback to the session state. It mutates the session
// in place; the caller persists and publishes.
func (s *Service) ingest(ctx context.Context, session *domain.CloneSession, role domain.CertificateRole, cb CallbackRequest) (ingestOutcome, error) {
	var none ingestOutcome

	// Terminal sessions acknowledge duplicate terminal reports and refuse
	// everything else; the refusal is how orphaned agents learn to stop.
	if session.Status.Terminal() {
		if cb.Type == CallbackCompleted && session.Status == domain.SessionStatusCompleted {
			return ingestOutcome{noop: true}, nil
		}
		if cb.Type == CallbackFailed && session.Status == domain.SessionStatusFailed {
			return ingestOutcome{noop: true}, nil
		}
		return none, fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, session.ID, session.Status)
	}

	switch cb.Type {
	case CallbackSourceReady:
		return s.ingestSourceReady(session, role, cb)
	case CallbackProgress:
		return s.ingestProgress(session, cb)
	case CallbackUploadComplete:
		return s.ingestUploadComplete(session, role, cb)
	case CallbackDownloadStarted:
		return s.ingestDownloadStarted(session, role)
	case CallbackCompleted:
		return s.ingestCompleted(ctx, session, role, cb)
	case CallbackFailed:
		return s.ingestFailed(ctx, session, role, cb)
	}
	return none, fmt.Errorf("%w: unknown callback type %q", domain.ErrInvalidArgument, cb.Type)
}

func (s *Service) ingestSourceReady(session *domain.CloneSession, role domain.CertificateRole, cb CallbackRequest) (ingestOutcome, error) {
	var none ingestOutcome
	if role != domain.CertificateRoleSource {
		return none, domain.NewValidationError("source_ready must come from the source agent")
	}
	if session.SourceCertificate == nil {
		return none, fmt.Errorf("%w: session %s was never started", domain.ErrConflict, session.ID)
	}
	// A readiness report arriving after the certificate lapsed describes a
	// listener the target could never authenticate to.
	if session.SourceCertificate.Expired(time.Now()) {
		return none, domain.NewCertificateError("certificate_expired", domain.ErrPermissionDenied)
	}

	if err := session.TransitionTo(domain.SessionStatusSourceReady); err != nil {
		return none, err
	}

	switch session.Mode {
	case domain.CloneModeDirect:
		if cb.Address == "" || cb.Port == 0 {
			return none, domain.NewValidationError("direct source_ready requires the listener address and port")
		}
		session.SourceIP = cb.Address
		session.SourcePort = cb.Port
	case domain.CloneModeStaged:
		// The upload starting is the transfer starting.
		if err := session.TransitionStagingTo(domain.StagingStatusUploading); err != nil {
			return none, err
		}
		if err := session.TransitionTo(domain.SessionStatusCloning); err != nil {
			return none, err
		}
	}

	if cb.BytesTotal != nil || cb.BytesTransferred > 0 || cb.RateBps > 0 {
		if err := session.ApplyProgress(cb.BytesTransferred, cb.RateBps, cb.BytesTotal, cb.Phase); err != nil {
			return none, err
		}
	}
	session.UpdatedAt = time.Now()

	// In direct mode the target can be told to dial as soon as we know
	// where the source listens.
	return ingestOutcome{
		event:       streaming.EventTypeUpdated,
		beginTarget: session.Mode == domain.CloneModeDirect,
	}, nil
}

func (s *Service) ingestProgress(session *domain.CloneSession, cb CallbackRequest) (ingestOutcome, error) {
	var none ingestOutcome

	// The target dialing in is what moves a direct session into cloning.
	if session.Mode == domain.CloneModeDirect && session.Status == domain.SessionStatusSourceReady {
		if err := session.TransitionTo(domain.SessionStatusCloning); err != nil {
			return none, err
		}
	}

	if err := session.ApplyProgress(cb.BytesTransferred, cb.RateBps, cb.BytesTotal, cb.Phase); err != nil {
		return none, err
	}

	s.metrics.RecordProgress(session.ID, session.BytesTransferred, session.TransferRateBps)
	return ingestOutcome{event: streaming.EventTypeProgress}, nil
}

func (s *Service) ingestUploadComplete(session *domain.CloneSession, role domain.CertificateRole, cb CallbackRequest) (ingestOutcome, error) {
	var none ingestOutcome
	if role != domain.CertificateRoleSource {
		return none, domain.NewValidationError("upload_complete must come from the source agent")
	}
	if session.Mode != domain.CloneModeStaged {
		return none, domain.NewValidationError("upload_complete applies to staged sessions only")
	}

	if session.Staging != nil && session.Staging.Status == domain.StagingStatusReady {
		return ingestOutcome{noop: true}, nil
	}
	if err := session.TransitionStagingTo(domain.StagingStatusReady); err != nil {
		return none, err
	}
	if cb.BytesTransferred > 0 || cb.BytesTotal != nil {
		if err := session.ApplyProgress(cb.BytesTransferred, cb.RateBps, cb.BytesTotal, cb.Phase); err != nil {
			return none, err
		}
	}
	session.UpdatedAt = time.Now()

	s.logger.Info("Staged image ready",
		zap.String("session_id", session.ID),
		zap.String("backend_id", session.Staging.BackendID),
	)
	return ingestOutcome{event: streaming.EventTypeUpdated, beginTarget: true}, nil
}

func (s *Service) ingestDownloadStarted(session *domain.CloneSession, role domain.CertificateRole) (ingestOutcome, error) {
	var none ingestOutcome
	if role != domain.CertificateRoleTarget {
		return none, domain.NewValidationError("download_started must come from the target agent")
	}
	if session.Mode != domain.CloneModeStaged {
		return none, domain.NewValidationError("download_started applies to staged sessions only")
	}

	if session.Staging != nil && session.Staging.Status == domain.StagingStatusDownloading {
		return ingestOutcome{noop: true}, nil
	}
	if err := session.TransitionStagingTo(domain.StagingStatusDownloading); err != nil {
		return none, err
	}
	// Sessions reusing a retained image skip the upload, so this is the
	// first moment they are actually cloning.
	if err := session.TransitionTo(domain.SessionStatusCloning); err != nil {
		return none, err
	}
	session.UpdatedAt = time.Now()

	return ingestOutcome{event: streaming.EventTypeUpdated}, nil
}

func (s *Service) ingestCompleted(ctx context.Context, session *domain.CloneSession, role domain.CertificateRole, cb CallbackRequest) (ingestOutcome, error) {
	var none ingestOutcome
	if role != domain.CertificateRoleTarget {
		return none, domain.NewValidationError("completion is reported by the target agent")
	}

	// A fast direct transfer can finish before its first progress report
	// lands, so completion carries the implied move into cloning the same
	// way a first progress report does.
	if session.Mode == domain.CloneModeDirect && session.Status == domain.SessionStatusSourceReady {
		if err := session.TransitionTo(domain.SessionStatusCloning); err != nil {
			return none, err
		}
	}

	// Fold in the agent's final counters before the terminal transition
	// closes the progress path.
	if cb.BytesTransferred > 0 || cb.BytesTotal != nil {
		if err := session.ApplyProgress(cb.BytesTransferred, cb.RateBps, cb.BytesTotal, cb.Phase); err != nil {
			return none, err
		}
	}

	if session.Mode == domain.CloneModeStaged {
		if session.Staging.Retain {
			// Keep the image for future sessions; downloading returns to
			// ready instead of tearing down.
			if err := session.TransitionStagingTo(domain.StagingStatusReady); err != nil {
				return none, err
			}
		} else {
			s.teardownStaging(ctx, session)
		}
	}

	if err := session.TransitionTo(domain.SessionStatusCompleted); err != nil {
		return none, err
	}

	s.logger.Info("Clone session completed",
		zap.String("session_id", session.ID),
		zap.Int64("bytes_transferred", session.BytesTransferred),
	)
	return ingestOutcome{event: streaming.EventTypeCompleted}, nil
}

func (s *Service) ingestFailed(ctx context.Context, session *domain.CloneSession, role domain.CertificateRole, cb CallbackRequest) (ingestOutcome, error) {
	var none ingestOutcome

	message := cb.Message
	if message == "" {
		message = fmt.Sprintf("%s agent reported failure", role)
	}

	if err := session.Fail(message); err != nil {
		return none, err
	}
	s.teardownStaging(ctx, session)
	s.tokens.RevokeSessionTokens(ctx, session.ID)

	s.logger.Warn("Clone session failed",
		zap.String("session_id", session.ID),
		zap.String("role", string(role)),
		zap.String("error", message),
	)
	return ingestOutcome{event: streaming.EventTypeFailed}, nil
}
