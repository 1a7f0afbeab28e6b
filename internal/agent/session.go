package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/clone"
)

// progressInterval throttles progress callbacks so a fast transfer does not
// flood the controller.
const progressInterval = 5 * time.Second

// runSession executes this agent's role in one clone session end to end.
// Failures are reported through the failed callback; the controller owns
// the session verdict.
func (a *Agent) runSession(ctx context.Context, sessionID string, role domain.CertificateRole, token string) {
	log := a.logger.With(
		zap.String("session_id", sessionID),
		zap.String("role", string(role)),
	)
	log.Info("Session starting")

	session, err := a.client.SessionState(ctx, token, sessionID)
	if err != nil {
		log.Error("Session state fetch failed", zap.Error(err))
		a.submitFailed(ctx, token, fmt.Sprintf("fetching session state: %v", err))
		return
	}

	switch {
	case session.Mode == domain.CloneModeDirect && role == domain.CertificateRoleSource:
		err = a.runDirectSource(ctx, session, token, log)
	case session.Mode == domain.CloneModeDirect && role == domain.CertificateRoleTarget:
		err = a.runDirectTarget(ctx, session, token, log)
	case session.Mode == domain.CloneModeStaged && role == domain.CertificateRoleSource:
		err = a.runStagedSource(ctx, session, token, log)
	case session.Mode == domain.CloneModeStaged && role == domain.CertificateRoleTarget:
		err = a.runStagedTarget(ctx, session, token, log)
	default:
		err = fmt.Errorf("unsupported mode %s", session.Mode)
	}

	if err != nil {
		log.Error("Session role failed", zap.Error(err))
		a.submitFailed(ctx, token, err.Error())
		return
	}
	log.Info("Session role finished")
}

// runDirectSource listens for the target and streams the device to it.
func (a *Agent) runDirectSource(ctx context.Context, session *domain.CloneSession, token string, log *zap.Logger) error {
	scan, err := a.scanner.Scan(ctx, a.nodeID, session.SourceDevice)
	if err != nil {
		return err
	}

	bundle, err := a.client.FetchCertificateBundle(ctx, token, session.ID, domain.CertificateRoleSource)
	if err != nil {
		return err
	}

	listenAddr := fmt.Sprintf("%s:%d", a.cfg.ListenHost, a.cfg.TransferPort)
	server, err := ListenDirect(*bundle, session.ID, listenAddr, a.logger)
	if err != nil {
		return err
	}
	defer server.Close()

	a.submit(ctx, token, "source-ready", clone.CallbackRequest{
		Type:    clone.CallbackSourceReady,
		Address: a.advertised,
		Port:    server.Port(),
	})
	log.Info("Listening for target",
		zap.String("address", a.advertised),
		zap.Int32("port", server.Port()),
	)

	tracker := a.newTracker(token, scan.SizeBytes)
	return server.Serve(ctx, session.SourceDevice, scan.SizeBytes, tracker.report)
}

// runDirectTarget dials the source, writes the device and reports
// completion.
func (a *Agent) runDirectTarget(ctx context.Context, session *domain.CloneSession, token string, log *zap.Logger) error {
	bundle, err := a.client.FetchCertificateBundle(ctx, token, session.ID, domain.CertificateRoleTarget)
	if err != nil {
		return err
	}

	// The begin nudge races the source's readiness callback; wait for the
	// endpoint to land in the snapshot.
	for attempt := 0; session.SourceIP == ""; attempt++ {
		if attempt >= 10 {
			return fmt.Errorf("source endpoint never appeared for session %s", session.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
		if session, err = a.client.SessionState(ctx, token, session.ID); err != nil {
			return err
		}
	}

	var total int64
	if session.BytesTotal != nil {
		total = *session.BytesTotal
	}
	tracker := a.newTracker(token, total)

	addr := fmt.Sprintf("%s:%d", session.SourceIP, session.SourcePort)
	if err := ReceiveDirect(ctx, *bundle, session.ID, addr, session.TargetDevice, tracker.report, a.logger); err != nil {
		return err
	}

	a.submit(ctx, token, "complete", clone.CallbackRequest{Type: clone.CallbackCompleted})
	return nil
}

// runStagedSource uploads the device image into the staging area.
func (a *Agent) runStagedSource(ctx context.Context, session *domain.CloneSession, token string, log *zap.Logger) error {
	scan, err := a.scanner.Scan(ctx, a.nodeID, session.SourceDevice)
	if err != nil {
		return err
	}

	// Announcing readiness moves the staging area to uploading; directions
	// are only served after that.
	a.submit(ctx, token, "source-ready", clone.CallbackRequest{Type: clone.CallbackSourceReady})

	dirs, err := a.client.StagingDirections(ctx, token, session.ID)
	if err != nil {
		return err
	}
	log.Info("Uploading to staging", zap.String("kind", dirs.Kind))

	tracker := a.newTracker(token, scan.SizeBytes)
	if err := UploadStaged(ctx, dirs, session.SourceDevice, scan.SizeBytes, tracker.report); err != nil {
		return err
	}

	a.submit(ctx, token, "upload-complete", clone.CallbackRequest{Type: clone.CallbackUploadComplete})
	return nil
}

// runStagedTarget downloads the staged image onto the device.
func (a *Agent) runStagedTarget(ctx context.Context, session *domain.CloneSession, token string, log *zap.Logger) error {
	dirs, err := a.client.StagingDirections(ctx, token, session.ID)
	if err != nil {
		return err
	}

	a.submit(ctx, token, "download-started", clone.CallbackRequest{Type: clone.CallbackDownloadStarted})
	log.Info("Downloading from staging", zap.String("kind", dirs.Kind))

	var total int64
	if session.BytesTotal != nil {
		total = *session.BytesTotal
	}
	tracker := a.newTracker(token, total)
	if err := DownloadStaged(ctx, dirs, session.TargetDevice, tracker.report); err != nil {
		return err
	}

	a.submit(ctx, token, "complete", clone.CallbackRequest{Type: clone.CallbackCompleted})
	return nil
}

// submit routes one callback through the offline-resilient reporter.
func (a *Agent) submit(ctx context.Context, token, kind string, body clone.CallbackRequest) {
	if err := a.reporter.Submit(ctx, kind, callbackEnvelope{Token: token, Body: body}); err != nil {
		a.logger.Error("Callback submit failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (a *Agent) submitFailed(ctx context.Context, token, message string) {
	a.submit(ctx, token, "failed", clone.CallbackRequest{
		Type:    clone.CallbackFailed,
		Message: message,
	})
}

// tracker turns raw byte counts into throttled progress callbacks with a
// transfer rate.
type tracker struct {
	agent *Agent
	token string
	total *int64

	mu        sync.Mutex
	lastAt    time.Time
	lastBytes int64
}

func (a *Agent) newTracker(token string, totalBytes int64) *tracker {
	t := &tracker{
		agent:  a,
		token:  token,
		lastAt: time.Now(),
	}
	if totalBytes > 0 {
		t.total = &totalBytes
	}
	return t
}

func (t *tracker) report(bytesTransferred int64) {
	t.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(t.lastAt)
	if elapsed < progressInterval {
		t.mu.Unlock()
		return
	}
	rate := int64(float64(bytesTransferred-t.lastBytes) / elapsed.Seconds())
	t.lastAt = now
	t.lastBytes = bytesTransferred
	t.mu.Unlock()

	t.agent.submit(context.Background(), t.token, "progress", clone.CallbackRequest{
		Type:             clone.CallbackProgress,
		BytesTransferred: bytesTransferred,
		BytesTotal:       t.total,
		RateBps:          rate,
		Phase:            domain.TransferPhaseTransferring,
	})
}
