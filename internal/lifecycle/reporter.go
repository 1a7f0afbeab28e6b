package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// OutcomeReport tells the lifecycle collaborator how a session ended.
type OutcomeReport struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	SourceNodeID string    `json:"source_node_id"`
	TargetNodeID string    `json:"target_node_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReportedAt   time.Time `json:"reported_at"`
}

// Reporter delivers terminal-state reports. Reporting is fire-and-forget:
// failures are logged and never surface to the caller.
type Reporter interface {
	ReportOutcome(ctx context.Context, session *domain.CloneSession)
}

// NopReporter discards all reports. Used when no outcome URL is configured.
type NopReporter struct{}

// ReportOutcome does nothing.
func (NopReporter) ReportOutcome(ctx context.Context, session *domain.CloneSession) {}

// HTTPReporter posts outcome reports to an external endpoint.
type HTTPReporter struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPReporter creates a reporter client from configuration.
func NewHTTPReporter(cfg config.LifecycleConfig, logger *zap.Logger) *HTTPReporter {
	return &HTTPReporter{
		url:    cfg.OutcomeURL,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("service", "lifecycle-reporter")),
	}
}

// ReporterFromConfig returns the configured reporter, or a no-op reporter
// when no outcome URL is set.
func ReporterFromConfig(cfg config.LifecycleConfig, logger *zap.Logger) Reporter {
	if cfg.OutcomeURL == "" {
		return NopReporter{}
	}
	return NewHTTPReporter(cfg, logger)
}

// ReportOutcome posts the session's terminal state. Errors are logged only.
func (r *HTTPReporter) ReportOutcome(ctx context.Context, session *domain.CloneSession) {
	report := OutcomeReport{
		SessionID:    session.ID,
		Status:       string(session.Status),
		SourceNodeID: session.SourceNodeID,
		TargetNodeID: session.TargetNodeID,
		ErrorMessage: session.ErrorMessage,
		ReportedAt:   time.Now(),
	}

	body, err := json.Marshal(report)
	if err != nil {
		r.logger.Warn("Failed to marshal outcome report", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("Failed to create outcome request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("Outcome report delivery failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		r.logger.Warn("Outcome report rejected",
			zap.String("session_id", session.ID),
			zap.String("status", resp.Status),
		)
	}
}
