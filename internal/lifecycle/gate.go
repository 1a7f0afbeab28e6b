// Package lifecycle integrates clone orchestration with the node lifecycle
// gate, an external approval workflow consulted before a session is created.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

// ApprovalRequest describes the clone a caller wants to create.
type ApprovalRequest struct {
	SessionName  string `json:"session_name"`
	Mode         string `json:"mode"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// Gate decides whether a clone session may be created.
type Gate interface {
	Authorize(ctx context.Context, req ApprovalRequest) error
}

// AllowAll approves everything. Used when no gate URL is configured.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(ctx context.Context, req ApprovalRequest) error { return nil }

// HTTPGate consults an external approval service. The gate fails closed: an
// unreachable gate denies the request rather than waving it through.
type HTTPGate struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPGate creates a gate client from configuration.
func NewHTTPGate(cfg config.LifecycleConfig, logger *zap.Logger) *HTTPGate {
	return &HTTPGate{
		url:    cfg.GateURL,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("service", "lifecycle-gate")),
	}
}

// FromConfig returns the configured gate, or an allow-all gate when no URL
// is set.
func FromConfig(cfg config.LifecycleConfig, logger *zap.Logger) Gate {
	if cfg.GateURL == "" {
		return AllowAll{}
	}
	return NewHTTPGate(cfg, logger)
}

// Authorize posts the request to the gate and maps its verdict onto domain
// errors.
func (g *HTTPGate) Authorize(ctx context.Context, req ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.logger.Warn("Lifecycle gate unreachable", zap.Error(err))
		return fmt.Errorf("%w: lifecycle gate unreachable: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, denialReason(resp.Body))
	default:
		return fmt.Errorf("lifecycle gate returned %s", resp.Status)
	}
}

func denialReason(r io.Reader) string {
	var verdict struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&verdict); err == nil && verdict.Reason != "" {
		return verdict.Reason
	}
	return "denied by lifecycle gate"
}
