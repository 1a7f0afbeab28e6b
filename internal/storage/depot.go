package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// DepotBackend stages images on a remote ironpxe-stagingd depot over HTTP.
// The staging record's Path holds the depot-assigned area id.
type DepotBackend struct {
	id      string
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewDepotBackend creates a depot backend for the stagingd at baseURL.
// token may be empty when the depot runs without authentication.
func NewDepotBackend(id, baseURL, token string, logger *zap.Logger) *DepotBackend {
	return &DepotBackend{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("backend", id)),
	}
}

// ID returns the backend identifier.
func (b *DepotBackend) ID() string { return b.id }

// Kind returns "depot".
func (b *DepotBackend) Kind() string { return "depot" }

type depotArea struct {
	ID        string `json:"id"`
	SizeBytes int64  `json:"size_bytes"`
}

type depotStatus struct {
	FreeBytes int64 `json:"free_bytes"`
}

// Provision asks the depot to allocate an area for the session.
func (b *DepotBackend) Provision(ctx context.Context, sessionID string, sizeBytes int64) (*domain.StagingInfo, error) {
	body, err := json.Marshal(map[string]interface{}{
		"session_id": sessionID,
		"size_bytes": sizeBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/areas", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create provision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: depot unreachable: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusInsufficientStorage:
		return nil, fmt.Errorf("%w: depot is out of space", domain.ErrUnavailable)
	default:
		return nil, fmt.Errorf("depot provision failed: %s", readDepotError(resp.Body, resp.Status))
	}

	var area depotArea
	if err := json.NewDecoder(resp.Body).Decode(&area); err != nil {
		return nil, fmt.Errorf("failed to decode depot response: %w", err)
	}

	b.logger.Info("Provisioned depot area",
		zap.String("session_id", sessionID),
		zap.String("area_id", area.ID),
	)

	return &domain.StagingInfo{
		BackendID: b.id,
		Path:      area.ID,
		SizeBytes: area.SizeBytes,
	}, nil
}

// Delete removes the depot area. A 404 means it is already gone, which is
// fine for a teardown path that may run twice.
func (b *DepotBackend) Delete(ctx context.Context, info *domain.StagingInfo) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.areaURL(info), nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: depot unreachable: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("depot delete failed: %s", readDepotError(resp.Body, resp.Status))
	}
}

// FreeBytes queries the depot's status endpoint.
func (b *DepotBackend) FreeBytes(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/status", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create status request: %w", err)
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: depot unreachable: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("depot status failed: %s", readDepotError(resp.Body, resp.Status))
	}

	var status depotStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, fmt.Errorf("failed to decode depot status: %w", err)
	}
	return status.FreeBytes, nil
}

// Directions returns the image URL agents upload to and download from.
func (b *DepotBackend) Directions(info *domain.StagingInfo) Directions {
	return Directions{Kind: "depot", URL: b.areaURL(info) + "/image", Token: b.token}
}

func (b *DepotBackend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

func (b *DepotBackend) areaURL(info *domain.StagingInfo) string {
	return b.baseURL + "/v1/areas/" + info.Path
}

func readDepotError(r io.Reader, status string) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return status
	}
	return fmt.Sprintf("%s: %s", status, bytes.TrimSpace(body))
}
