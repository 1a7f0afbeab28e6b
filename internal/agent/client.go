package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/agent/reporter"
	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/node"
	"github.com/ironpxe/ironpxe/internal/storage"
)

// ControllerClient is the agent's view of the control plane API.
type ControllerClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewControllerClient creates a controller client.
func NewControllerClient(baseURL string, timeout time.Duration, logger *zap.Logger) *ControllerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ControllerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("controller-client"),
	}
}

// Register announces this machine to the controller and returns the node
// record, including the id everything else is keyed by.
func (c *ControllerClient) Register(ctx context.Context, req node.RegisterRequest) (*domain.Node, error) {
	var registered domain.Node
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/register", "", req, &registered); err != nil {
		return nil, err
	}
	return &registered, nil
}

// Heartbeat tells the controller this agent is alive.
func (c *ControllerClient) Heartbeat(ctx context.Context, nodeID string) error {
	p := fmt.Sprintf("/api/v1/nodes/%s/heartbeat", nodeID)
	return c.do(ctx, http.MethodPost, p, "", nil, nil)
}

// PushScan reports a fresh disk scan. The device path segment is the bare
// name, sda for /dev/sda.
func (c *ControllerClient) PushScan(ctx context.Context, nodeID string, scan *domain.DiskInfo) error {
	p := fmt.Sprintf("/api/v1/nodes/%s/disks/%s", nodeID, path.Base(scan.Device))
	return c.do(ctx, http.MethodPut, p, "", scan, nil)
}

// FetchCertificateBundle retrieves this agent's leaf pair and the root
// certificate for a session. The controller may still be processing the
// transition that authorized the fetch, so it retries with backoff.
func (c *ControllerClient) FetchCertificateBundle(ctx context.Context, token, sessionID string, role domain.CertificateRole) (*domain.CertificateBundle, error) {
	p := fmt.Sprintf("/api/v1/clone/sessions/%s/certificate?role=%s", sessionID, role)

	var bundle domain.CertificateBundle
	backoff := 2 * time.Second
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		lastErr = c.do(ctx, http.MethodGet, p, token, nil, &bundle)
		if lastErr == nil {
			return &bundle, nil
		}
		c.logger.Warn("Certificate fetch failed, backing off",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("fetching certificate bundle: %w", lastErr)
}

// SessionState fetches the session snapshot an agent is allowed to see:
// mode, devices, peer endpoint and staging status.
func (c *ControllerClient) SessionState(ctx context.Context, token, sessionID string) (*domain.CloneSession, error) {
	p := fmt.Sprintf("/api/v1/clone/sessions/%s/state", sessionID)
	var session domain.CloneSession
	if err := c.do(ctx, http.MethodGet, p, token, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// StagingDirections asks where this session's staged image lives.
func (c *ControllerClient) StagingDirections(ctx context.Context, token, sessionID string) (storage.Directions, error) {
	p := fmt.Sprintf("/api/v1/clone/sessions/%s/staging", sessionID)
	var dirs storage.Directions
	if err := c.do(ctx, http.MethodGet, p, token, nil, &dirs); err != nil {
		return storage.Directions{}, err
	}
	return dirs, nil
}

// Callback posts one session event. A 4xx means the controller saw the
// event and refused it, so it comes back as a reporter.PermanentError and
// is never retried.
func (c *ControllerClient) Callback(ctx context.Context, token, kind string, body json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/api/v1/clone/callbacks/"+kind, token, body, nil)
}

// do sends one JSON request. in may be a json.RawMessage, which is sent
// verbatim.
func (c *ControllerClient) do(ctx context.Context, method, p, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		var payload []byte
		switch v := in.(type) {
		case json.RawMessage:
			payload = v
		default:
			encoded, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			payload = encoded
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &reporter.PermanentError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding controller response: %w", err)
	}
	return nil
}
