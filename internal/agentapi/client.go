// Package agentapi is the controller-side client for the boot agent's HTTP
// surface. Agents are assumed to be transiently unreachable at any moment,
// so every call retries with exponential backoff and surfaces
// domain.AgentUnreachableError once the attempt budget is spent.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// Client talks to boot agents.
type Client struct {
	httpClient     *http.Client
	logger         *zap.Logger
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Options tune the retry budget.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// NewClient creates an agent client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient:     &http.Client{Timeout: opts.Timeout},
		logger:         logger.Named("agentapi"),
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
	}
}

// BeginTransferRequest nudges an agent to start its side of a clone session.
// The token authenticates the agent's callbacks and certificate fetch; the
// agent pulls everything else from the controller itself, so the payload
// stays minimal.
type BeginTransferRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Token     string `json:"token"`
}

// operationResult is the agent's verdict on one executed operation.
type operationResult struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NotifyBeginTransfer tells the node's agent to begin its role in a session.
func (c *Client) NotifyBeginTransfer(ctx context.Context, node *domain.Node, req BeginTransferRequest) error {
	url := node.AgentURL() + "/v1/clone/begin"
	return c.post(ctx, node.ID, url, req, nil)
}

// ExecuteOperation runs one partition operation on the node and returns the
// tool's verdict. A reachable agent reporting failure is an execution error,
// not an unreachability error, and is never retried.
func (c *Client) ExecuteOperation(ctx context.Context, node *domain.Node, op *domain.PartitionOperation) error {
	url := node.AgentURL() + "/v1/partition/execute"
	var result operationResult
	if err := c.post(ctx, node.ID, url, op, &result); err != nil {
		return err
	}
	if result.Status != string(domain.OperationStatusCompleted) {
		return fmt.Errorf("agent reported %s: %s", result.Status, result.ErrorMessage)
	}
	return nil
}

// RequestScan asks the agent to rescan a device and returns the fresh scan.
func (c *Client) RequestScan(ctx context.Context, node *domain.Node, device string) (*domain.DiskInfo, error) {
	url := node.AgentURL() + "/v1/disks/scan"
	var disk domain.DiskInfo
	payload := map[string]string{"device": device}
	if err := c.post(ctx, node.ID, url, payload, &disk); err != nil {
		return nil, err
	}
	return &disk, nil
}

// post sends one JSON request with the retry discipline. Non-2xx responses
// from a reachable agent fail immediately; transport errors burn the retry
// budget and then surface as AgentUnreachableError.
func (c *Client) post(ctx context.Context, nodeID, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	backoff := c.initialBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil {
					io.Copy(io.Discard, resp.Body)
					return nil
				}
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("failed to decode agent response: %w", err)
				}
				return nil
			}
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(msg))
		}

		lastErr = err
		c.logger.Warn("Agent call failed, backing off",
			zap.String("node_id", nodeID),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	return &domain.AgentUnreachableError{
		NodeID:   nodeID,
		Attempts: c.maxAttempts,
		Err:      lastErr,
	}
}
