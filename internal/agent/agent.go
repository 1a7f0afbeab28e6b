// Package agent implements the boot environment side of disk cloning: it
// registers the machine, keeps disk scans fresh, and runs the source or
// target role of clone sessions on the controller's signal.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/agent/reporter"
	"github.com/ironpxe/ironpxe/internal/agentapi"
	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/services/clone"
	"github.com/ironpxe/ironpxe/internal/services/node"
)

// Agent is one machine's clone worker.
type Agent struct {
	cfg      config.AgentConfig
	client   *ControllerClient
	scanner  *Scanner
	executor *Executor
	reporter *reporter.Reporter
	logger   *zap.Logger

	nodeID     string
	advertised string // IP the controller and peers reach us on

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New assembles an agent from configuration.
func New(cfg config.AgentConfig, logger *zap.Logger) (*Agent, error) {
	if cfg.ControllerURL == "" {
		return nil, fmt.Errorf("%w: agent.controller_url is required", domain.ErrInvalidArgument)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/ironpxe-agent"
	}

	runner := NewExecRunner(logger)
	scanner := NewScanner(runner, logger)
	client := NewControllerClient(cfg.ControllerURL, 30*time.Second, logger)

	rep, err := reporter.New(
		&callbackSender{client: client},
		filepath.Join(cfg.DataDir, "spool"),
		cfg.FlushInitialBackoff,
		cfg.FlushMaxBackoff,
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:      cfg,
		client:   client,
		scanner:  scanner,
		executor: NewExecutor(runner, scanner, logger),
		reporter: rep,
		logger:   logger.Named("agent"),
		sessions: make(map[string]context.CancelFunc),
	}, nil
}

// callbackEnvelope is the spooled form of one callback: the session token
// travels with the payload so redelivery after a restart still
// authenticates.
type callbackEnvelope struct {
	Token string                `json:"token"`
	Body  clone.CallbackRequest `json:"body"`
}

// callbackSender adapts the controller client to the reporter.
type callbackSender struct {
	client *ControllerClient
}

func (s *callbackSender) Deliver(ctx context.Context, kind string, payload json.RawMessage) error {
	var env callbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &reporter.PermanentError{StatusCode: 0, Message: "malformed envelope: " + err.Error()}
	}
	body, err := json.Marshal(env.Body)
	if err != nil {
		return &reporter.PermanentError{StatusCode: 0, Message: "malformed body: " + err.Error()}
	}
	return s.client.Callback(ctx, env.Token, kind, body)
}

// Run registers the node and blocks servicing the controller until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	go a.reporter.Run(ctx)
	go a.runHeartbeats(ctx)
	go a.runScans(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/clone/begin", a.handleBegin)
	mux.HandleFunc("/v1/partition/execute", a.handleExecute)
	mux.HandleFunc("/v1/disks/scan", a.handleScan)

	addr := fmt.Sprintf("%s:%d", a.cfg.ListenHost, a.cfg.ListenPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	a.logger.Info("Agent listening",
		zap.String("address", addr),
		zap.String("node_id", a.nodeID),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("agent server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// register announces the machine, retrying until the controller answers.
// A PXE-booted machine is useless until it registers, so there is no
// attempt cap here.
func (a *Agent) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	mac, ip := primaryInterface()
	if a.cfg.NodeID != "" {
		// Pinned identity for machines with flaky NIC enumeration.
		hostname = a.cfg.NodeID
	}

	req := node.RegisterRequest{
		Hostname:     hostname,
		MACAddress:   mac,
		ManagementIP: ip,
		AgentPort:    int32(a.cfg.ListenPort),
		Architecture: runtime.GOARCH,
	}

	backoff := 2 * time.Second
	for {
		registered, err := a.client.Register(ctx, req)
		if err == nil {
			a.nodeID = registered.ID
			a.advertised = ip
			a.logger.Info("Registered with controller",
				zap.String("node_id", a.nodeID),
				zap.String("mac", mac),
			)
			return nil
		}
		a.logger.Warn("Registration failed, backing off", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (a *Agent) runHeartbeats(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, a.nodeID); err != nil {
				a.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// runScans pushes a fresh scan of every disk on an interval, plus once at
// startup so a newly booted node is immediately plannable.
func (a *Agent) runScans(ctx context.Context) {
	interval := a.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	a.scanAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanAll(ctx)
		}
	}
}

func (a *Agent) scanAll(ctx context.Context) {
	devices, err := a.scanner.ListDevices(ctx)
	if err != nil {
		a.logger.Warn("Device listing failed", zap.Error(err))
		return
	}
	for _, device := range devices {
		scan, err := a.scanner.Scan(ctx, a.nodeID, device)
		if err != nil {
			a.logger.Warn("Scan failed", zap.String("device", device), zap.Error(err))
			continue
		}
		if err := a.client.PushScan(ctx, a.nodeID, scan); err != nil {
			a.logger.Warn("Scan push failed", zap.String("device", device), zap.Error(err))
		}
	}
}

// handleBegin accepts the controller's begin-transfer nudge and runs the
// session asynchronously; the nudge only needs an ack.
func (a *Agent) handleBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req agentapi.BeginTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	role := domain.CertificateRole(req.Role)
	if req.SessionID == "" || req.Token == "" || !role.Valid() {
		http.Error(w, "session_id, role and token are required", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	if _, running := a.sessions[req.SessionID]; running {
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	a.sessions[req.SessionID] = cancel
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.sessions, req.SessionID)
			a.mu.Unlock()
			cancel()
		}()
		a.runSession(sessionCtx, req.SessionID, role, req.Token)
	}()

	w.WriteHeader(http.StatusAccepted)
}

// handleExecute runs one partition operation synchronously and reports the
// tool's verdict.
func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var op domain.PartitionOperation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "invalid operation: "+err.Error(), http.StatusBadRequest)
		return
	}

	result := map[string]string{"status": string(domain.OperationStatusCompleted)}
	if err := a.executor.Execute(r.Context(), &op); err != nil {
		result["status"] = string(domain.OperationStatusFailed)
		result["error_message"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleScan rescans one device on demand and returns the fresh scan.
func (a *Agent) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Device == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}

	scan, err := a.scanner.Scan(r.Context(), a.nodeID, req.Device)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(scan)
}

// primaryInterface picks the first up, non-loopback interface with a MAC
// and an IPv4 address.
func primaryInterface() (mac, ip string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			return iface.HardwareAddr.String(), ipNet.IP.String()
		}
	}
	return "", ""
}
