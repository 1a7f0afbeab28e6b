// Package server provides the HTTP API for the control plane.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/agentapi"
	"github.com/ironpxe/ironpxe/internal/ca"
	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
	"github.com/ironpxe/ironpxe/internal/lifecycle"
	"github.com/ironpxe/ironpxe/internal/metrics"
	"github.com/ironpxe/ironpxe/internal/repository/etcd"
	"github.com/ironpxe/ironpxe/internal/repository/memory"
	"github.com/ironpxe/ironpxe/internal/repository/postgres"
	"github.com/ironpxe/ironpxe/internal/repository/redis"
	"github.com/ironpxe/ironpxe/internal/server/middleware"
	"github.com/ironpxe/ironpxe/internal/services/auth"
	"github.com/ironpxe/ironpxe/internal/services/clone"
	"github.com/ironpxe/ironpxe/internal/services/disk"
	"github.com/ironpxe/ironpxe/internal/services/node"
	"github.com/ironpxe/ironpxe/internal/services/partition"
	"github.com/ironpxe/ironpxe/internal/services/streaming"
	"github.com/ironpxe/ironpxe/internal/storage"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Repository interfaces (abstracted for swappable backends)
	sessionRepo clone.SessionRepository
	nodeRepo    node.Repository
	diskRepo    disk.Repository
	opRepo      partition.OperationRepository
	keyRepo     auth.APIKeyRepository
	auditRepo   auth.AuditRepository

	// Services
	ca               *ca.Service
	authService      *auth.Service
	auth             *middleware.Auth
	staging          *storage.Registry
	gate             lifecycle.Gate
	reporter         lifecycle.Reporter
	agents           *agentapi.Client
	metrics          *metrics.Metrics
	events           *streaming.Service
	cloneService     *clone.Service
	partitionService *partition.Service
	nodeService      *node.Service
	diskService      *disk.Service
	eventsHandler    *EventsHandler

	// Leader election (for HA)
	leader *etcd.Leader
}

// ServerOption configures the server.
type ServerOption func(*Server)

// applyLockManager adapts the etcd client to the partition service's
// cross-replica lock contract.
type applyLockManager struct {
	client *etcd.Client
}

func (a applyLockManager) TryAcquireLock(ctx context.Context, key string, timeout time.Duration) (partition.QueueLock, error) {
	return a.client.TryAcquireLock(ctx, key, timeout)
}

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis caching, token revocation and event fan-out.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for distributed coordination.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	// Initialize repositories
	s.initRepositories()

	// Initialize services
	if err := s.initServices(); err != nil {
		return nil, err
	}

	// Register routes
	s.registerRoutes()

	// Create HTTP server
	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		// Use PostgreSQL repositories
		s.logger.Info("Initializing PostgreSQL repositories")
		s.sessionRepo = postgres.NewSessionRepository(s.db, s.logger)
		s.nodeRepo = postgres.NewNodeRepository(s.db, s.logger)
		s.diskRepo = postgres.NewDiskRepository(s.db, s.logger)
		s.opRepo = postgres.NewOperationRepository(s.db, s.logger)
		s.keyRepo = postgres.NewAPIKeyRepository(s.db, s.logger)
		s.auditRepo = postgres.NewAuditRepository(s.db, s.logger)
	} else {
		// Use in-memory repositories (development mode)
		s.logger.Info("Initializing in-memory repositories")
		s.sessionRepo = memory.NewSessionRepository()
		s.nodeRepo = memory.NewNodeRepository()
		s.diskRepo = memory.NewDiskRepository()
		s.opRepo = memory.NewOperationRepository()
		s.keyRepo = memory.NewAPIKeyRepository()
		s.auditRepo = memory.NewAuditRepository()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initServices initializes business logic services.
func (s *Server) initServices() error {
	s.logger.Info("Initializing services")

	caService, err := ca.New(s.config.CA, s.logger)
	if err != nil {
		return fmt.Errorf("initializing CA: %w", err)
	}
	s.ca = caService

	// Redis is optional. The interfaces below must stay nil, not hold a
	// typed nil, when it is absent.
	var revoker auth.TokenRevoker
	var diskCache disk.Cache
	if s.cache != nil {
		revoker = s.cache
		diskCache = s.cache
	}

	jwtManager := auth.NewJWTManager(s.config.Auth)
	s.authService = auth.NewService(s.keyRepo, s.auditRepo, revoker, jwtManager, s.logger)
	s.auth = middleware.NewAuth(s.authService, s.logger)

	if s.config.Metrics.Enabled {
		s.metrics = metrics.NewMetrics()
	}
	s.events = streaming.NewService(s.logger)
	s.eventsHandler = NewEventsHandler(s.events, s.logger)

	s.agents = agentapi.NewClient(agentapi.Options{
		MaxAttempts:    s.config.Clone.NotifyMaxAttempts,
		InitialBackoff: s.config.Clone.NotifyInitialBackoff,
		MaxBackoff:     s.config.Clone.NotifyMaxBackoff,
	}, s.logger)

	s.staging, err = storage.FromConfig(s.config.Staging, s.logger)
	if err != nil {
		return fmt.Errorf("initializing staging backends: %w", err)
	}

	s.gate = lifecycle.FromConfig(s.config.Lifecycle, s.logger)
	s.reporter = lifecycle.ReporterFromConfig(s.config.Lifecycle, s.logger)

	s.nodeService = node.NewService(s.nodeRepo, s.events, s.config.Node.OfflineAfter, s.logger)
	s.diskService = disk.NewService(s.diskRepo, diskCache, s.nodeService, s.agents, s.config.Disk.CacheTTL, s.logger)

	s.cloneService = clone.NewService(
		s.sessionRepo,
		s.nodeService,
		s.diskService,
		s.ca,
		s.authService,
		s.staging,
		s.gate,
		s.agents,
		s.events,
		s.metrics,
		s.config.Clone,
		s.logger,
	)

	tool := partition.NewAgentTool(s.nodeService, s.agents)
	s.partitionService = partition.NewService(s.opRepo, s.diskRepo, tool, s.metrics, s.logger)
	if s.etcd != nil {
		// With several replicas behind a load balancer, two operators can
		// hit Apply for the same device on different instances.
		s.partitionService.SetLockManager(applyLockManager{s.etcd})
	}

	// The clone and partition services call into each other: resize plans
	// queue partition operations, and a failed apply fails the owning
	// session. Bound after construction to break the cycle.
	s.cloneService.BindOperationQueue(s.partitionService)
	s.partitionService.BindSessionFailer(s.cloneService)

	// Re-associate block and depot staging areas with the sessions that
	// held them before the last restart.
	restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if active, err := s.sessionRepo.ListActive(restoreCtx); err != nil {
		s.logger.Warn("Failed to list active sessions for staging restore", zap.Error(err))
	} else {
		s.staging.Restore(active)
	}

	s.logger.Info("Services initialized",
		zap.Bool("metrics", s.metrics != nil),
		zap.String("staging_strategy", s.config.Staging.SelectionStrategy),
	)
	return nil
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler) // Kubernetes-style endpoint
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	// API info
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// Clone sessions
	s.mux.HandleFunc("/api/v1/clone/sessions", s.handleSessionCollection)
	s.mux.HandleFunc("/api/v1/clone/sessions/", s.handleSessionItem)

	// Agent callbacks
	s.mux.HandleFunc("/api/v1/clone/callbacks/", s.handleCallbacks)

	// Nodes, disks and partition operations
	s.mux.HandleFunc("/api/v1/nodes/register", s.handleNodeRegister)
	s.mux.HandleFunc("/api/v1/nodes", s.handleNodeCollection)
	s.mux.HandleFunc("/api/v1/nodes/", s.handleNodeItem)

	// Admin
	s.mux.HandleFunc("/api/v1/admin/keys", s.handleAdminKeys)
	s.mux.HandleFunc("/api/v1/admin/keys/", s.handleAdminKeyItem)
	s.mux.HandleFunc("/api/v1/admin/audit", s.handleAdminAudit)
	s.mux.HandleFunc("/api/v1/admin/replicas", s.handleAdminReplicas)

	// Event stream
	s.mux.Handle("/api/v1/events/ws", s.eventsHandler)

	// Prometheus metrics
	if s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle(path, promhttp.Handler())
	}

	s.logger.Info("All routes registered")
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	// CORS middleware
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	// Apply middleware
	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"ironpxe-controlplane"}`)
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	// Check PostgreSQL
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	// Check Redis
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	// Check etcd
	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"ready":%t,"components":%s}`, ready, toJSON(details))
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name": "IronPXE Control Plane",
		"version": "0.1.0",
		"api_version": "v1",
		"description": "Bare-metal disk clone orchestration",
		"services": ["CloneService", "NodeService", "DiskService", "PartitionService"],
		"infrastructure": {
			"postgres": %t,
			"redis": %t,
			"etcd": %t
		}
	}`, s.db != nil, s.cache != nil, s.etcd != nil)
}

// Run starts the HTTP server and background workers and blocks until
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	// Start leader election if etcd is available
	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, "controlplane", func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader = leader
			// Without leadership every replica runs the sweeper; safe
			// but noisy, so gate it when we can.
			s.cloneService.SetLeadership(leader)
		}

		go s.runReplicaRegistry(ctx)
	}

	s.ensureBootstrapKey(ctx)

	// Background workers. All of them exit when ctx is cancelled.
	go s.cloneService.RunSweeper(ctx)
	go s.nodeService.RunOfflineMarker(ctx, s.config.Node.OfflineCheckInterval)
	go s.runOutcomeReporter(ctx)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	return s.Shutdown()
}

// ensureBootstrapKey creates the initial admin credential when the key
// store is empty. The plaintext is logged exactly once; there is no other
// way to mint the first key.
func (s *Server) ensureBootstrapKey(ctx context.Context) {
	_, total, err := s.authService.ListAPIKeys(ctx, 1, 0)
	if err != nil {
		s.logger.Warn("Could not check for existing API keys", zap.Error(err))
		return
	}
	if total > 0 {
		return
	}
	key, plaintext, err := s.authService.CreateAPIKey(ctx, "bootstrap-admin", domain.RoleAdmin)
	if err != nil {
		s.logger.Error("Failed to create bootstrap API key", zap.Error(err))
		return
	}
	s.logger.Warn("Created bootstrap admin API key; store it now, it is not shown again",
		zap.String("key_id", key.ID),
		zap.String("api_key", plaintext),
	)
}

// runReplicaRegistry keeps this replica's record fresh in etcd. The record
// rides the coordination lease, so it also vanishes on a crash; the periodic
// re-register only refreshes last_seen for operators watching the registry.
func (s *Server) runReplicaRegistry(ctx context.Context) {
	hostname, _ := os.Hostname()
	state := etcd.ReplicaState{
		ID:       hostname,
		Hostname: hostname,
		Address:  s.config.Server.Address(),
	}

	register := func() {
		if err := s.etcd.RegisterReplica(ctx, state); err != nil {
			s.logger.Warn("Failed to register replica", zap.Error(err))
		}
	}
	register()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}

// runOutcomeReporter forwards terminal session events to the lifecycle
// outcome endpoint and, when Redis is wired, fans session events out to
// other replicas' subscribers.
func (s *Server) runOutcomeReporter(ctx context.Context) {
	sub, err := s.events.Subscribe(ctx, streaming.SubscriptionFilter{
		ResourceType: "session",
	})
	if err != nil {
		s.logger.Error("Failed to subscribe for outcome reporting", zap.Error(err))
		return
	}
	defer s.events.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			session, ok := event.Resource.(*domain.CloneSession)
			if !ok {
				continue
			}
			if s.cache != nil {
				if err := s.cache.PublishSessionEvent(ctx, string(event.Type), session); err != nil {
					s.logger.Warn("Failed to publish session event to Redis", zap.Error(err))
				}
			}
			switch event.Type {
			case streaming.EventTypeCompleted, streaming.EventTypeFailed, streaming.EventTypeCancelled:
				s.reporter.ReportOutcome(ctx, session)
			}
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	// Resign from leadership
	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	// Drop this replica's registry record rather than waiting for the
	// lease to lapse.
	if s.etcd != nil {
		hostname, _ := os.Hostname()
		if err := s.etcd.DeregisterReplica(shutdownCtx, hostname); err != nil {
			s.logger.Warn("Failed to deregister replica", zap.Error(err))
		}
	}

	// Close HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	// Close infrastructure connections
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// toJSON converts a map to JSON string.
func toJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	result := "{"
	first := true
	for k, v := range m {
		if !first {
			result += ","
		}
		result += fmt.Sprintf(`"%s":"%s"`, k, v)
		first = false
	}
	return result + "}"
}
