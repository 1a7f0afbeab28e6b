// Package config provides configuration management for the IronPXE control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CA        CAConfig        `mapstructure:"ca"`
	Clone     CloneConfig     `mapstructure:"clone"`
	Node      NodeConfig      `mapstructure:"node"`
	Disk      DiskConfig      `mapstructure:"disk"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds authentication configuration. The JWT secret signs the
// per-session callback tokens handed to agents; API keys authenticate
// operators.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// CAConfig holds certificate authority configuration.
type CAConfig struct {
	// DataDir stores the root key and certificate; created with owner-only
	// permissions on first start.
	DataDir      string        `mapstructure:"data_dir"`
	Organization string        `mapstructure:"organization"`
	RootValidity time.Duration `mapstructure:"root_validity"`
	LeafValidity time.Duration `mapstructure:"leaf_validity"`
}

// CloneConfig holds clone orchestration configuration.
type CloneConfig struct {
	// StaleSessionWindow is how long a non-terminal session may go without a
	// progress callback before the sweeper fails it. Must not be shorter than
	// ca.leaf_validity or slow-but-legitimate transfers get killed.
	StaleSessionWindow time.Duration `mapstructure:"stale_session_window"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	DefaultDevice      string        `mapstructure:"default_device"`
	// Outbound agent notifications ("target, begin now") retry with
	// exponential backoff up to NotifyMaxAttempts.
	NotifyMaxAttempts    int           `mapstructure:"notify_max_attempts"`
	NotifyInitialBackoff time.Duration `mapstructure:"notify_initial_backoff"`
	NotifyMaxBackoff     time.Duration `mapstructure:"notify_max_backoff"`
}

// NodeConfig holds node registry configuration.
type NodeConfig struct {
	// OfflineAfter is how long a node may miss heartbeats before it is
	// marked offline.
	OfflineAfter time.Duration `mapstructure:"offline_after"`
	// OfflineCheckInterval is how often the offline marker runs.
	OfflineCheckInterval time.Duration `mapstructure:"offline_check_interval"`
}

// DiskConfig holds disk inventory configuration.
type DiskConfig struct {
	// CacheTTL bounds how long a scan is served from Redis before falling
	// back to the repository.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// StagingConfig holds staged-clone storage configuration.
type StagingConfig struct {
	// PathRoot is where the built-in file backend allocates per-session
	// directories.
	PathRoot string `mapstructure:"path_root"`
	// DepotURL points at an ironpxe-stagingd instance; empty disables the
	// depot backend.
	DepotURL string `mapstructure:"depot_url"`
	// DepotToken authenticates depot calls; must match the stagingd token.
	DepotToken string `mapstructure:"depot_token"`
	// BlockVolumes lists preallocated volumes available to the block backend.
	BlockVolumes []BlockVolumeConfig `mapstructure:"block_volumes"`
	// SelectionStrategy picks a backend for new staged sessions: most_free
	// or round_robin.
	SelectionStrategy string `mapstructure:"selection_strategy"`
}

// BlockVolumeConfig describes one volume the block staging backend may hand
// out. Volumes are allocated whole, so size_bytes bounds the largest image
// the volume can stage.
type BlockVolumeConfig struct {
	Device    string `mapstructure:"device"`
	SizeBytes int64  `mapstructure:"size_bytes"`
}

// LifecycleConfig holds the node lifecycle gate configuration. The gate is an
// external approval workflow consulted before staged or direct clones are
// created; an empty URL disables it.
type LifecycleConfig struct {
	GateURL string `mapstructure:"gate_url"`
	// OutcomeURL receives fire-and-forget reports when sessions reach a
	// terminal state; empty disables reporting.
	OutcomeURL string        `mapstructure:"outcome_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AgentConfig holds boot agent configuration (used by ironpxe-agent).
type AgentConfig struct {
	NodeID            string        `mapstructure:"node_id"`
	ControllerURL     string        `mapstructure:"controller_url"`
	ListenHost        string        `mapstructure:"listen_host"`
	ListenPort        int           `mapstructure:"listen_port"`
	DataDir           string        `mapstructure:"data_dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	// Flush settings for the offline callback spool.
	FlushInitialBackoff time.Duration `mapstructure:"flush_initial_backoff"`
	FlushMaxBackoff     time.Duration `mapstructure:"flush_max_backoff"`
	TransferPort        int           `mapstructure:"transfer_port"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("IRONPXE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than letting them fail later in a harder-to-diagnose way.
func (c *Config) Validate() error {
	if c.Clone.StaleSessionWindow < c.CA.LeafValidity {
		return fmt.Errorf("clone.stale_session_window (%s) must not be shorter than ca.leaf_validity (%s)",
			c.Clone.StaleSessionWindow, c.CA.LeafValidity)
	}
	if c.Staging.PathRoot == "" && c.Staging.DepotURL == "" && len(c.Staging.BlockVolumes) == 0 {
		return fmt.Errorf("staging requires at least one of staging.path_root, staging.depot_url or staging.block_volumes")
	}
	switch c.Staging.SelectionStrategy {
	case "most_free", "round_robin":
	default:
		return fmt.Errorf("unknown staging.selection_strategy %q", c.Staging.SelectionStrategy)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ironpxe")
	v.SetDefault("database.user", "ironpxe")
	v.SetDefault("database.password", "ironpxe")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Auth
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_expiry", "24h")

	// CA
	v.SetDefault("ca.data_dir", "/var/lib/ironpxe/ca")
	v.SetDefault("ca.organization", "IronPXE")
	v.SetDefault("ca.root_validity", "87600h") // 10 years
	v.SetDefault("ca.leaf_validity", "24h")

	// Clone
	v.SetDefault("clone.stale_session_window", "25h") // leaf validity + retry buffer
	v.SetDefault("clone.sweep_interval", "5m")
	v.SetDefault("node.offline_after", "1m")
	v.SetDefault("node.offline_check_interval", "30s")
	v.SetDefault("disk.cache_ttl", "5m")
	v.SetDefault("clone.default_device", "/dev/sda")
	v.SetDefault("clone.notify_max_attempts", 5)
	v.SetDefault("clone.notify_initial_backoff", "2s")
	v.SetDefault("clone.notify_max_backoff", "1m")

	// Staging
	v.SetDefault("staging.path_root", "/var/lib/ironpxe/staging")
	v.SetDefault("staging.depot_url", "")
	v.SetDefault("staging.selection_strategy", "most_free")

	// Lifecycle gate
	v.SetDefault("lifecycle.gate_url", "")
	v.SetDefault("lifecycle.outcome_url", "")
	v.SetDefault("lifecycle.timeout", "5s")

	// Agent
	v.SetDefault("agent.node_id", "")
	v.SetDefault("agent.controller_url", "http://localhost:8080")
	v.SetDefault("agent.listen_host", "0.0.0.0")
	v.SetDefault("agent.listen_port", 9090)
	v.SetDefault("agent.data_dir", "/var/lib/ironpxe-agent")
	v.SetDefault("agent.heartbeat_interval", "15s")
	v.SetDefault("agent.scan_interval", "5m")
	v.SetDefault("agent.flush_initial_backoff", "1s")
	v.SetDefault("agent.flush_max_backoff", "2m")
	v.SetDefault("agent.transfer_port", 9443)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
