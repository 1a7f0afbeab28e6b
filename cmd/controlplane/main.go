// Package main is the entry point for the IronPXE control plane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/repository/etcd"
	"github.com/ironpxe/ironpxe/internal/repository/postgres"
	"github.com/ironpxe/ironpxe/internal/repository/redis"
	"github.com/ironpxe/ironpxe/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	usePostgres := flag.Bool("postgres", false, "Use PostgreSQL instead of in-memory storage")
	useRedis := flag.Bool("redis", false, "Use Redis for caching, token revocation and event fan-out")
	useEtcd := flag.Bool("etcd", false, "Use etcd for leader election")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("IronPXE Control Plane")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting IronPXE Control Plane",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	// Connect infrastructure
	var opts []server.ServerOption

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer connectCancel()

	if *usePostgres {
		db, err := postgres.NewDB(connectCtx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if *useRedis {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		opts = append(opts, server.WithRedis(cache))
	}

	if *useEtcd {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			logger.Fatal("Failed to connect to etcd", zap.Error(err))
		}
		opts = append(opts, server.WithEtcd(client))
	}

	// Create server
	srv, err := server.New(cfg, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to initialize server", zap.Error(err))
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Run server
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
