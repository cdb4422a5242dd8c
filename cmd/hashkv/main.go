package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/hashkv/internal/config"
	"github.com/devrev/hashkv/internal/logging"
	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/server"
	"github.com/devrev/hashkv/internal/service"
	"github.com/devrev/hashkv/internal/storage"
)

func main() {
	// Load configuration
	configPath := os.Getenv("HASHKV_CONFIG")
	if configPath == "" {
		configPath = "./server.yaml"
	}

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logs, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()
	logger := logs.Logger

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		_ = logs.Close()
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig, logger *zap.Logger) error {
	nodeID := cfg.Gossip.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	logger = logger.With(zap.String("node_id", nodeID))

	logger.Info("Configuration loaded",
		zap.String("addr", cfg.General.Addr),
		zap.String("storage", cfg.Storage.Type),
		zap.Int("max_connections", cfg.Network.MaxConnections),
		zap.String("compression", cfg.Network.Compression))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg, nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	engine := storage.NewEngine(backend, logger, m)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("Failed to close storage", zap.Error(err))
		}
	}()

	registry := pubsub.NewRegistry(logger, m)
	broadcaster := pubsub.NewBroadcaster(registry, logger, m)
	dispatcher := service.NewDispatcher(engine, registry, broadcaster, logger, m)

	srv, err := server.NewServer(cfg, dispatcher, registry, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	var publisher server.HealthPublisher
	if cfg.Gossip.Enabled {
		gossipSvc, err := service.NewGossipService(cfg.Gossip, srv.Addr().String(), backend.Name(), logger, m)
		if err != nil {
			// presence is advisory; serve without it
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			publisher = gossipSvc
			logger.Info("Gossip service initialized", zap.Int("members", gossipSvc.NumMembers()))
		}
	}

	// gossip peers and the system gauges both depend on the collector,
	// so it runs even without the admin listener
	collector := server.NewHealthCollector(0, engine, registry, srv, publisher, m, logger)
	collector.Start()
	defer collector.Stop()

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		admin = server.NewAdminServer(server.AdminServerConfig{
			Metrics:  cfg.Metrics,
			Gatherer: reg,
		}, engine, srv, logger)
		if _, err := admin.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Network.ShutdownTimeout+5*time.Second)
		defer cancel()

		if admin != nil {
			if err := admin.Stop(shutdownCtx); err != nil {
				logger.Warn("Admin server shutdown failed", zap.Error(err))
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
