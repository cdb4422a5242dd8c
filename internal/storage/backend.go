// Package storage holds hash collections: each key maps to a set of
// field/value pairs. An Engine fronts one of several Backends.
//
// A hash with no fields does not exist. Deleting the last field of a key
// removes the key in every backend.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/hashkv/internal/config"
	"github.com/devrev/hashkv/internal/storage/diskmanager"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend is the minimal set of field-level operations a store provides.
// Every method is atomic with respect to the key it touches.
type Backend interface {
	// Name identifies the backend in logs and metrics
	Name() string
	Get(ctx context.Context, key, field string) (value []byte, found bool, err error)
	// Set upserts a field and returns the value it replaced
	Set(ctx context.Context, key, field string, value []byte) (previous []byte, existed bool, err error)
	Del(ctx context.Context, key, field string) (removed bool, err error)
	Exists(ctx context.Context, key, field string) (bool, error)
	GetAll(ctx context.Context, key string) (map[string][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Type {
	case config.StorageMemory, "":
		logger.Info("Using in-memory storage")
		return NewMemoryBackend(), nil

	case config.StorageBolt:
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dmCfg := diskmanager.DefaultConfig(dir)
		dmCfg.MaxUsage = cfg.MaxDiskUsage
		dm, err := diskmanager.NewDiskManager(dmCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize disk manager: %w", err)
		}
		logger.Info("Using bolt storage", zap.String("path", cfg.Path))
		return OpenBoltBackend(cfg.Path, dm, logger)

	case config.StorageRedis:
		backend := NewRedisBackend(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := backend.Ping(pingCtx); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("redis at %s unreachable: %w", cfg.RedisAddr, err)
		}
		logger.Info("Using redis storage", zap.String("addr", cfg.RedisAddr))
		return backend, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// DiskReporter is implemented by backends that live on the local filesystem
type DiskReporter interface {
	DiskUsage() diskmanager.UsageStats
}
