package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"go.uber.org/zap"
)

// DiskManager watches the filesystem holding the durable backend and
// refuses writes once usage crosses the configured limit
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	checkInterval time.Duration
	warnPercent   float64
	limitPercent  float64
	statfs        func(path string) (total, available uint64, err error)

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	full           bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir       string
	CheckInterval time.Duration
	// MaxUsage is the fraction of the filesystem (0..1] above which writes fail
	MaxUsage float64
	// StatFunc reports total and available bytes; defaults to statfs(2)
	StatFunc func(path string) (total, available uint64, err error)
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:       dataDir,
		CheckInterval: 10 * time.Second,
		MaxUsage:      0.95,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.MaxUsage <= 0 || cfg.MaxUsage > 1 {
		return nil, fmt.Errorf("max usage must be in (0, 1], got %v", cfg.MaxUsage)
	}

	limit := cfg.MaxUsage * 100
	dm := &DiskManager{
		dataDir:       cfg.DataDir,
		logger:        logger,
		checkInterval: cfg.CheckInterval,
		limitPercent:  limit,
		warnPercent:   limit - 10,
		statfs:        cfg.StatFunc,
	}
	if dm.statfs == nil {
		dm.statfs = statfs
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns a DiskFull error when a write of estimatedBytes
// should be rejected
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.full || estimatedBytes > dm.availableBytes {
		return kverrors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// ForceCheck refreshes disk statistics immediately
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.refreshLocked()
}

func (dm *DiskManager) refreshLocked() error {
	total, available, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("filesystem at %s reports zero size", dm.dataDir)
	}

	usage := float64(total-available) / float64(total) * 100.0
	wasFull := dm.full

	dm.usagePercent = usage
	dm.availableBytes = available
	dm.lastCheck = time.Now()
	dm.full = usage >= dm.limitPercent

	switch {
	case dm.full && !wasFull:
		dm.logger.Error("Disk usage limit reached, rejecting writes",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available),
			zap.Float64("limit_percent", dm.limitPercent))
	case !dm.full && wasFull:
		dm.logger.Info("Disk usage back under limit, accepting writes",
			zap.Float64("usage_percent", usage))
	case usage >= dm.warnPercent && !dm.full:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usage),
			zap.Float64("limit_percent", dm.limitPercent))
	}
	return nil
}

// Usage returns the latest disk statistics, refreshing them when stale
func (dm *DiskManager) Usage() UsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return UsageStats{
		UsagePercent:   dm.usagePercent,
		AvailableBytes: dm.availableBytes,
		Full:           dm.full,
		LastCheck:      dm.lastCheck,
	}
}

// UsageStats contains disk usage statistics
type UsageStats struct {
	UsagePercent   float64
	AvailableBytes uint64
	Full           bool
	LastCheck      time.Time
}
