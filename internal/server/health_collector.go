package server

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/model"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/storage"
)

// HealthPublisher receives periodic health samples, e.g. for gossip
type HealthPublisher interface {
	UpdateHealth(sample model.HealthSample)
}

// HealthCollector periodically samples node health, refreshes the system
// gauges and hands the sample to a publisher. It runs whether or not the
// admin HTTP server is enabled.
type HealthCollector struct {
	engine    *storage.Engine
	registry  *pubsub.Registry
	conns     ConnectionCounter
	publisher HealthPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	interval  time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewHealthCollector creates a collector. interval defaults to 15s;
// registry, conns, publisher and m may be nil.
func NewHealthCollector(
	interval time.Duration,
	engine *storage.Engine,
	registry *pubsub.Registry,
	conns ConnectionCounter,
	publisher HealthPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HealthCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthCollector{
		engine:    engine,
		registry:  registry,
		conns:     conns,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		interval:  interval,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins sampling in the background. The first sample is taken
// immediately.
func (c *HealthCollector) Start() {
	c.startOnce.Do(func() {
		c.logger.Debug("Starting health collector", zap.Duration("interval", c.interval))
		go c.loop()
	})
}

// Stop ends sampling and waits for the loop to exit
func (c *HealthCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	started := true
	c.startOnce.Do(func() { started = false })
	if started {
		<-c.done
	}
}

func (c *HealthCollector) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *HealthCollector) collect() {
	sample := c.Sample()

	if c.metrics != nil {
		var available uint64
		if reporter, ok := c.engine.Backend().(storage.DiskReporter); ok {
			available = reporter.DiskUsage().AvailableBytes
		}
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		c.metrics.UpdateSystemStats(sample.DiskUsage, available, int64(memStats.Alloc), runtime.NumGoroutine())
	}
	if c.publisher != nil {
		c.publisher.UpdateHealth(sample)
	}
}

// Sample gathers the current node health
func (c *HealthCollector) Sample() model.HealthSample {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sample := model.HealthSample{BackendReachable: c.engine.Ping(ctx) == nil}
	if c.conns != nil {
		sample.Connections = c.conns.ConnectionCount()
	}
	if c.registry != nil {
		topics, patterns, _ := c.registry.Stats()
		sample.Subscriptions = topics + patterns
	}
	if reporter, ok := c.engine.Backend().(storage.DiskReporter); ok {
		sample.DiskUsage = reporter.DiskUsage().UsagePercent
	}
	return sample
}
