package server

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/model"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/storage"
)

type recordingPublisher struct {
	mu      sync.Mutex
	samples []model.HealthSample
}

func (p *recordingPublisher) UpdateHealth(sample model.HealthSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, sample)
}

func (p *recordingPublisher) last() (model.HealthSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return model.HealthSample{}, false
	}
	return p.samples[len(p.samples)-1], true
}

type fakeSink struct {
	id string
}

func (s *fakeSink) ID() string                  { return s.id }
func (s *fakeSink) Deliver(pubsub.Message) bool { return true }

func TestHealthCollector_PublishesSamples(t *testing.T) {
	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	engine := storage.NewEngine(storage.NewMemoryBackend(), logger, m)
	t.Cleanup(func() { _ = engine.Close() })

	registry := pubsub.NewRegistry(logger, m)
	require.NoError(t, registry.Register(&fakeSink{id: "c1"}))
	_, err := registry.Subscribe("c1", "a", "b")
	require.NoError(t, err)
	_, err = registry.PSubscribe("c1", "c.*")
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	collector := NewHealthCollector(20*time.Millisecond, engine, registry, fakeCounter(2), publisher, m, logger)
	collector.Start()
	collector.Start()

	require.Eventually(t, func() bool {
		sample, ok := publisher.last()
		return ok && sample.Subscriptions == 3
	}, 5*time.Second, 10*time.Millisecond)

	sample, _ := publisher.last()
	assert.True(t, sample.BackendReachable)
	assert.Equal(t, 2, sample.Connections)
	assert.Positive(t, testutil.ToFloat64(m.GoroutinesTotal))

	collector.Stop()
	collector.Stop()
}

func TestHealthCollector_WithoutPublisherOrMetrics(t *testing.T) {
	engine := storage.NewEngine(storage.NewMemoryBackend(), zap.NewNop(), nil)
	t.Cleanup(func() { _ = engine.Close() })

	collector := NewHealthCollector(0, engine, nil, nil, nil, nil, zap.NewNop())
	assert.Equal(t, 15*time.Second, collector.interval)

	sample := collector.Sample()
	assert.True(t, sample.BackendReachable)
	assert.Zero(t, sample.Connections)
	assert.Zero(t, sample.Subscriptions)

	collector.Start()
	collector.Stop()
}

func TestHealthCollector_StopWithoutStart(t *testing.T) {
	engine := storage.NewEngine(storage.NewMemoryBackend(), zap.NewNop(), nil)
	t.Cleanup(func() { _ = engine.Close() })

	collector := NewHealthCollector(time.Second, engine, nil, nil, nil, nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		collector.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a collector that never started")
	}
}
