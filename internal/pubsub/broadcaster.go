package pubsub

import (
	"go.uber.org/zap"

	"github.com/devrev/hashkv/internal/metrics"
)

// Broadcaster fans published messages out to matching subscribers
type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewBroadcaster creates a broadcaster over registry. m may be nil.
func NewBroadcaster(registry *Registry, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

// Publish queues payload for every connection subscribed to topic and
// returns how many accepted it. The subscriber set is snapshotted first and
// no registry lock is held while delivering. A subscriber whose queue is
// full misses the message.
func (b *Broadcaster) Publish(topic string, payload []byte) int {
	sinks := b.registry.Match(topic)
	if len(sinks) == 0 {
		if b.metrics != nil {
			b.metrics.RecordPublish(0, 0)
		}
		return 0
	}

	msg := Message{Topic: topic, Payload: append([]byte{}, payload...)}

	delivered, dropped := 0, 0
	for _, sink := range sinks {
		if sink.Deliver(msg) {
			delivered++
			continue
		}
		dropped++
		b.logger.Debug("Dropped notification for slow subscriber",
			zap.String("conn_id", sink.ID()),
			zap.String("topic", topic))
	}

	if b.metrics != nil {
		b.metrics.RecordPublish(delivered, dropped)
	}
	return delivered
}
