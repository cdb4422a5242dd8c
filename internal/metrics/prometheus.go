package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hashkv"

// Metrics holds all Prometheus metrics for a hashkv server
type Metrics struct {
	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	BackendErrors   *prometheus.CounterVec

	// Connection metrics
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	ConnectionsRejected  prometheus.Counter
	HandshakeFailures    prometheus.Counter
	FrameBytesReceived   prometheus.Counter
	FrameBytesSent       prometheus.Counter
	FramesCompressed     *prometheus.CounterVec
	RateLimitWaitSeconds prometheus.Histogram

	// Pub/sub metrics
	SubscriptionsActive    *prometheus.GaugeVec
	PublishesTotal         prometheus.Counter
	NotificationsDelivered prometheus.Counter
	NotificationsDropped   prometheus.Counter

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "commands",
			Name:        "total",
			Help:        "Total number of commands executed, by verb and result status",
			ConstLabels: labels,
		}, []string{"verb", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "commands",
			Name:        "duration_seconds",
			Help:        "Histogram of command execution durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16), // 50us to ~1.6s
		}, []string{"verb"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "backend_errors_total",
			Help:        "Total number of storage backend failures",
			ConstLabels: labels,
		}, []string{"backend"}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "connections",
			Name:        "active",
			Help:        "Current number of established client connections",
			ConstLabels: labels,
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "connections",
			Name:        "accepted_total",
			Help:        "Total number of connections that completed the TLS handshake",
			ConstLabels: labels,
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "connections",
			Name:        "rejected_total",
			Help:        "Total number of connections refused because the connection limit was reached",
			ConstLabels: labels,
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "connections",
			Name:        "handshake_failures_total",
			Help:        "Total number of failed TLS handshakes",
			ConstLabels: labels,
		}),
		FrameBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frames",
			Name:        "received_bytes_total",
			Help:        "Total frame bytes read from clients",
			ConstLabels: labels,
		}),
		FrameBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frames",
			Name:        "sent_bytes_total",
			Help:        "Total frame bytes written to clients",
			ConstLabels: labels,
		}),
		FramesCompressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frames",
			Name:        "compressed_total",
			Help:        "Total number of outbound frames compressed, by codec",
			ConstLabels: labels,
		}, []string{"codec"}),
		RateLimitWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "connections",
			Name:        "rate_limit_wait_seconds",
			Help:        "Time commands spent waiting on the per-connection rate limiter",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		SubscriptionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "subscriptions_active",
			Help:        "Current number of subscriptions, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		PublishesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "publishes_total",
			Help:        "Total number of published messages",
			ConstLabels: labels,
		}),
		NotificationsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "notifications_delivered_total",
			Help:        "Total number of notifications queued to subscribers",
			ConstLabels: labels,
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "notifications_dropped_total",
			Help:        "Total number of notifications dropped because a subscriber queue was full or closed",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Current number of gossip members",
			ConstLabels: labels,
		}),

		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage of the data directory",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space of the data directory in bytes",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current heap allocation in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordCommand records the outcome of one dispatched command
func (m *Metrics) RecordCommand(verb, status string, duration float64) {
	m.CommandsTotal.WithLabelValues(verb, status).Inc()
	m.CommandDuration.WithLabelValues(verb).Observe(duration)
}

// RecordBackendError records a storage backend failure
func (m *Metrics) RecordBackendError(backend string) {
	m.BackendErrors.WithLabelValues(backend).Inc()
}

// ConnectionOpened records a connection that completed its handshake
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records a connection that went away
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// RecordHandshakeFailure records a failed TLS handshake
func (m *Metrics) RecordHandshakeFailure() {
	m.HandshakeFailures.Inc()
}

// RecordConnectionRejected records a connection refused at the connection limit
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordFrameIn records bytes read from a client
func (m *Metrics) RecordFrameIn(bytes int) {
	m.FrameBytesReceived.Add(float64(bytes))
}

// RecordFrameOut records bytes written to a client and the codec used, if any
func (m *Metrics) RecordFrameOut(bytes int, codec string) {
	m.FrameBytesSent.Add(float64(bytes))
	if codec != "" {
		m.FramesCompressed.WithLabelValues(codec).Inc()
	}
}

// RecordRateLimitWait records time spent waiting for the rate limiter
func (m *Metrics) RecordRateLimitWait(seconds float64) {
	m.RateLimitWaitSeconds.Observe(seconds)
}

// AddSubscriptions adjusts the subscription gauge for a kind ("exact" or "pattern")
func (m *Metrics) AddSubscriptions(kind string, delta int) {
	m.SubscriptionsActive.WithLabelValues(kind).Add(float64(delta))
}

// RecordPublish records a publish and how its notifications fared
func (m *Metrics) RecordPublish(delivered, dropped int) {
	m.PublishesTotal.Inc()
	m.NotificationsDelivered.Add(float64(delivered))
	m.NotificationsDropped.Add(float64(dropped))
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(totalMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
}

// UpdateSystemStats updates system-level metrics
func (m *Metrics) UpdateSystemStats(diskUsagePercent float64, diskAvailable uint64, memoryBytes int64, goroutines int) {
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryBytes))
	m.GoroutinesTotal.Set(float64(goroutines))
}
