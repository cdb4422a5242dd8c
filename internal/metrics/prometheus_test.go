package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Commands(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "node-1")

	m.RecordCommand("hget", "ok", 0.001)
	m.RecordCommand("hget", "ok", 0.002)
	m.RecordCommand("hdel", "malformed_request", 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("hget", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("hdel", "malformed_request")))
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "node-1")

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordHandshakeFailure()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeFailures))
}

func TestMetrics_PubSub(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "node-1")

	m.AddSubscriptions("exact", 3)
	m.AddSubscriptions("exact", -1)
	m.RecordPublish(4, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscriptionsActive.WithLabelValues("exact")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.NotificationsDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishesTotal))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "node-1")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// a second set on a fresh registry must not collide
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry(), "node-1") })
}
