package pubsub

import (
	"fmt"
	"testing"

	"github.com/devrev/hashkv/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBroadcaster_DeliversOncePerConnection(t *testing.T) {
	c1, c2 := newChanSink("c1", 8), newChanSink("c2", 8)
	r := newTestRegistry(t, c1, c2)
	b := NewBroadcaster(r, zap.NewNop(), nil)

	_, err := r.Subscribe("c1", "news.sports")
	require.NoError(t, err)
	_, err = r.PSubscribe("c1", "news.*")
	require.NoError(t, err)
	_, err = r.PSubscribe("c2", "news.*")
	require.NoError(t, err)

	assert.Equal(t, 2, b.Publish("news.sports", []byte("goal")))

	got := c1.drain()
	require.Len(t, got, 1)
	assert.Equal(t, Message{Topic: "news.sports", Payload: []byte("goal")}, got[0])
	assert.Len(t, c2.drain(), 1)

	assert.Equal(t, 0, b.Publish("weather", []byte("rain")))
}

func TestBroadcaster_FIFOPerConnection(t *testing.T) {
	c1 := newChanSink("c1", 100)
	r := newTestRegistry(t, c1)
	b := NewBroadcaster(r, zap.NewNop(), nil)

	_, err := r.PSubscribe("c1", "*")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		b.Publish(fmt.Sprintf("t%d", i%3), []byte(fmt.Sprint(i)))
	}

	got := c1.drain()
	require.Len(t, got, 50)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprint(i), string(msg.Payload))
	}
}

func TestBroadcaster_DropsWhenQueueFull(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	slow, fast := newChanSink("slow", 1), newChanSink("fast", 10)
	r := newTestRegistry(t, slow, fast)
	b := NewBroadcaster(r, zap.NewNop(), m)

	_, err := r.Subscribe("slow", "t")
	require.NoError(t, err)
	_, err = r.Subscribe("fast", "t")
	require.NoError(t, err)

	assert.Equal(t, 2, b.Publish("t", []byte("1")))
	assert.Equal(t, 1, b.Publish("t", []byte("2")))

	assert.Len(t, slow.drain(), 1)
	assert.Len(t, fast.drain(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NotificationsDelivered))
}

func TestBroadcaster_PayloadIsCopied(t *testing.T) {
	c1 := newChanSink("c1", 1)
	r := newTestRegistry(t, c1)
	b := NewBroadcaster(r, zap.NewNop(), nil)
	_, err := r.Subscribe("c1", "t")
	require.NoError(t, err)

	payload := []byte("abc")
	b.Publish("t", payload)
	payload[0] = 'X'

	assert.Equal(t, []byte("abc"), c1.drain()[0].Payload)
}

func TestBroadcaster_NoDeliveryAfterDisconnect(t *testing.T) {
	c1 := newChanSink("c1", 4)
	r := newTestRegistry(t, c1)
	b := NewBroadcaster(r, zap.NewNop(), nil)
	_, err := r.Subscribe("c1", "t")
	require.NoError(t, err)

	r.Disconnect("c1")
	assert.Equal(t, 0, b.Publish("t", []byte("late")))
	assert.Empty(t, c1.drain())
}
