package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/devrev/hashkv/internal/command"
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/protocol"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/storage"
)

type testSession struct {
	id    string
	inbox chan pubsub.Message
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) Deliver(msg pubsub.Message) bool {
	select {
	case s.inbox <- msg:
		return true
	default:
		return false
	}
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *pubsub.Registry
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, backend storage.Backend) *fixture {
	t.Helper()
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	engine := storage.NewEngine(backend, logger, m)
	t.Cleanup(func() { _ = engine.Close() })
	registry := pubsub.NewRegistry(logger, m)
	return &fixture{
		dispatcher: NewDispatcher(engine, registry, pubsub.NewBroadcaster(registry, logger, m), logger, m),
		registry:   registry,
		metrics:    m,
	}
}

func (f *fixture) session(t *testing.T, id string) *testSession {
	t.Helper()
	s := &testSession{id: id, inbox: make(chan pubsub.Message, 16)}
	require.NoError(t, f.registry.Register(s))
	return s
}

func (f *fixture) run(t *testing.T, s Session, req protocol.Request) *protocol.Response {
	t.Helper()
	cmd, err := command.Decode(&req)
	require.NoError(t, err)
	return f.dispatcher.Execute(context.Background(), s, cmd)
}

func TestDispatcher_HashCommands(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, "c1")

	resp := f.run(t, s, protocol.Request{Verb: protocol.VerbHset, Key: "user:1", Field: "name", Payload: []byte("ada")})
	require.True(t, resp.OK())
	assert.Equal(t, protocol.ShapeValue, resp.Shape)
	assert.False(t, resp.Values[0].Present, "no previous value")

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHset, Key: "user:1", Field: "name", Payload: []byte("grace")})
	assert.Equal(t, protocol.OptionalValue{Present: true, Data: []byte("ada")}, resp.Values[0])

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHget, Key: "user:1", Field: "name"})
	assert.Equal(t, protocol.OptionalValue{Present: true, Data: []byte("grace")}, resp.Values[0])

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHmset, Key: "user:1", Pairs: []protocol.Pair{
		{Field: "lang", Value: []byte("go")},
		{Field: "empty", Value: []byte{}},
	}})
	require.True(t, resp.OK())
	assert.Equal(t, protocol.ShapeValues, resp.Shape)
	assert.Len(t, resp.Values, 2)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHmget, Key: "user:1", Names: []string{"lang", "missing", "empty"}})
	require.Len(t, resp.Values, 3)
	assert.Equal(t, []byte("go"), resp.Values[0].Data)
	assert.False(t, resp.Values[1].Present)
	assert.True(t, resp.Values[2].Present)
	assert.Empty(t, resp.Values[2].Data)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHgetall, Key: "user:1"})
	assert.Equal(t, protocol.ShapePairs, resp.Shape)
	assert.Equal(t, []protocol.Pair{
		{Field: "empty", Value: []byte{}},
		{Field: "lang", Value: []byte("go")},
		{Field: "name", Value: []byte("grace")},
	}, resp.Pairs)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHexist, Key: "user:1", Field: "lang"})
	assert.Equal(t, []bool{true}, resp.Bools)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHmexist, Key: "user:1", Names: []string{"lang", "x"}})
	assert.Equal(t, []bool{true, false}, resp.Bools)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHdel, Key: "user:1", Field: "lang"})
	assert.Equal(t, protocol.ShapeBool, resp.Shape)
	assert.Equal(t, []bool{true}, resp.Bools)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHdel, Key: "user:1", Field: "lang"})
	assert.Equal(t, []bool{false}, resp.Bools)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHmdel, Key: "user:1", Names: []string{"name", "nope", "empty"}})
	assert.Equal(t, protocol.ShapeBools, resp.Shape)
	assert.Equal(t, []bool{true, false, true}, resp.Bools)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbHgetall, Key: "user:1"})
	require.True(t, resp.OK())
	assert.Empty(t, resp.Pairs)
}

func TestDispatcher_SubscriptionCounts(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, "c1")

	resp := f.run(t, s, protocol.Request{Verb: protocol.VerbSubscribe, Names: []string{"a", "b"}})
	assert.Equal(t, protocol.ShapeCount, resp.Shape)
	assert.EqualValues(t, 2, resp.Count)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbPSubscribe, Names: []string{"news.*"}})
	assert.EqualValues(t, 3, resp.Count)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbUnsubscribe, Names: []string{"never"}})
	require.True(t, resp.OK())
	assert.EqualValues(t, 3, resp.Count)

	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbPUnsubscribe, Names: []string{"news.*"}})
	assert.EqualValues(t, 2, resp.Count)
}

func TestDispatcher_PublishReachesSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	a := f.session(t, "a")
	b := f.session(t, "b")

	f.run(t, a, protocol.Request{Verb: protocol.VerbPSubscribe, Names: []string{"news.*"}})
	resp := f.run(t, b, protocol.Request{Verb: protocol.VerbPublish, Names: []string{"news.sports"}, Payload: []byte("goal")})
	require.True(t, resp.OK())
	assert.EqualValues(t, 1, resp.Count)

	msg := <-a.inbox
	assert.Equal(t, pubsub.Message{Topic: "news.sports", Payload: []byte("goal")}, msg)
	assert.Empty(t, b.inbox)
}

func TestDispatcher_InvalidPattern(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, "c1")

	resp := f.run(t, s, protocol.Request{Verb: protocol.VerbPSubscribe, Names: []string{"[oops"}})
	assert.Equal(t, codes.InvalidArgument, resp.Status)
	assert.NotEmpty(t, resp.Message)
}

func TestDispatcher_Ping(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.run(t, f.session(t, "c1"), protocol.Request{Verb: protocol.VerbPing})
	assert.Equal(t, []byte("PONG"), resp.Values[0].Data)
}

func TestDispatcher_BackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t, storage.NewRedisBackend(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}, zap.NewNop()))
	s := f.session(t, "c1")
	mr.Close()

	resp := f.run(t, s, protocol.Request{Verb: protocol.VerbHget, Key: "k", Field: "f"})
	assert.Equal(t, codes.Unavailable, resp.Status)

	// the session keeps working for commands that do not touch storage
	resp = f.run(t, s, protocol.Request{Verb: protocol.VerbSubscribe, Names: []string{"t"}})
	assert.True(t, resp.OK())
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, "c1")

	f.run(t, s, protocol.Request{Verb: protocol.VerbPing})
	f.run(t, s, protocol.Request{Verb: protocol.VerbPSubscribe, Names: []string{"[bad"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("ping", codes.OK.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("psubscribe", codes.InvalidArgument.String())))
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(kverrors.UnknownCommand("verb(99)"))
	assert.Equal(t, codes.Unimplemented, resp.Status)

	resp = ErrorResponse(assert.AnError)
	assert.Equal(t, codes.Internal, resp.Status)
	assert.Contains(t, resp.Message, "internal error")
}
