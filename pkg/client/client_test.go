package client

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc/codes"

	"github.com/devrev/hashkv/internal/config"
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer is the far end of a pipe, scripted by each test
type fakeServer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newPipe(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := newClient(clientConn, protocol.CodecNone)
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverConn.Close()
	})
	return c, &fakeServer{conn: serverConn, reader: bufio.NewReader(serverConn)}
}

func (s *fakeServer) next() (*protocol.Request, error) {
	payload, _, err := protocol.ReadFrame(s.reader)
	if err != nil {
		return nil, err
	}
	var req protocol.Request
	if err := req.Unmarshal(payload); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *fakeServer) send(frame *protocol.ServerFrame) error {
	_, err := protocol.WriteFrame(s.conn, frame.Marshal(), protocol.CodecNone)
	return err
}

func (s *fakeServer) respond(resp *protocol.Response) error {
	return s.send(&protocol.ServerFrame{Response: resp})
}

func (s *fakeServer) notify(topic string, payload []byte) error {
	return s.send(&protocol.ServerFrame{Notification: &protocol.Notification{Topic: topic, Payload: payload}})
}

func TestClient_MatchesResponsesInOrder(t *testing.T) {
	c, srv := newPipe(t)
	ctx := context.Background()

	serverErr := make(chan error, 1)
	go func() {
		var reqs []*protocol.Request
		for i := 0; i < 2; i++ {
			req, err := srv.next()
			if err != nil {
				serverErr <- err
				return
			}
			reqs = append(reqs, req)
		}
		if err := srv.notify("events", []byte("between")); err != nil {
			serverErr <- err
			return
		}
		for _, req := range reqs {
			resp := &protocol.Response{Status: codes.OK, Shape: protocol.ShapeCount, Count: int64(len(req.Names))}
			if err := srv.respond(resp); err != nil {
				serverErr <- err
				return
			}
		}
		serverErr <- nil
	}()

	type outcome struct {
		want int
		got  int
		err  error
	}
	results := make(chan outcome, 2)
	for _, names := range [][]string{{"a"}, {"a", "b", "c"}} {
		names := names
		go func() {
			n, err := c.Subscribe(ctx, names...)
			results <- outcome{want: len(names), got: n, err: err}
		}()
	}

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, r.want, r.got)
	}
	require.NoError(t, <-serverErr)

	select {
	case msg := <-c.Notifications():
		assert.Equal(t, "events", msg.Topic)
		assert.Equal(t, []byte("between"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestClient_DecodesTypedResults(t *testing.T) {
	c, srv := newPipe(t)
	ctx := context.Background()

	go func() {
		req, err := srv.next()
		if err != nil {
			return
		}
		if req.Verb != protocol.VerbHgetall || req.Key != "user:1" {
			_ = srv.respond(&protocol.Response{Status: codes.InvalidArgument, Message: "unexpected request"})
			return
		}
		_ = srv.respond(&protocol.Response{
			Status: codes.OK,
			Shape:  protocol.ShapePairs,
			Pairs:  []protocol.Pair{{Field: "age", Value: []byte("36")}, {Field: "name", Value: []byte("ada")}},
		})

		if _, err := srv.next(); err != nil {
			return
		}
		_ = srv.respond(&protocol.Response{
			Status: codes.OK,
			Shape:  protocol.ShapeBools,
			Bools:  []bool{true, false},
		})
	}()

	all, err := c.HGetAll(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"age": []byte("36"), "name": []byte("ada")}, all)

	flags, err := c.HMExist(ctx, "user:1", "age", "email")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, flags)
}

func TestClient_ErrorStatusBecomesKvError(t *testing.T) {
	c, srv := newPipe(t)

	go func() {
		if _, err := srv.next(); err != nil {
			return
		}
		_ = srv.respond(&protocol.Response{Status: codes.Unavailable, Message: "backend down"})
	}()

	_, err := c.HGet(context.Background(), "k", "f")
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.ErrCodeBackendUnavailable))
	assert.Contains(t, err.Error(), "backend down")
}

func TestClient_DropsNotificationsWhenCallerFallsBehind(t *testing.T) {
	c, srv := newPipe(t)
	const extra = 5

	go func() {
		if _, err := srv.next(); err != nil {
			return
		}
		for i := 0; i < DefaultNotificationBuffer+extra; i++ {
			if err := srv.notify("flood", nil); err != nil {
				return
			}
		}
		_ = srv.respond(&protocol.Response{Status: codes.OK})
	}()

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, uint64(extra), c.Dropped())
	assert.Len(t, c.Notifications(), DefaultNotificationBuffer)
}

func TestClient_CloseFailsPendingCalls(t *testing.T) {
	c, srv := newPipe(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Ping(context.Background())
	}()

	_, err := srv.next()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
}

func TestClient_ServerDisconnectFailsCalls(t *testing.T) {
	c, srv := newPipe(t)

	go func() {
		if _, err := srv.next(); err != nil {
			return
		}
		_ = srv.conn.Close()
	}()

	assert.Error(t, c.Ping(context.Background()))
	assert.Error(t, c.Ping(context.Background()))
}

func TestClient_ContextCancelled(t *testing.T) {
	c, srv := newPipe(t)

	go func() {
		_, _ = srv.next()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Ping(ctx), context.DeadlineExceeded)
}

func TestDial_RejectsInvalidConfig(t *testing.T) {
	_, err := Dial(context.Background(), config.ClientConfig{Compression: "brotli"})
	assert.Error(t, err)

	_, err = Dial(context.Background(), config.ClientConfig{
		TLS: config.ClientTLSConfig{Cert: "client.pem"},
	})
	assert.Error(t, err)
}
