package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/protocol"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/service"
)

// Session serves one client connection. A reader goroutine decodes and
// executes commands in order; a writer goroutine drains the outbound queue
// shared by responses and notifications.
type Session struct {
	id     string
	conn   net.Conn
	server *Server
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound    chan *protocol.ServerFrame
	limiter     *rate.Limiter
	writerDone  chan struct{}
	releaseOnce sync.Once
}

func newSession(ctx context.Context, id string, conn net.Conn, srv *Server) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         id,
		conn:       conn,
		server:     srv,
		logger:     srv.logger.With(zap.String("session", id), zap.String("remote", conn.RemoteAddr().String())),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan *protocol.ServerFrame, srv.cfg.Network.OutboundQueueSize),
		writerDone: make(chan struct{}),
	}
	if cps := srv.cfg.Network.CommandsPerSecond; cps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cps), srv.cfg.Network.CommandBurst)
	}
	return s
}

// ID implements pubsub.Sink and service.Session
func (s *Session) ID() string {
	return s.id
}

// Deliver implements pubsub.Sink. It never blocks: the notification is
// dropped when the outbound queue is full or the session is closing.
func (s *Session) Deliver(msg pubsub.Message) bool {
	if s.ctx.Err() != nil {
		return false
	}
	frame := &protocol.ServerFrame{Notification: &protocol.Notification{Topic: msg.Topic, Payload: msg.Payload}}
	select {
	case s.outbound <- frame:
		return true
	default:
		s.logger.Debug("Outbound queue full, dropping notification", zap.String("topic", msg.Topic))
		return false
	}
}

// run serves the connection until the client leaves, a transport error
// occurs or the server shuts down.
func (s *Session) run() error {
	if err := s.server.registry.Register(s); err != nil {
		s.cancel()
		return err
	}
	defer s.release()

	// unblock the reader when the server shuts down
	stop := context.AfterFunc(s.ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	go s.writeLoop()

	err := s.readLoop()
	if err != nil {
		s.logger.Debug("Session ended", zap.Error(err))
	}
	return nil
}

// release tears the session down exactly once: subscriptions are removed
// before the queue is drained and the connection closed.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.server.registry.Disconnect(s.id)
		s.cancel()
		<-s.writerDone
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Failed to close connection", zap.Error(err))
		}
	})
}

func (s *Session) readLoop() error {
	reader := bufio.NewReader(s.conn)
	idle := s.server.cfg.Network.IdleTimeout

	for {
		if idle > 0 {
			// a subscriber may listen without sending anything
			var deadline time.Time
			if s.server.registry.Count(s.id) == 0 {
				deadline = time.Now().Add(idle)
			}
			if err := s.conn.SetReadDeadline(deadline); err != nil {
				return err
			}
		}
		// a shutdown deadline set before the line above would be lost
		if err := s.ctx.Err(); err != nil {
			return err
		}

		var resp *protocol.Response
		payload, stats, err := protocol.ReadFrame(reader)
		switch {
		case kverrors.Is(err, kverrors.ErrCodeMalformedRequest):
			// the frame was read in full, so the stream is still aligned
			s.logger.Debug("Rejecting undecodable frame", zap.Error(err))
			resp = service.ErrorResponse(err)
		case err != nil:
			return s.readError(err)
		default:
			resp = s.handle(payload)
		}
		if m := s.server.metrics; m != nil {
			m.RecordFrameIn(stats.WireBytes)
		}
		if !s.enqueue(&protocol.ServerFrame{Response: resp}) {
			return s.ctx.Err()
		}
	}
}

// readError decides how a failed read ends the session. An oversized frame
// is answered before closing since the stream cannot be resynchronised.
func (s *Session) readError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case s.ctx.Err() != nil:
		return s.ctx.Err()
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("Closing idle connection")
		return err
	case kverrors.Is(err, kverrors.ErrCodeFrameTooLarge):
		s.logger.Warn("Rejecting oversized frame", zap.Error(err))
		s.enqueue(&protocol.ServerFrame{Response: service.ErrorResponse(err)})
		return err
	default:
		return err
	}
}

// handle decodes and executes one request
func (s *Session) handle(payload []byte) *protocol.Response {
	var req protocol.Request
	if err := req.Unmarshal(payload); err != nil {
		return service.ErrorResponse(kverrors.MalformedRequest("failed to decode request", err))
	}

	cmd, err := s.server.decoder.Decode(&req)
	if err != nil {
		return service.ErrorResponse(err)
	}

	if s.limiter != nil && !s.limiter.Allow() {
		start := time.Now()
		if err := s.limiter.Wait(s.ctx); err != nil {
			return service.ErrorResponse(kverrors.InternalError("session closed while rate limited", err))
		}
		if m := s.server.metrics; m != nil {
			m.RecordRateLimitWait(time.Since(start).Seconds())
		}
	}

	return s.server.dispatcher.Execute(s.ctx, s, cmd)
}

// enqueue blocks until the frame is queued; responses apply backpressure
// to their own session only.
func (s *Session) enqueue(frame *protocol.ServerFrame) bool {
	select {
	case s.outbound <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	writer := bufio.NewWriter(s.conn)

	for {
		select {
		case frame := <-s.outbound:
			if err := s.write(writer, frame); err != nil {
				s.logger.Debug("Failed to write frame", zap.Error(err))
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			s.drain(writer)
			return
		}
	}
}

// drain flushes frames queued before the session was cancelled
func (s *Session) drain(writer *bufio.Writer) {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.write(writer, frame); err != nil {
				return
			}
		default:
			_ = writer.Flush()
			return
		}
	}
}

func (s *Session) write(writer *bufio.Writer, frame *protocol.ServerFrame) error {
	if timeout := s.server.cfg.Network.WriteTimeout; timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	stats, err := protocol.WriteFrame(writer, frame.Marshal(), s.server.codec)
	if err != nil {
		return err
	}
	// flush once the queue is empty so bursts share a TLS record
	if len(s.outbound) == 0 {
		if err := writer.Flush(); err != nil {
			return err
		}
	}

	if m := s.server.metrics; m != nil {
		codec := ""
		if stats.Codec != protocol.CodecNone {
			codec = stats.Codec.String()
		}
		m.RecordFrameOut(stats.WireBytes, codec)
	}
	return nil
}
