// Package server accepts TLS connections and runs one Session per client.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/hashkv/internal/command"
	"github.com/devrev/hashkv/internal/config"
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/protocol"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/service"
	"github.com/devrev/hashkv/internal/util/tlsutil"
	"github.com/devrev/hashkv/internal/util/workerpool"
)

// Server is the client-facing TLS listener
type Server struct {
	cfg        *config.ServerConfig
	tlsConfig  *tls.Config
	codec      protocol.Codec
	decoder    *command.Decoder
	dispatcher *service.Dispatcher
	registry   *pubsub.Registry
	pool       *workerpool.Pool
	logger     *zap.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closing  bool

	active atomic.Int64
}

// NewServer creates a server. m may be nil.
func NewServer(
	cfg *config.ServerConfig,
	dispatcher *service.Dispatcher,
	registry *pubsub.Registry,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Server, error) {
	tlsConfig, err := tlsutil.ServerConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	codec, err := protocol.ParseCodec(cfg.Network.Compression)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		tlsConfig:  tlsConfig,
		codec:      codec,
		decoder:    command.NewDecoder(nil),
		dispatcher: dispatcher,
		registry:   registry,
		pool: workerpool.New(workerpool.Config{
			Name:   "connections",
			Size:   cfg.Network.MaxConnections,
			Logger: logger,
		}),
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Listen binds the configured address
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return errors.New("server is shut down")
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.General.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.General.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of established sessions
func (s *Server) ConnectionCount() int {
	return int(s.active.Load())
}

// PoolStats reports connection slot usage, including connections refused
// at the limit
func (s *Server) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("Server listening", zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", s.cfg.Network.MaxConnections))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("Accept failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0
		s.accept(conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// accept starts a session for conn or refuses it at the connection limit
func (s *Server) accept(conn net.Conn) {
	id := uuid.NewString()
	task := workerpool.Task{
		ID:      id,
		Context: s.ctx,
		Run: func(ctx context.Context) error {
			return s.handle(ctx, id, conn)
		},
	}
	if !s.pool.TrySubmit(task) {
		s.logger.Warn("Connection limit reached, refusing connection",
			zap.String("remote", conn.RemoteAddr().String()))
		if s.metrics != nil {
			s.metrics.RecordConnectionRejected()
		}
		_ = conn.Close()
	}
}

// handle performs the TLS handshake and runs the session
func (s *Server) handle(ctx context.Context, id string, raw net.Conn) error {
	tlsConn := tls.Server(raw, s.tlsConfig)

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := s.cfg.Network.HandshakeTimeout; timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		kvErr := kverrors.HandshakeFailure(raw.RemoteAddr().String(), err)
		s.logger.Warn("TLS handshake failed", zap.Error(kvErr))
		if s.metrics != nil {
			s.metrics.RecordHandshakeFailure()
		}
		_ = raw.Close()
		return nil
	}

	s.active.Add(1)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	defer func() {
		s.active.Add(-1)
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	}()

	session := newSession(ctx, id, tlsConn, s)
	session.logger.Debug("Session started")
	return session.run()
}

// Shutdown stops accepting connections, closes every session and waits for
// them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("Shutting down server")
	s.cancel()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Failed to close listener", zap.Error(err))
		}
	}

	timeout := s.cfg.Network.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return s.pool.Stop(timeout)
}
