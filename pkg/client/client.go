// Package client is a Go client for hashkv servers.
//
// A Client multiplexes one TLS connection: requests are answered in the
// order they were sent, and published messages arrive on Notifications.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/devrev/hashkv/internal/config"
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/protocol"
	"github.com/devrev/hashkv/internal/util/tlsutil"
)

// ErrClosed is returned for calls on a closed client
var ErrClosed = errors.New("hashkv: client closed")

// DefaultNotificationBuffer is the number of notifications held for the
// caller before new ones are dropped
const DefaultNotificationBuffer = 1024

type result struct {
	resp *protocol.Response
	err  error
}

// Client is safe for concurrent use
type Client struct {
	conn  net.Conn
	codec protocol.Codec

	// writeMu orders pending calls exactly as their frames hit the wire
	writeMu sync.Mutex
	writer  *bufio.Writer

	// mu guards pending and err
	mu      sync.Mutex
	pending []chan result
	err     error

	notifications chan protocol.Notification
	dropped       atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the server named in cfg
func Dial(ctx context.Context, cfg config.ClientConfig) (*Client, error) {
	config.SetClientDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tlsCfg, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	codec, err := protocol.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.DialTimeout},
		Config:    tlsCfg,
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dctx, "tcp", cfg.General.Addr)
	if err != nil {
		return nil, kverrors.HandshakeFailure(cfg.General.Addr, err)
	}
	return newClient(conn, codec), nil
}

func newClient(conn net.Conn, codec protocol.Codec) *Client {
	c := &Client{
		conn:          conn,
		codec:         codec,
		writer:        bufio.NewWriter(conn),
		notifications: make(chan protocol.Notification, DefaultNotificationBuffer),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Notifications delivers published messages for this connection's
// subscriptions. Messages are dropped when the caller falls behind.
func (c *Client) Notifications() <-chan protocol.Notification {
	return c.notifications
}

// Dropped returns how many notifications were discarded because the
// Notifications channel was full
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes the connection. Calls waiting for a response fail.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// Do sends req and waits for its response. A non-OK response is returned
// as a *KvError.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ch := make(chan result, 1)

	c.writeMu.Lock()
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, err
	}
	c.pending = append(c.pending, ch)
	c.mu.Unlock()

	_, err := protocol.WriteFrame(c.writer, req.Marshal(), c.codec)
	if err == nil {
		err = c.writer.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		// the reader fails every pending call once the connection drops
		_ = c.conn.Close()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if !r.resp.OK() {
			return r.resp, kverrors.FromStatus(r.resp.Status, r.resp.Message)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	reader := bufio.NewReader(c.conn)

	for {
		payload, _, err := protocol.ReadFrame(reader)
		if err != nil {
			c.fail(err)
			return
		}

		var frame protocol.ServerFrame
		if err := frame.Unmarshal(payload); err != nil {
			c.fail(fmt.Errorf("hashkv: invalid server frame: %w", err))
			return
		}

		if n := frame.Notification; n != nil {
			select {
			case c.notifications <- *n:
			default:
				c.dropped.Add(1)
			}
			continue
		}

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.fail(errors.New("hashkv: response without a pending request"))
			return
		}
		ch := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		ch <- result{resp: frame.Response}
	}
}

// fail records the terminal error and releases every pending call
func (c *Client) fail(err error) {
	_ = c.conn.Close()

	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
		c.err = err
	}
	err = c.err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}
