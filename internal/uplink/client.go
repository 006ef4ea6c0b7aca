// Package uplink streams camera frames to the relay's ingest listener.
package uplink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hands/mjpeg-relay/internal/camera"
	"hands/mjpeg-relay/internal/log"
	"hands/mjpeg-relay/internal/wire"
)

const (
	DefaultBackoff     = 5 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// DialFunc opens the transport to the relay.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	// Addr is the relay's ingest address, host:port.
	Addr       string
	Credential []byte
	// CredentialSize defaults to wire.DefaultCredentialSize.
	CredentialSize int
	// TLS secures the connection. Nil sends frames in the clear.
	TLS         *tls.Config
	Backoff     time.Duration
	DialTimeout time.Duration
	// Dial overrides the default TCP/TLS dialer.
	Dial DialFunc
}

// State is the phase of an uplink session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats is a snapshot of client counters.
type Stats struct {
	Attempts   int
	Sessions   int
	FramesSent uint64
	BytesSent  uint64
	State      State
	LastError  string
}

// Client streams frames from a camera source to the relay, reconnecting
// after a fixed backoff until the camera closes.
type Client struct {
	opts Options
	src  camera.Source

	mu    sync.Mutex
	stats Stats
}

// New creates a client reading from src.
func New(src camera.Source, opts Options) *Client {
	if opts.CredentialSize == 0 {
		opts.CredentialSize = wire.DefaultCredentialSize
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	c := &Client{opts: opts, src: src}
	if c.opts.Dial == nil {
		c.opts.Dial = c.dial
	}
	return c
}

// Run streams until the camera closes, in which case it sends the
// end-of-stream marker and returns nil. Transport failures never end Run:
// they are logged and retried after the backoff. Cancelling ctx stops Run
// without sending the marker.
func (c *Client) Run(ctx context.Context) error {
	logger := log.Component("uplink").WithField("relay", c.opts.Addr)

	for {
		err := c.session(ctx, logger)
		if err == nil {
			logger.Info("camera closed, stream ended")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.recordError(err)
		logger.WithError(err).Warnf("stream failed, retrying in %s", c.opts.Backoff)

		t := time.NewTimer(c.opts.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if c.src.Closed() {
			logger.Info("camera closed while disconnected")
			return nil
		}
	}
}

// session runs one connection. It returns nil only when the camera closed
// and the end marker was delivered.
func (c *Client) session(ctx context.Context, logger *logrus.Entry) error {
	c.setState(StateConnecting)
	c.mu.Lock()
	c.stats.Attempts++
	c.mu.Unlock()

	conn, err := c.opts.Dial(ctx, c.opts.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.Addr, err)
	}
	defer func() {
		conn.Close()
		c.setState(StateClosed)
	}()

	// unblock writes when the hosting process cancels
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger = logger.WithField("remote", conn.RemoteAddr().String())

	w := wire.NewWriter(conn)
	if err := w.WriteCredential(c.opts.Credential, c.opts.CredentialSize); err != nil {
		return fmt.Errorf("send credential: %w", err)
	}
	c.setState(StateAuthenticated)
	c.mu.Lock()
	c.stats.Sessions++
	c.mu.Unlock()
	logger.Info("connected to relay")

	c.setState(StateStreaming)
	for {
		frame, err := c.src.Next(ctx)
		if errors.Is(err, camera.ErrClosed) {
			if err := w.WriteEnd(); err != nil {
				return fmt.Errorf("send end of stream: %w", err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		if err := w.WriteFrame(frame); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		c.mu.Lock()
		c.stats.FramesSent++
		c.stats.BytesSent += uint64(len(frame))
		c.mu.Unlock()
	}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: 30 * time.Second}
	if c.opts.TLS == nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: c.opts.TLS}
	return td.DialContext(ctx, "tcp", addr)
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.stats.State = s
	c.mu.Unlock()
	log.Component("uplink").WithField("state", s.String()).Debug("session state")
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.stats.LastError = err.Error()
	c.mu.Unlock()
}
