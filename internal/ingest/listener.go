// Package ingest accepts the camera uplink and stores every frame it sends
// into the shared frame slot.
//
// Connections are served strictly one at a time: the next one is accepted
// only after the current session has ended.
package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"hands/mjpeg-relay/internal/auth"
	"hands/mjpeg-relay/internal/frameslot"
	"hands/mjpeg-relay/internal/log"
	"hands/mjpeg-relay/internal/wire"
)

const (
	DefaultAddr             = ":25000"
	DefaultHandshakeTimeout = 5 * time.Second
)

// Options configures a Listener.
type Options struct {
	Addr string
	// TLS enables encryption. Nil accepts plain TCP.
	TLS *tls.Config
	// CredentialSize defaults to wire.DefaultCredentialSize.
	CredentialSize int
	// Auth decides on credentials. Nil rejects everything.
	Auth auth.Authenticator
	// HandshakeTimeout bounds TLS handshake plus credential read.
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the wait for each frame header. Zero waits forever.
	ReadTimeout time.Duration
	// AuthRate limits authentication attempts per second. Zero disables it.
	AuthRate  rate.Limit
	AuthBurst int
}

// Stats is a snapshot of listener counters.
type Stats struct {
	Sessions     uint64 `json:"sessions"`
	AuthFailures uint64 `json:"auth_failures"`
	Frames       uint64 `json:"frames"`
	Oversize     uint64 `json:"oversize"`
	Bytes        uint64 `json:"bytes"`
	// Active is the remote address of the current session, empty if none.
	Active string `json:"active,omitempty"`
}

// Listener is the ingest side of the relay.
type Listener struct {
	opts    Options
	slot    frameslot.Shared
	limiter *rate.Limiter
	scratch []byte

	mu     sync.Mutex
	stats  Stats
	active net.Conn
}

// New creates a listener writing into slot.
func New(slot frameslot.Shared, opts Options) *Listener {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.CredentialSize <= 0 {
		opts.CredentialSize = wire.DefaultCredentialSize
	}
	if opts.Auth == nil {
		opts.Auth = auth.DenyAll
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	l := &Listener{
		opts:    opts,
		slot:    slot,
		scratch: make([]byte, slot.Cap()),
	}
	if opts.AuthRate > 0 {
		burst := opts.AuthBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(opts.AuthRate, burst)
	}
	return l
}

// Listen binds the configured address, with TLS when configured.
func (l *Listener) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", l.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", l.opts.Addr, err)
	}
	if l.opts.TLS != nil {
		ln = tls.NewListener(ln, l.opts.TLS)
	}
	return ln, nil
}

// ListenAndServe binds the configured address and serves it until ctx is
// done.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := l.Listen()
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve accepts uplinks on ln, one session at a time, until ctx is done or
// ln fails. Cancelling ctx closes ln and the active connection at once; no
// frame in flight is waited for. Serve returns nil after cancellation.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.Component("ingest").WithField("addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		l.mu.Lock()
		if l.active != nil {
			l.active.Close()
		}
		l.mu.Unlock()
	})
	defer stop()
	defer ln.Close()

	logger.Info("waiting for camera uplink")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.WithError(err).Warn("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				conn.Close()
				return nil
			}
		}

		l.serveConn(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := log.Component("ingest").WithFields(logrus.Fields{
		"session": uuid.NewString(),
		"remote":  remote,
	})

	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.active = conn
	l.mu.Unlock()

	defer func() {
		conn.Close()
		l.mu.Lock()
		l.active = nil
		l.stats.Active = ""
		l.mu.Unlock()
	}()

	r := wire.NewReader(conn)

	conn.SetDeadline(time.Now().Add(l.opts.HandshakeTimeout))
	cred, err := r.ReadCredential(l.opts.CredentialSize)
	if err != nil {
		logger.WithError(err).Warn("no credential received")
		return
	}
	conn.SetDeadline(time.Time{})

	if !l.opts.Auth.Authenticate(cred) {
		l.mu.Lock()
		l.stats.AuthFailures++
		l.mu.Unlock()
		logger.Warn("authentication failed")
		return
	}

	l.mu.Lock()
	l.stats.Sessions++
	l.stats.Active = remote
	l.mu.Unlock()
	logger.Info("camera connected")

	frames, err := l.receive(r, conn, logger)
	entry := logger.WithField("frames", frames)
	switch {
	case err == nil:
		entry.Info("camera ended the stream")
	case ctx.Err() != nil:
		entry.Info("session closed by shutdown")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		entry.WithError(err).Warn("camera disconnected")
	default:
		entry.WithError(err).Warn("session failed")
	}
}

// receive reads frames until the end marker (nil error) or a read error.
func (l *Listener) receive(r *wire.Reader, conn net.Conn, logger *logrus.Entry) (int, error) {
	var frames int
	for {
		if l.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
		}
		n, err := r.ReadLength()
		if err != nil {
			return frames, err
		}
		if n == 0 {
			return frames, nil
		}

		if uint64(n) > uint64(l.slot.Cap()) {
			l.mu.Lock()
			l.stats.Oversize++
			l.mu.Unlock()
			logger.WithFields(logrus.Fields{"size": n, "capacity": l.slot.Cap()}).
				Error("frame exceeds buffer capacity, dropped")
			// skip the payload so the next header lines up
			if err := r.Discard(int64(n)); err != nil {
				return frames, err
			}
			continue
		}

		buf := l.scratch[:n]
		if err := r.ReadPayload(buf); err != nil {
			return frames, err
		}
		if err := l.slot.Write(buf); err != nil {
			return frames, fmt.Errorf("store frame: %w", err)
		}

		frames++
		l.mu.Lock()
		l.stats.Frames++
		l.stats.Bytes += uint64(n)
		l.mu.Unlock()
	}
}
