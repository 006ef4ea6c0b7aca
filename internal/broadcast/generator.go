// Package broadcast turns the shared frame slot into viewer streams:
// multipart/x-mixed-replace over HTTP, single snapshots and websocket
// pushes.
package broadcast

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hands/mjpeg-relay/internal/frameslot"
)

const (
	Boundary    = "FRAME"
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

// AppendChunk appends one multipart part carrying frame to dst.
func AppendChunk(dst, frame []byte) []byte {
	dst = append(dst, "--"+Boundary+"\r\n"...)
	dst = append(dst, "Content-Type: image/jpeg\r\n"...)
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(frame)), 10)
	dst = append(dst, "\r\n\r\n"...)
	dst = append(dst, frame...)
	return append(dst, "\r\n"...)
}

// Generator yields the frames of the slot one write at a time. Each viewer
// owns one; a slow viewer skips frames and never holds up the ingest side.
type Generator struct {
	slot  frameslot.Shared
	alive func() bool
	last  uint64
	n     int
	buf   []byte
}

// NewGenerator starts after the frame currently in slot, so the first call
// to Next waits for the next write. alive reports whether the ingest
// listener is still running; nil means always.
func NewGenerator(slot frameslot.Shared, alive func() bool) *Generator {
	if alive == nil {
		alive = func() bool { return true }
	}
	return &Generator{slot: slot, alive: alive, last: slot.Seq()}
}

// NextFrame waits for the next write and returns a copy of it. It returns
// io.EOF once the listener is gone or the slot was released.
func (g *Generator) NextFrame(ctx context.Context) (frameslot.Frame, error) {
	if !g.alive() {
		return frameslot.Frame{}, io.EOF
	}
	frame, err := g.slot.Wait(ctx, g.last)
	if errors.Is(err, frameslot.ErrClosed) {
		return frameslot.Frame{}, io.EOF
	}
	if err != nil {
		return frameslot.Frame{}, err
	}
	g.last = frame.Seq
	g.n = frame.Len()
	return frame, nil
}

// LastLen returns the length of the frame most recently returned.
func (g *Generator) LastLen() int { return g.n }

// Next returns the next frame as a multipart chunk. The returned slice is
// reused by the following call.
func (g *Generator) Next(ctx context.Context) ([]byte, error) {
	frame, err := g.NextFrame(ctx)
	if err != nil {
		return nil, err
	}
	g.buf = AppendChunk(g.buf[:0], frame.Data)
	return g.buf, nil
}

// ViewerSession tracks one connected viewer.
type ViewerSession struct {
	ID            string
	Remote        string
	Kind          string
	ListenerAlive bool
	Started       time.Time

	frames  atomic.Uint64
	lastLen atomic.Int64
}

func newViewerSession(kind, remote string, alive bool) *ViewerSession {
	return &ViewerSession{
		ID:            uuid.NewString(),
		Remote:        remote,
		Kind:          kind,
		ListenerAlive: alive,
		Started:       time.Now(),
	}
}

func (v *ViewerSession) served(n int) {
	v.frames.Add(1)
	v.lastLen.Store(int64(n))
}

// ViewerInfo is a point-in-time view of a ViewerSession.
type ViewerInfo struct {
	ID            string    `json:"id"`
	Remote        string    `json:"remote"`
	Kind          string    `json:"kind"`
	ListenerAlive bool      `json:"listener_alive"`
	Started       time.Time `json:"started"`
	Frames        uint64    `json:"frames"`
	LastFrameLen  int64     `json:"last_frame_len"`
}

// Info returns the session's current counters.
func (v *ViewerSession) Info() ViewerInfo {
	return ViewerInfo{
		ID:            v.ID,
		Remote:        v.Remote,
		Kind:          v.Kind,
		ListenerAlive: v.ListenerAlive,
		Started:       v.Started,
		Frames:        v.frames.Load(),
		LastFrameLen:  v.lastLen.Load(),
	}
}
