// Package camera supplies JPEG frames to the uplink client.
//
// A producer (capture command, watched file, upstream MJPEG camera) publishes
// every completed frame into a Feed; the uplink waits on the Feed for the
// next one. Only the latest frame is kept.
package camera

import (
	"context"
	"errors"
	"sync"

	"hands/mjpeg-relay/internal/frameslot"
)

// ErrClosed is returned by Next once the camera has been shut down.
var ErrClosed = errors.New("camera: closed")

// DefaultMaxFrameSize bounds a single JPEG held by a Feed.
const DefaultMaxFrameSize = 4 << 20

// Source is a blocking supply of complete JPEG frames.
type Source interface {
	// Next blocks until a frame newer than the previously returned one is
	// available. It returns ErrClosed after the camera is closed.
	Next(ctx context.Context) ([]byte, error)
	Closed() bool
}

// Feed is a Source fed by a single producer.
type Feed struct {
	slot *frameslot.Slot
	last uint64

	once sync.Once
	done chan struct{}
}

var _ Source = (*Feed)(nil)

// NewFeed creates a feed holding frames of up to maxFrame bytes.
func NewFeed(maxFrame int) *Feed {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Feed{
		slot: frameslot.New(maxFrame),
		done: make(chan struct{}),
	}
}

// Publish makes jpeg the current frame and wakes the consumer.
func (f *Feed) Publish(jpeg []byte) error {
	err := f.slot.Write(jpeg)
	if errors.Is(err, frameslot.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Next implements Source. It must be called from one goroutine only.
func (f *Feed) Next(ctx context.Context) ([]byte, error) {
	frame, err := f.slot.Wait(ctx, f.last)
	if errors.Is(err, frameslot.ErrClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	f.last = frame.Seq
	return frame.Data, nil
}

// Close marks the camera closed and wakes a blocked Next.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.done)
		f.slot.Close()
	})
}

// Closed reports whether Close was called.
func (f *Feed) Closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed when the camera is closed.
func (f *Feed) Done() <-chan struct{} { return f.done }
