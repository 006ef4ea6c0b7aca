// Package frameslot holds the single most recent frame shared between one
// writer and any number of readers.
//
// There is no queue and no history: a write replaces the previous frame and
// wakes every waiting reader. A reader that falls behind simply observes the
// latest frame the next time it wakes.
package frameslot

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrTooLarge is returned by Write when the frame exceeds the slot capacity.
	ErrTooLarge = errors.New("frameslot: frame exceeds capacity")
	// ErrClosed is returned once the slot has been released.
	ErrClosed = errors.New("frameslot: closed")
)

// Frame is a copy of the slot contents at one point in time.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Len returns the payload length in bytes.
func (f Frame) Len() int { return len(f.Data) }

// Shared is the surface the rest of the relay depends on. The in-process
// Slot implements it; a cross-process implementation would only need to
// honour the same wait/wake contract.
type Shared interface {
	Write(p []byte) error
	Wait(ctx context.Context, after uint64) (Frame, error)
	Snapshot() (Frame, bool)
	Seq() uint64
	Cap() int
	Close()
}

// Slot is a fixed-capacity frame buffer guarded by one mutex/cond pair.
type Slot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	n      int
	seq    uint64
	closed bool
}

var _ Shared = (*Slot)(nil)

// New allocates a slot able to hold frames of up to capacity bytes.
func New(capacity int) *Slot {
	if capacity <= 0 {
		panic("frameslot: capacity must be positive")
	}
	s := &Slot{buf: make([]byte, capacity)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Cap returns the maximum frame size.
func (s *Slot) Cap() int { return len(s.buf) }

// Write replaces the current frame with p and wakes all waiters.
// A frame larger than the capacity is rejected and the previous frame stays
// current.
func (s *Slot) Write(p []byte) error {
	if len(p) > len(s.buf) {
		return ErrTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// bytes and length change under the same lock
	s.n = copy(s.buf, p)
	s.seq++
	s.cond.Broadcast()
	return nil
}

// Wait blocks until a frame newer than after is stored, then returns a copy
// of it. It returns ErrClosed once the slot is released, or ctx.Err() when
// ctx is done first.
func (s *Slot) Wait(ctx context.Context, after uint64) (Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.seq <= after && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	if s.closed {
		return Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return s.copyLocked(), nil
}

// Snapshot returns the current frame without waiting. The boolean is false
// when nothing has been written yet or the slot is closed.
func (s *Slot) Snapshot() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.seq == 0 {
		return Frame{}, false
	}
	return s.copyLocked(), true
}

// Seq returns the sequence number of the current frame, 0 before the first
// write.
func (s *Slot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close releases the slot and wakes every waiter. Safe to call repeatedly.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.n = 0
	s.cond.Broadcast()
}

func (s *Slot) copyLocked() Frame {
	data := make([]byte, s.n)
	copy(data, s.buf[:s.n])
	return Frame{Seq: s.seq, Data: data}
}
