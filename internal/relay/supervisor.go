// Package relay ties the frame slot, the ingest listener and the viewer
// generators into one lifecycle.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"hands/mjpeg-relay/internal/broadcast"
	"hands/mjpeg-relay/internal/frameslot"
	"hands/mjpeg-relay/internal/ingest"
	"hands/mjpeg-relay/internal/log"
)

// DefaultCapacity is the frame slot size in bytes.
const DefaultCapacity = 128000

var (
	ErrStarted    = errors.New("relay: already started")
	ErrNotStarted = errors.New("relay: not started")
)

// Options configures a Supervisor.
type Options struct {
	Capacity int
	Ingest   ingest.Options
}

// Stats is a snapshot of the relay state.
type Stats struct {
	Alive    bool         `json:"alive"`
	Capacity int          `json:"capacity"`
	Seq      uint64       `json:"seq"`
	Ingest   ingest.Stats `json:"ingest"`
}

// Supervisor owns the frame slot and runs the ingest listener.
type Supervisor struct {
	opts Options

	mu  sync.Mutex
	run *run

	alive atomic.Bool
}

// run is the state of one Start..Stop cycle.
type run struct {
	slot     *frameslot.Slot
	listener *ingest.Listener
	ln       net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	err      error // written before done is closed
}

var _ broadcast.Source = (*Supervisor)(nil)

// New creates a stopped supervisor.
func New(opts Options) *Supervisor {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Supervisor{opts: opts}
}

// Start allocates the slot, binds the ingest address and starts accepting
// uplinks in the background. Bind errors are returned here. Whenever the
// listener stops, for any reason, the slot is released so viewer
// generators end.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return ErrStarted
	}

	slot := frameslot.New(s.opts.Capacity)
	l := ingest.New(slot, s.opts.Ingest)
	ln, err := l.Listen()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		slot:     slot,
		listener: l,
		ln:       ln,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.run = r
	s.alive.Store(true)

	logger := log.Component("relay").WithField("uplink_addr", ln.Addr().String())
	logger.WithField("capacity", s.opts.Capacity).Info("relay started")

	go func() {
		defer close(r.done)
		r.err = l.Serve(runCtx, ln)

		s.alive.Store(false)
		slot.Close()

		if r.err != nil {
			logger.WithError(r.err).Error("ingest listener died")
			return
		}
		logger.Info("ingest listener stopped")
	}()
	return nil
}

// Stop closes the ingest listener and any active uplink at once, waits for
// the listener to exit and releases the slot. It can be called any number
// of times, before or after Start. Every call that overlaps a run returns
// the error that run's listener died with, if any.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.slot.Close()

	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	return r.err
}

// Slot returns the shared frame slot, nil while stopped.
func (s *Supervisor) Slot() frameslot.Shared {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.slot
}

// Addr returns the bound ingest address, empty while stopped.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.ln.Addr().String()
}

// Alive reports whether the ingest listener is running.
func (s *Supervisor) Alive() bool {
	return s.alive.Load()
}

// Done is closed when the ingest listener exits. It is nil while stopped.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.done
}

// NewGenerator returns a generator over the current slot.
func (s *Supervisor) NewGenerator() (*broadcast.Generator, error) {
	slot := s.Slot()
	if slot == nil {
		return nil, ErrNotStarted
	}
	return broadcast.NewGenerator(slot, s.Alive), nil
}

// Stats returns a snapshot of the relay state.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	st := Stats{Alive: s.Alive(), Capacity: s.opts.Capacity}
	if r != nil {
		st.Seq = r.slot.Seq()
		st.Ingest = r.listener.Stats()
	}
	return st
}
