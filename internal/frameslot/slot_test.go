package frameslot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWriteThenWaitCopiesFrame(t *testing.T) {
	s := New(16)
	frame := []byte("\xff\xd8jpeg\xff\xd9")

	if err := s.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Wait(context.Background(), 0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !bytes.Equal(got.Data, frame) || got.Len() != len(frame) {
		t.Fatalf("got %q (len %d), want %q", got.Data, got.Len(), frame)
	}
	if got.Seq != 1 {
		t.Fatalf("seq = %d, want 1", got.Seq)
	}

	// the returned data must not alias the slot
	got.Data[0] = 0
	again, _ := s.Snapshot()
	if again.Data[0] != 0xff {
		t.Fatal("snapshot shares memory with a previous copy")
	}
}

func TestOversizeWriteKeepsPreviousFrame(t *testing.T) {
	s := New(4)
	if err := s.Write([]byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := s.Write([]byte("too large"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}

	got, ok := s.Snapshot()
	if !ok {
		t.Fatal("expected a current frame")
	}
	if string(got.Data) != "abcd" || got.Seq != 1 {
		t.Fatalf("got %q seq %d, want abcd seq 1", got.Data, got.Seq)
	}
}

func TestShorterWriteReplacesLength(t *testing.T) {
	s := New(8)
	_ = s.Write([]byte("12345678"))
	_ = s.Write([]byte("ab"))

	got, _ := s.Snapshot()
	if string(got.Data) != "ab" {
		t.Fatalf("got %q, want ab", got.Data)
	}
}

func TestWriteWakesAllWaiters(t *testing.T) {
	const readers = 8
	s := New(32)

	var ready, done sync.WaitGroup
	results := make([]Frame, readers)
	errs := make([]error, readers)
	ready.Add(readers)
	done.Add(readers)
	for i := 0; i < readers; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			results[i], errs[i] = s.Wait(context.Background(), 0)
		}(i)
	}
	ready.Wait()

	if err := s.Write([]byte("frame")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitTimeout(t, &done, 2*time.Second)
	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if string(results[i].Data) != "frame" {
			t.Fatalf("reader %d got %q", i, results[i].Data)
		}
	}
}

func TestWaitReturnsOnlyNewerFrames(t *testing.T) {
	s := New(8)
	_ = s.Write([]byte("one"))

	got := make(chan Frame, 1)
	go func() {
		f, _ := s.Wait(context.Background(), s.Seq())
		got <- f
	}()

	select {
	case f := <-got:
		t.Fatalf("wait returned early with %q", f.Data)
	case <-time.After(50 * time.Millisecond):
	}

	_ = s.Write([]byte("two"))
	select {
	case f := <-got:
		if string(f.Data) != "two" {
			t.Fatalf("got %q, want two", f.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s := New(8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	s := New(8)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), 0)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}

	if err := s.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if _, ok := s.Snapshot(); ok {
		t.Fatal("snapshot after close should report no frame")
	}
}

// Concurrent writers of distinct, self-describing frames: every frame a reader
// copies must be internally consistent.
func TestNoTornReads(t *testing.T) {
	s := New(64)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go func() {
		for i := 1; ctx.Err() == nil; i++ {
			size := 1 + i%64
			_ = s.Write(bytes.Repeat([]byte{byte(size)}, size))
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				f, err := s.Wait(ctx, last)
				if err != nil {
					return
				}
				last = f.Seq
				for _, b := range f.Data {
					if int(b) != f.Len() {
						t.Errorf("torn frame: len %d contains byte %d", f.Len(), b)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out waiting for goroutines")
	}
}
