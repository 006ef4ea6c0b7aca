package broadcast

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"sync"
	"testing"
	"time"

	"hands/mjpeg-relay/internal/frameslot"
)

func TestAppendChunk(t *testing.T) {
	got := AppendChunk(nil, []byte("JPEG"))
	want := "--FRAME\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\nJPEG\r\n"
	if string(got) != want {
		t.Fatalf("chunk = %q\nwant    %q", got, want)
	}
}

func TestChunksParseAsMultipart(t *testing.T) {
	var body []byte
	body = AppendChunk(body, []byte("first"))
	body = AppendChunk(body, []byte("second"))
	// a live stream never closes; end it so the last part is complete
	body = append(body, "--"+Boundary+"--\r\n"...)

	mr := multipart.NewReader(bytes.NewReader(body), Boundary)
	for _, want := range []string{"first", "second"} {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("content type = %q", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want {
			t.Fatalf("part = %q, want %q", data, want)
		}
	}
}

func TestGeneratorsWokenByOneWrite(t *testing.T) {
	slot := frameslot.New(64)
	slot.Write([]byte("old"))

	const viewers = 5
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	gens := make([]*Generator, viewers)
	for i := range gens {
		gens[i] = NewGenerator(slot, nil)
	}

	var wg sync.WaitGroup
	chunks := make(chan []byte, viewers)
	for _, g := range gens {
		wg.Add(1)
		go func(g *Generator) {
			defer wg.Done()
			chunk, err := g.Next(ctx)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			chunks <- append([]byte(nil), chunk...)
		}(g)
	}

	time.Sleep(30 * time.Millisecond)
	slot.Write([]byte("new"))
	wg.Wait()
	close(chunks)

	want := string(AppendChunk(nil, []byte("new")))
	n := 0
	for c := range chunks {
		n++
		if string(c) != want {
			t.Fatalf("chunk = %q, want %q", c, want)
		}
	}
	if n != viewers {
		t.Fatalf("woken generators = %d, want %d", n, viewers)
	}
}

func TestGeneratorSkipsToLatest(t *testing.T) {
	slot := frameslot.New(64)
	g := NewGenerator(slot, nil)

	slot.Write([]byte("one"))
	slot.Write([]byte("two"))

	frame, err := g.NextFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Data) != "two" {
		t.Fatalf("frame = %q, want two", frame.Data)
	}
	if g.LastLen() != 3 {
		t.Fatalf("last len = %d", g.LastLen())
	}
}

func TestGeneratorEndsWithListener(t *testing.T) {
	slot := frameslot.New(64)
	g := NewGenerator(slot, func() bool { return false })
	if _, err := g.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF for a dead listener", err)
	}

	g = NewGenerator(slot, nil)
	done := make(chan error, 1)
	go func() {
		_, err := g.Next(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	slot.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("err = %v, want EOF after release", err)
		}
	case <-time.After(time.Second):
		t.Fatal("generator not woken by release")
	}
}

func TestGeneratorViewerGone(t *testing.T) {
	slot := frameslot.New(64)
	g := NewGenerator(slot, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
