// Package wire implements the uplink framing protocol.
//
// A stream starts with a fixed-size access credential and continues with
// frames, each prefixed by its length as a little-endian uint32. A zero
// length ends the stream.
//
//	<credential: N bytes> (<length: uint32 LE><payload: length bytes>)* <0: uint32 LE>
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// DefaultCredentialSize is the length of an access token: an 8 character
	// lookup, a dot and a 32 character secret.
	DefaultCredentialSize = 41

	// MaxFrameSize is the largest length the header can announce.
	MaxFrameSize = math.MaxUint32

	headerSize = 4
)

var (
	ErrEmptyFrame     = errors.New("wire: empty frame")
	ErrFrameTooLarge  = errors.New("wire: frame too large")
	ErrCredentialSize = errors.New("wire: credential has wrong size")
)

// Writer encodes an uplink stream. Every record is flushed as a whole, so
// the peer never sees a length before its payload.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 64*1024)}
}

// WriteCredential sends the credential. size is the credential length both
// sides agreed on.
func (w *Writer) WriteCredential(cred []byte, size int) error {
	if len(cred) != size {
		return fmt.Errorf("%w: got %d, want %d", ErrCredentialSize, len(cred), size)
	}
	if _, err := w.bw.Write(cred); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteFrame sends one length-prefixed frame. An empty frame is refused
// because zero is the end-of-stream marker.
func (w *Writer) WriteFrame(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(p)) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if err := w.writeHeader(uint32(len(p))); err != nil {
		return err
	}
	if _, err := w.bw.Write(p); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteEnd sends the zero-length end-of-stream marker.
func (w *Writer) WriteEnd() error {
	if err := w.writeHeader(0); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *Writer) writeHeader(n uint32) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], n)
	_, err := w.bw.Write(hdr[:])
	return err
}

// Reader decodes an uplink stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadCredential reads exactly size bytes.
func (r *Reader) ReadCredential(size int) ([]byte, error) {
	cred := make([]byte, size)
	if _, err := io.ReadFull(r.br, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// ReadLength reads the next frame header. Zero means end of stream.
func (r *Reader) ReadLength() (uint32, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(hdr[:]), nil
}

// ReadPayload fills dst from the stream. A connection that ends before dst
// is full yields io.ErrUnexpectedEOF.
func (r *Reader) ReadPayload(dst []byte) error {
	_, err := io.ReadFull(r.br, dst)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// discardChunk bounds a single skip so it fits an int on 32-bit platforms.
var discardChunk int64 = 1 << 30

// Discard skips n payload bytes.
func (r *Reader) Discard(n int64) error {
	for n > 0 {
		step := min(n, discardChunk)
		skipped, err := r.br.Discard(int(step))
		n -= int64(skipped)
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}
