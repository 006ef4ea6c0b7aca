package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-mjpeg"

	"hands/mjpeg-relay/internal/log"
)

var (
	soiMarker = []byte{0xff, 0xd8}
	eoiMarker = []byte{0xff, 0xd9}
)

// ScanJPEG is a bufio.SplitFunc that splits a concatenated stream of JPEG
// images on the SOI/EOI markers. Bytes before an SOI marker are dropped.
func ScanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, soiMarker)
	if start < 0 {
		// keep a trailing 0xff, it may be the first half of the next SOI
		if !atEOF && len(data) > 0 && data[len(data)-1] == 0xff {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}
	if end := bytes.Index(data[start+len(soiMarker):], eoiMarker); end >= 0 {
		stop := start + len(soiMarker) + end + len(eoiMarker)
		return stop, data[start:stop], nil
	}
	if atEOF {
		// incomplete image at end of stream
		return len(data), nil, nil
	}
	return start, nil, nil
}

// Capture describes a capture command producing MJPEG on stdout.
type Capture struct {
	Format    string // ffmpeg input format, e.g. "v4l2" or "avfoundation"
	Device    string
	Width     int
	Height    int
	Framerate int
	Quality   int // ffmpeg -q:v, 2 (best) .. 31
	Verbose   bool
}

// FFmpegArgs returns the ffmpeg arguments that write c's device as a stream
// of JPEG images to stdout.
func FFmpegArgs(c Capture) []string {
	format := c.Format
	if format == "" {
		format = "v4l2"
	}
	args := []string{
		"-f", format,
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-framerate", strconv.Itoa(c.Framerate),
		"-i", c.Device,
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(c.Quality),
		"-f", "image2pipe",
		"-", // stdout
	}
	if !c.Verbose {
		args = append([]string{"-loglevel", "error"}, args...)
	}
	return args
}

// RunCommand runs name with args and publishes every JPEG it writes to
// stdout. The feed is closed when the command exits, which is how the uplink
// learns the camera has gone away.
func RunCommand(ctx context.Context, feed *Feed, name string, args ...string) error {
	defer feed.Close()

	logger := log.Component("camera").WithField("command", name)

	// the command dies with the reader: nothing drains stdout after that
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	logger.Info("capture started")

	frames, scanErr := publishJPEGs(feed, stdout)
	if scanErr != nil && ctx.Err() == nil {
		logger.WithError(scanErr).Warn("reading capture output failed")
	}
	if scanErr != nil || feed.Closed() {
		cancel()
	}

	waitErr := cmd.Wait()
	logger.WithField("frames", frames).Info("capture stopped")
	if ctx.Err() != nil {
		return nil
	}
	if scanErr != nil {
		return fmt.Errorf("read %s output: %w", name, scanErr)
	}
	return waitErr
}

func publishJPEGs(feed *Feed, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(ScanJPEG)
	scanner.Buffer(make([]byte, 1<<20), DefaultMaxFrameSize)

	var count int
	for scanner.Scan() {
		// the scanner reuses its buffer; Publish copies
		if err := feed.Publish(scanner.Bytes()); err != nil {
			if errors.Is(err, ErrClosed) {
				return count, nil
			}
			log.Component("camera").WithError(err).Warn("frame dropped")
			continue
		}
		count++
	}
	return count, scanner.Err()
}

// WatchFile publishes the JPEG at path each time another process rewrites
// it, e.g. a capture daemon writing into /dev/shm. It returns when ctx is
// done and closes the feed.
func WatchFile(ctx context.Context, feed *Feed, path string) error {
	defer feed.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger := log.Component("camera").WithField("file", path)
	logger.Info("watching frame file")

	target := filepath.Clean(path)
	var last []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				logger.WithError(err).Debug("frame file not readable")
				continue
			}
			// a writer may be mid-way; wait for a complete image
			if !bytes.HasPrefix(data, soiMarker) || !bytes.HasSuffix(data, eoiMarker) {
				continue
			}
			// one write often raises several events
			if bytes.Equal(data, last) {
				continue
			}
			last = data
			if err := feed.Publish(data); err != nil {
				logger.WithError(err).Warn("frame dropped")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("watcher error")
		}
	}
}

// PullMJPEG reads an upstream multipart MJPEG stream (an IP camera) and
// publishes every image re-encoded at quality. The feed is closed when the
// upstream ends.
func PullMJPEG(ctx context.Context, feed *Feed, url string, quality int) error {
	defer feed.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect upstream camera: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream camera: %s", resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("upstream camera: not a multipart stream (%q)", resp.Header.Get("Content-Type"))
	}

	logger := log.Component("camera").WithField("url", url)
	logger.Info("pulling upstream MJPEG")

	dec := mjpeg.NewDecoder(resp.Body, params["boundary"])
	opts := &jpeg.Options{Quality: quality}
	var buf bytes.Buffer
	for {
		img, err := dec.Decode()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode upstream frame: %w", err)
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, img, opts); err != nil {
			logger.WithError(err).Warn("encode frame")
			continue
		}
		if err := feed.Publish(buf.Bytes()); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			logger.WithError(err).Warn("frame dropped")
		}
	}
}
