package broadcast

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hands/mjpeg-relay/internal/auth"
	"hands/mjpeg-relay/internal/frameslot"
	"hands/mjpeg-relay/internal/log"
)

// Source is what the viewer routes read from. Slot returns nil before the
// relay has started.
type Source interface {
	Slot() frameslot.Shared
	Alive() bool
}

// Handler serves viewers over HTTP and websocket.
type Handler struct {
	src  Source
	gate auth.Authenticator

	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[string]*ViewerSession
}

// NewHandler creates the viewer handler. When gate is non-nil every viewer
// route requires an access token, as a Bearer header or a token query
// parameter.
func NewHandler(src Source, gate auth.Authenticator) *Handler {
	return &Handler{
		src:  src,
		gate: gate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[string]*ViewerSession),
	}
}

// Register mounts the viewer routes on r.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/")
	if h.gate != nil {
		g.Use(h.requireToken)
	}
	g.GET("/stream.mjpg", h.stream)
	g.GET("/snapshot.jpg", h.snapshot)
	g.GET("/ws", h.ws)
}

// Viewers returns the connected viewers ordered by start time.
func (h *Handler) Viewers() []ViewerInfo {
	h.mu.Lock()
	out := make([]ViewerInfo, 0, len(h.viewers))
	for _, v := range h.viewers {
		out = append(out, v.Info())
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (h *Handler) requireToken(c *gin.Context) {
	token := c.Query("token")
	if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		token = bearer
	}
	if token == "" || !h.gate.Authenticate([]byte(token)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
		return
	}
	c.Next()
}

func noCache(c *gin.Context) {
	c.Header("Age", "0")
	c.Header("Cache-Control", "no-cache, private")
	c.Header("Pragma", "no-cache")
}

func (h *Handler) open(kind string, c *gin.Context) (*ViewerSession, *logrus.Entry) {
	v := newViewerSession(kind, c.ClientIP(), h.src.Alive())
	h.mu.Lock()
	h.viewers[v.ID] = v
	h.mu.Unlock()

	logger := log.Component("broadcast").WithFields(logrus.Fields{
		"viewer": v.ID,
		"remote": v.Remote,
		"kind":   kind,
	})
	logger.WithField("listener_alive", v.ListenerAlive).Info("viewer connected")
	return v, logger
}

func (h *Handler) close(v *ViewerSession, logger *logrus.Entry, err error) {
	h.mu.Lock()
	delete(h.viewers, v.ID)
	h.mu.Unlock()

	info := v.Info()
	entry := logger.WithFields(logrus.Fields{
		"frames":   info.Frames,
		"last_len": info.LastFrameLen,
		"duration": time.Since(info.Started).Round(time.Millisecond).String(),
	})
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		entry = entry.WithError(err)
	}
	entry.Info("viewer disconnected")
}

func (h *Handler) stream(c *gin.Context) {
	slot := h.src.Slot()
	if slot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}

	v, logger := h.open("mjpeg", c)
	gen := NewGenerator(slot, h.src.Alive)
	ctx := c.Request.Context()

	noCache(c)
	c.Header("Content-Type", ContentType)
	c.Status(http.StatusOK)
	// viewers see the response start before the first frame arrives
	c.Writer.Flush()

	var streamErr error
	c.Stream(func(w io.Writer) bool {
		chunk, err := gen.Next(ctx)
		if err != nil {
			streamErr = err
			return false
		}
		if _, err := w.Write(chunk); err != nil {
			streamErr = err
			return false
		}
		v.served(gen.LastLen())
		return true
	})
	h.close(v, logger, streamErr)
}

func (h *Handler) snapshot(c *gin.Context) {
	slot := h.src.Slot()
	if slot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}
	frame, ok := slot.Snapshot()
	if !ok || frame.Len() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame yet"})
		return
	}
	noCache(c)
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

func (h *Handler) ws(c *gin.Context) {
	slot := h.src.Slot()
	if slot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not running"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Component("broadcast").WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	v, logger := h.open("websocket", c)
	gen := NewGenerator(slot, h.src.Alive)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// drain control frames; a read error means the viewer left
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var streamErr error
	for {
		frame, err := gen.NextFrame(ctx)
		if err != nil {
			streamErr = err
			break
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			streamErr = err
			break
		}
		v.served(frame.Len())
	}

	if errors.Is(streamErr, io.EOF) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
			time.Now().Add(time.Second))
	}
	h.close(v, logger, streamErr)
}
