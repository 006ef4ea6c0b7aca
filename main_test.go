package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"hands/mjpeg-relay/internal/auth"
	"hands/mjpeg-relay/internal/broadcast"
	"hands/mjpeg-relay/internal/ingest"
	"hands/mjpeg-relay/internal/relay"
)

func testRouter(t *testing.T) (*gin.Engine, *relay.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := relay.New(relay.Options{
		Capacity: 1024,
		Ingest:   ingest.Options{Addr: "127.0.0.1:0", Auth: auth.DenyAll},
	})
	return newRouter(sup, broadcast.NewHandler(sup, nil)), sup
}

func TestHealth(t *testing.T) {
	router, sup := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health before start = %d", w.Code)
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStats(t *testing.T) {
	router, sup := testRouter(t)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()
	sup.Slot().Write([]byte("frame"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var body struct {
		Relay   relay.Stats            `json:"relay"`
		Viewers []broadcast.ViewerInfo `json:"viewers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Relay.Alive || body.Relay.Seq != 1 || body.Relay.Capacity != 1024 {
		t.Fatalf("relay stats = %+v", body.Relay)
	}
	if len(body.Viewers) != 0 {
		t.Fatalf("viewers = %+v", body.Viewers)
	}
}
