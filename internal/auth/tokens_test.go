package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateAndAuthenticate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "access_tokens.json")
	store, err := OpenTokenStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	token, err := store.Create("porch-camera")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(token) != TokenSize {
		t.Fatalf("token length = %d, want %d", len(token), TokenSize)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("token %q has no lookup separator", token)
	}

	if !store.Authenticate([]byte(token)) {
		t.Fatal("fresh token rejected")
	}
	name, err := store.Verify([]byte(token))
	if err != nil || name != "porch-camera" {
		t.Fatalf("verify = %q, %v", name, err)
	}

	// only the hash is persisted
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	secret := token[strings.Index(token, ".")+1:]
	if strings.Contains(string(data), secret) {
		t.Fatal("secret stored in clear text")
	}
	var onDisk map[string]map[string]string
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("store file is not json: %v", err)
	}
	if len(onDisk) != 1 {
		t.Fatalf("entries on disk = %d, want 1", len(onDisk))
	}
}

func TestAuthenticateRejects(t *testing.T) {
	store, err := OpenTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	token, err := store.Create("cam")
	if err != nil {
		t.Fatal(err)
	}
	lookup := token[:strings.Index(token, ".")]

	cases := map[string]string{
		"empty":        "",
		"no separator": "deadbeef",
		"unknown":      "00000000.0123456789abcdef0123456789abcdef",
		"wrong secret": lookup + ".0123456789abcdef0123456789abcdef",
	}
	for name, cred := range cases {
		if store.Authenticate([]byte(cred)) {
			t.Errorf("%s: credential %q accepted", name, cred)
		}
	}

	if _, err := store.Verify([]byte("deadbeef")); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("err = %v, want ErrMalformedToken", err)
	}
}

func TestReopenKeepsTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	first, err := OpenTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	token, err := first.Create("cam")
	if err != nil {
		t.Fatal(err)
	}

	second, err := OpenTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Authenticate([]byte(token)) {
		t.Fatal("token lost across reopen")
	}
}

func TestCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenTokenStore(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWatchPicksUpNewTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	relay, err := OpenTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relay.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	cli, err := OpenTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	token, err := cli.Create("cam")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !relay.Authenticate([]byte(token)) {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not reload the store")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestDenyAll(t *testing.T) {
	if DenyAll.Authenticate([]byte("anything")) {
		t.Fatal("DenyAll accepted a credential")
	}
}
