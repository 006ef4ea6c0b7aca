package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"

	"hands/mjpeg-relay/internal/log"
)

const (
	lookupBytes = 4
	secretBytes = 16
)

// TokenSize is the length of a token returned by Create: 8 hex characters of
// lookup, a dot, 32 hex characters of secret.
const TokenSize = 2*lookupBytes + 1 + 2*secretBytes

var ErrMalformedToken = errors.New("auth: malformed access token")

type tokenEntry struct {
	TokenHash string `json:"token_hash"`
	Name      string `json:"name"`
}

// TokenStore keeps bcrypt hashes of access tokens in a JSON file keyed by
// the token's lookup part. Only the hash is stored; the secret is shown once
// by Create.
type TokenStore struct {
	path string

	mu     sync.RWMutex
	tokens map[string]tokenEntry
}

var _ Authenticator = (*TokenStore)(nil)

// OpenTokenStore loads the store at path. A missing file is an empty store.
func OpenTokenStore(path string) (*TokenStore, error) {
	s := &TokenStore{path: path, tokens: map[string]tokenEntry{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file.
func (s *TokenStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return fmt.Errorf("read token store: %w", err)
	}

	tokens := map[string]tokenEntry{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &tokens); err != nil {
			return fmt.Errorf("decode token store %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Create issues a new token under name and persists its hash.
func (s *TokenStore) Create(name string) (string, error) {
	lookup, err := randomHex(lookupBytes)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}

	s.mu.Lock()
	s.tokens[lookup] = tokenEntry{TokenHash: string(hash), Name: name}
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return lookup + "." + secret, nil
}

// Authenticate reports whether credential is a stored token.
func (s *TokenStore) Authenticate(credential []byte) bool {
	name, err := s.Verify(credential)
	if err != nil {
		return false
	}
	log.Component("auth").WithField("token", name).Debug("access token accepted")
	return true
}

// Verify checks credential and returns the name the token was issued under.
func (s *TokenStore) Verify(credential []byte) (string, error) {
	lookup, secret, ok := bytes.Cut(bytes.TrimSpace(credential), []byte("."))
	if !ok || len(lookup) == 0 || len(secret) == 0 {
		return "", ErrMalformedToken
	}

	s.mu.RLock()
	entry, found := s.tokens[string(lookup)]
	s.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("auth: unknown token %q", lookup)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.TokenHash), secret); err != nil {
		return "", fmt.Errorf("auth: token %q: %w", lookup, err)
	}
	return entry.Name, nil
}

// Watch reloads the store whenever its file changes, until ctx is done.
// Token provisioning from another process takes effect without a restart.
func (s *TokenStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// watch the directory: editors and os.Rename replace the file itself
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger := log.Component("auth").WithField("file", s.path)
	target := filepath.Clean(s.path)
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := s.Reload(); err != nil {
				logger.WithError(err).Warn("token store reload failed")
				continue
			}
			logger.WithField("tokens", s.Len()).Info("token store reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("token store watcher error")
		}
	}
}

func (s *TokenStore) saveLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
