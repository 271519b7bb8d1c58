// Package config – store.go persists the single {ws_url} record the settings
// UI writes and the supervisor reads before each connection attempt.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is the persisted supervisor configuration.
type Record struct {
	WSURL string `json:"ws_url"`
}

// Store is a file-backed get/set of the Record. Reads of a missing or
// unreadable file fall back to the default so a fresh install connects
// without any setup step.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store at the given path. An empty path resolves to
// promptrelay.json under the user config directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(dir, "promptrelay", "promptrelay.json")
	}
	return &Store{path: path}, nil
}

// Get returns the persisted record, or the default when none exists.
func (s *Store) Get() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{WSURL: DefaultWSURL}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return rec
	}
	if err := json.Unmarshal(data, &rec); err != nil || rec.WSURL == "" {
		return Record{WSURL: DefaultWSURL}
	}
	return rec
}

// ServerURL returns the websocket URL the supervisor should dial.
func (s *Store) ServerURL() string {
	return s.Get().WSURL
}

// Set persists the record, creating the parent directory if needed.
func (s *Store) Set(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.WSURL == "" {
		rec.WSURL = DefaultWSURL
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
