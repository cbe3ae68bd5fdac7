// Package session persists backend session continuity and coordinates
// per-scope access to it.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troika/troika/internal/common/logger"
)

// Record is one persisted scope entry.
type Record struct {
	Backend    string    `json:"backend"`
	Role       string    `json:"role"`
	SessionID  string    `json:"session_id,omitempty"`
	HasHistory bool      `json:"has_history"`
	LastUpdate time.Time `json:"last_update"`
}

type storeFile struct {
	Version   int               `json:"version"`
	UpdatedAt string            `json:"updatedAt"`
	Scopes    map[string]Record `json:"scopes"`
}

func newStoreFile() storeFile {
	return storeFile{Version: 1, Scopes: make(map[string]Record)}
}

// Store is the durable scope-key to session-record map. All access is
// serialized by a process-wide lock and every mutation rewrites the file
// atomically (write-temp-then-rename).
type Store struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewStore creates a store persisting at path.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "session-store")),
	}
}

// Get returns the record for a scope key.
func (s *Store) Get(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := sf.Scopes[key]
	return rec, ok, nil
}

// Put inserts or replaces the record for a scope key.
func (s *Store) Put(key string, rec Record) error {
	return s.mutate(func(sf *storeFile) {
		sf.Scopes[key] = rec
	})
}

// Remove deletes the record for a scope key, if present.
func (s *Store) Remove(key string) error {
	return s.mutate(func(sf *storeFile) {
		delete(sf.Scopes, key)
	})
}

// Snapshot returns a copy of all records.
func (s *Store) Snapshot() (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(sf.Scopes))
	for k, v := range sf.Scopes {
		out[k] = v
	}
	return out, nil
}

func (s *Store) mutate(f func(*storeFile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return err
	}
	f(&sf)
	return s.write(sf)
}

func (s *Store) read() (storeFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newStoreFile(), nil
		}
		return storeFile{}, fmt.Errorf("failed to read session store: %w", err)
	}
	if len(raw) == 0 {
		return newStoreFile(), nil
	}

	var sf storeFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		// A corrupt store is backed up and reset rather than bricking the
		// server.
		backup := fmt.Sprintf("%s.bak.%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			s.logger.Warn("failed to back up corrupt session store",
				zap.String("path", s.path), zap.Error(renameErr))
		} else {
			s.logger.Warn("session store invalid, backed up and reset",
				zap.String("backup", backup), zap.Error(err))
		}
		return newStoreFile(), nil
	}
	if sf.Scopes == nil {
		sf.Scopes = make(map[string]Record)
	}
	return sf, nil
}

func (s *Store) write(sf storeFile) error {
	sf.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store dir: %w", err)
		}
	}

	bytes, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session store: %w", err)
	}
	bytes = append(bytes, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, bytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}

// DefaultStorePath returns the per-installation session store location.
func DefaultStorePath() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "troika", "sessions.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".troika", "sessions.json")
	}
	return filepath.Join(home, ".local", "share", "troika", "sessions.json")
}
