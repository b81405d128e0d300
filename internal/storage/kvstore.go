// Package storage provides the key-value store used to persist engine state:
// request list progress, session pool snapshots, and crawl statistics.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/types"
)

// KeyValueStore is the persistence collaborator consumed by the request list,
// the session pool, and the crawler statistics. Values are opaque JSON.
type KeyValueStore interface {
	// GetValue unmarshals the value under key into out. Returns
	// types.ErrKeyNotFound if the key does not exist.
	GetValue(ctx context.Context, key string, out any) error

	// SetValue marshals value as JSON and stores it under key atomically.
	SetValue(ctx context.Context, key string, value any) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// LocalKeyValueStore stores one JSON file per key inside a directory.
// Writes go through a temp file and rename so a crash mid-write never leaves
// a truncated value behind.
type LocalKeyValueStore struct {
	dir    string
	mu     sync.Mutex
	closed bool
}

// NewLocalKeyValueStore creates (or reopens) a store rooted at
// <storageDir>/key_value_stores/<storeID>.
func NewLocalKeyValueStore(storageDir, storeID string) (*LocalKeyValueStore, error) {
	dir := filepath.Join(storageDir, "key_value_stores", storeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key-value store dir: %w", err)
	}
	log.Debug().Str("dir", dir).Msg("Local key-value store opened")
	return &LocalKeyValueStore{dir: dir}, nil
}

// GetValue implements KeyValueStore.
func (s *LocalKeyValueStore) GetValue(ctx context.Context, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStorageClosed
	}

	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return types.ErrKeyNotFound
		}
		return fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode value for key %q: %w", key, err)
	}
	return nil
}

// SetValue implements KeyValueStore.
func (s *LocalKeyValueStore) SetValue(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode value for key %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStorageClosed
	}

	path := s.keyPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit key %q: %w", key, err)
	}
	return nil
}

// Delete implements KeyValueStore.
func (s *LocalKeyValueStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStorageClosed
	}

	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// Close marks the store closed. Further operations fail with ErrStorageClosed.
func (s *LocalKeyValueStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// keyPath maps a key to its file, replacing separators that would escape the
// store directory.
func (s *LocalKeyValueStore) keyPath(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(s.dir, safe+".json")
}
