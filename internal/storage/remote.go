package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/types"
)

// maxRemoteValueSize limits the response size accepted from the remote store.
const maxRemoteValueSize = 32 * 1024 * 1024

// RemoteKeyValueStore talks to the hosted storage API. It is used when a
// token is configured; otherwise the engine falls back to the local store.
type RemoteKeyValueStore struct {
	baseURL string
	storeID string
	token   string
	client  *http.Client
}

// NewRemoteKeyValueStore creates a client for the remote key-value API.
func NewRemoteKeyValueStore(baseURL, storeID, token string) *RemoteKeyValueStore {
	return &RemoteKeyValueStore{
		baseURL: baseURL,
		storeID: storeID,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// GetValue implements KeyValueStore.
func (s *RemoteKeyValueStore) GetValue(ctx context.Context, key string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.recordURL(key), nil)
	if err != nil {
		return err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote store get %q: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.ErrKeyNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("remote store get %q: unexpected status %d", key, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteValueSize))
	if err != nil {
		return fmt.Errorf("remote store get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote store decode %q: %w", key, err)
	}
	return nil
}

// SetValue implements KeyValueStore.
func (s *RemoteKeyValueStore) SetValue(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("remote store encode %q: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.recordURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote store put %q: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remote store put %q: unexpected status %d", key, resp.StatusCode)
	}
	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Remote key-value record stored")
	return nil
}

// Delete implements KeyValueStore.
func (s *RemoteKeyValueStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.recordURL(key), nil)
	if err != nil {
		return err
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote store delete %q: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("remote store delete %q: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

func (s *RemoteKeyValueStore) recordURL(key string) string {
	return fmt.Sprintf("%s/key-value-stores/%s/records/%s",
		s.baseURL, url.PathEscape(s.storeID), url.PathEscape(key))
}

func (s *RemoteKeyValueStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}
