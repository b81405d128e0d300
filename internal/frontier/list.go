// Package frontier holds the crawler's work inbox: the request list of seed
// requests and the deduplicated request queue of dynamically discovered
// requests.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/types"
)

// urlPattern extracts URLs from a fetched source body when the source does
// not supply its own pattern.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// maxSourceBodySize bounds how much of a remote source body is read.
const maxSourceBodySize = 16 << 20

// Source feeds the request list. Exactly one of Request or RequestsFromURL
// must be set. When RequestsFromURL is set the URL is fetched and every match
// of Regex (or a default URL pattern) in the body becomes a GET request.
type Source struct {
	Request         *request.Request
	RequestsFromURL string
	Regex           *regexp.Regexp
}

// ListOptions configures a List.
type ListOptions struct {
	Sources []Source

	// KeepDuplicates disables unique-key deduplication at initialization.
	KeepDuplicates bool

	// PersistStateKey, when set together with Store, makes PersistState
	// snapshot progress so a restarted list resumes where it left off.
	PersistStateKey string
	Store           storage.KeyValueStore

	// HTTPClient fetches RequestsFromURL sources. Defaults to a client with
	// a 30s timeout.
	HTTPClient *http.Client
}

// listState is the persisted progress snapshot.
type listState struct {
	NextIndex  int                `json:"nextIndex"`
	InProgress []string           `json:"inProgress"`
	Reclaimed  []*request.Request `json:"reclaimed"`
}

// List is an ordered, restartable source of seed requests. It materializes
// all sources into memory at construction and serves them in order, with
// reclaimed requests re-served first.
//
// List is not safe for concurrent use by itself; the crawler serializes
// access through its own mutex.
type List struct {
	requests  []*request.Request
	nextIndex int

	inProgress map[string]struct{}
	reclaimed  []*request.Request

	handledCount int

	persistKey string
	store      storage.KeyValueStore
}

// NewList materializes the sources, deduplicates them, and restores any
// persisted progress state.
func NewList(ctx context.Context, opts ListOptions) (*List, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	l := &List{
		inProgress: make(map[string]struct{}),
		persistKey: opts.PersistStateKey,
		store:      opts.Store,
	}

	seen := make(map[string]struct{})
	for i, src := range opts.Sources {
		var batch []*request.Request
		switch {
		case src.Request != nil && src.RequestsFromURL != "":
			return nil, fmt.Errorf("frontier: source %d sets both Request and RequestsFromURL", i)
		case src.Request != nil:
			req := src.Request.Clone()
			req.EnsureUniqueKey()
			batch = []*request.Request{req}
		case src.RequestsFromURL != "":
			var err error
			batch, err = fetchSourceRequests(ctx, client, src)
			if err != nil {
				return nil, fmt.Errorf("frontier: source %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("frontier: source %d is empty", i)
		}

		for _, req := range batch {
			if !opts.KeepDuplicates {
				if _, dup := seen[req.UniqueKey]; dup {
					continue
				}
				seen[req.UniqueKey] = struct{}{}
			}
			l.requests = append(l.requests, req)
		}
	}

	if err := l.restoreState(ctx); err != nil {
		return nil, err
	}

	log.Debug().
		Int("requests", len(l.requests)).
		Int("next_index", l.nextIndex).
		Int("reclaimed", len(l.reclaimed)).
		Msg("Request list initialized")
	return l, nil
}

func fetchSourceRequests(ctx context.Context, client *http.Client, src Source) ([]*request.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src.RequestsFromURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", src.RequestsFromURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBodySize))
	if err != nil {
		return nil, err
	}

	pattern := src.Regex
	if pattern == nil {
		pattern = urlPattern
	}
	var out []*request.Request
	for _, match := range pattern.FindAllString(string(body), -1) {
		out = append(out, request.New(match))
	}
	log.Debug().
		Str("url", src.RequestsFromURL).
		Int("extracted", len(out)).
		Msg("Fetched request list source")
	return out, nil
}

// restoreState loads persisted progress. Requests that were in progress when
// the state was persisted are queued for re-serving ahead of the index.
func (l *List) restoreState(ctx context.Context) error {
	if l.store == nil || l.persistKey == "" {
		return nil
	}
	var state listState
	err := l.store.GetValue(ctx, l.persistKey, &state)
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("frontier: restoring list state: %w", err)
	}

	if state.NextIndex > len(l.requests) {
		state.NextIndex = len(l.requests)
	}
	l.nextIndex = state.NextIndex
	l.reclaimed = state.Reclaimed

	// In-progress requests not captured in the reclaimed slice are looked up
	// among the materialized requests and re-served in their original order.
	inReclaimed := make(map[string]struct{}, len(l.reclaimed))
	for _, req := range l.reclaimed {
		inReclaimed[req.UniqueKey] = struct{}{}
	}
	pending := make(map[string]struct{}, len(state.InProgress))
	for _, key := range state.InProgress {
		pending[key] = struct{}{}
	}
	for _, req := range l.requests[:l.nextIndex] {
		if _, ok := pending[req.UniqueKey]; !ok {
			continue
		}
		if _, ok := inReclaimed[req.UniqueKey]; ok {
			continue
		}
		l.reclaimed = append(l.reclaimed, req.Clone())
	}
	return nil
}

// FetchNextRequest returns the next request, serving reclaimed requests
// before advancing the index. Returns nil when the list is exhausted.
func (l *List) FetchNextRequest() *request.Request {
	var req *request.Request
	if len(l.reclaimed) > 0 {
		req = l.reclaimed[0]
		l.reclaimed = l.reclaimed[1:]
	} else if l.nextIndex < len(l.requests) {
		req = l.requests[l.nextIndex]
		l.nextIndex++
	} else {
		return nil
	}
	l.inProgress[req.UniqueKey] = struct{}{}
	return req.Clone()
}

// MarkRequestHandled removes the request from the in-progress set.
func (l *List) MarkRequestHandled(req *request.Request) error {
	if _, ok := l.inProgress[req.UniqueKey]; !ok {
		return types.NewQueueError("markRequestHandled", req.UniqueKey,
			"request is not in progress in the list", types.ErrRequestNotInProgress)
	}
	delete(l.inProgress, req.UniqueKey)
	l.handledCount++
	return nil
}

// ReclaimRequest puts an in-progress request back at the front of the list.
// Relative order among reclaimed requests is preserved.
func (l *List) ReclaimRequest(req *request.Request) error {
	if _, ok := l.inProgress[req.UniqueKey]; !ok {
		return types.NewQueueError("reclaimRequest", req.UniqueKey,
			"request is not in progress in the list", types.ErrRequestNotInProgress)
	}
	delete(l.inProgress, req.UniqueKey)
	l.reclaimed = append(l.reclaimed, req.Clone())
	return nil
}

// IsEmpty reports whether no request remains to be served. In-progress
// requests do not count.
func (l *List) IsEmpty() bool {
	return len(l.reclaimed) == 0 && l.nextIndex >= len(l.requests)
}

// IsFinished reports whether the list is empty and nothing is in progress.
func (l *List) IsFinished() bool {
	return l.IsEmpty() && len(l.inProgress) == 0
}

// HandledCount returns the number of requests marked handled.
func (l *List) HandledCount() int {
	return l.handledCount
}

// Length returns the total number of materialized requests.
func (l *List) Length() int {
	return len(l.requests)
}

// PersistState snapshots progress into the key-value store. A no-op when no
// store or key is configured.
func (l *List) PersistState(ctx context.Context) error {
	if l.store == nil || l.persistKey == "" {
		return nil
	}
	keys := make([]string, 0, len(l.inProgress))
	for key := range l.inProgress {
		keys = append(keys, key)
	}
	state := listState{
		NextIndex:  l.nextIndex,
		InProgress: keys,
		Reclaimed:  l.reclaimed,
	}
	if err := l.store.SetValue(ctx, l.persistKey, state); err != nil {
		return fmt.Errorf("frontier: persisting list state: %w", err)
	}
	log.Debug().
		Str("key", l.persistKey).
		Int("next_index", state.NextIndex).
		Int("in_progress", len(keys)).
		Msg("Request list state persisted")
	return nil
}
