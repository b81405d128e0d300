package frontier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/types"
)

const (
	// headLimit is the batch size requested from the queue head endpoint.
	headLimit = 100

	// knownIDCacheSize bounds the local cache of recently added request IDs.
	knownIDCacheSize = 1 << 16

	// storageConsistencyDelay is how long after an add the head endpoint may
	// still lag behind. Within this window an empty head is retried.
	storageConsistencyDelay = 3 * time.Second

	maxEmptyHeadRetries = 4

	maxRemoteBodySize = 8 * 1024 * 1024
)

// RemoteQueue is a Queue backed by the hosted request queue API. The backend
// is eventually consistent; the client keeps a bounded cache of recently
// added identifiers and a head estimate so an empty read just after a write
// is retried with backoff instead of ending the crawl early.
type RemoteQueue struct {
	baseURL string
	queueID string
	token   string
	client  *http.Client

	mu           sync.Mutex
	closed       bool
	head         []*request.Request
	inProgress   map[string]struct{}
	knownIDs     *lruCache
	handledCount int
	lastAddedAt  time.Time
}

// cachedAdd remembers the outcome of a successful add keyed by unique key,
// so a duplicate add is answered locally without a round trip.
type cachedAdd struct {
	requestID string
	handled   bool
}

// NewRemoteQueue creates a client for the remote request queue API.
func NewRemoteQueue(baseURL, queueID, token string) *RemoteQueue {
	return &RemoteQueue{
		baseURL:    baseURL,
		queueID:    queueID,
		token:      token,
		client:     &http.Client{Timeout: 30 * time.Second},
		inProgress: make(map[string]struct{}),
		knownIDs:   newLRUCache(knownIDCacheSize),
	}
}

// AddRequest implements Queue.
func (q *RemoteQueue) AddRequest(ctx context.Context, req *request.Request, forefront bool) (AddResult, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return AddResult{}, types.ErrQueueClosed
	}
	q.mu.Unlock()

	req = req.Clone()
	req.EnsureUniqueKey()

	q.mu.Lock()
	if cached, ok := q.knownIDs.Get(req.UniqueKey); ok {
		q.mu.Unlock()
		return AddResult{
			RequestID:         cached.requestID,
			WasAlreadyPresent: true,
			WasAlreadyHandled: cached.handled,
		}, nil
	}
	q.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return AddResult{}, types.NewQueueError("addRequest", req.UniqueKey, "failed to encode request", err)
	}

	endpoint := fmt.Sprintf("%s/request-queues/%s/requests?forefront=%t",
		q.baseURL, url.PathEscape(q.queueID), forefront)
	data, err := q.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return AddResult{}, types.NewQueueError("addRequest", req.UniqueKey, "remote add failed", err)
	}

	// Responses are parsed leniently: the API wraps payloads in a data
	// envelope and has grown fields over time.
	parsed := gson.New(data)
	result := AddResult{
		RequestID:         parsed.Get("data").Get("requestId").Str(),
		WasAlreadyPresent: parsed.Get("data").Get("wasAlreadyPresent").Bool(),
		WasAlreadyHandled: parsed.Get("data").Get("wasAlreadyHandled").Bool(),
	}

	q.mu.Lock()
	q.knownIDs.Put(req.UniqueKey, cachedAdd{requestID: result.RequestID, handled: result.WasAlreadyHandled})
	if !result.WasAlreadyPresent {
		q.lastAddedAt = time.Now()
	}
	q.mu.Unlock()
	return result, nil
}

// FetchNextRequest implements Queue. When the local head buffer drains it is
// refilled from the head endpoint; an empty head inside the consistency
// window after a recent add is retried with bounded exponential backoff.
func (q *RemoteQueue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, types.ErrQueueClosed
	}
	if req := q.popHeadLocked(); req != nil {
		q.mu.Unlock()
		return req, nil
	}
	q.mu.Unlock()

	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		if err := q.refillHead(ctx); err != nil {
			return nil, err
		}

		q.mu.Lock()
		req := q.popHeadLocked()
		mayLag := time.Since(q.lastAddedAt) < storageConsistencyDelay
		q.mu.Unlock()

		if req != nil {
			return req, nil
		}
		if !mayLag || attempt >= maxEmptyHeadRetries {
			return nil, nil
		}

		log.Debug().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Queue head empty after recent add, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

// popHeadLocked takes the next buffered head request not already in
// progress. Caller holds q.mu.
func (q *RemoteQueue) popHeadLocked() *request.Request {
	for len(q.head) > 0 {
		req := q.head[0]
		q.head = q.head[1:]
		if _, busy := q.inProgress[req.ID]; busy {
			continue
		}
		q.inProgress[req.ID] = struct{}{}
		return req.Clone()
	}
	return nil
}

// refillHead queries the head endpoint and buffers the returned requests.
func (q *RemoteQueue) refillHead(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/request-queues/%s/head?limit=%d",
		q.baseURL, url.PathEscape(q.queueID), headLimit)
	data, err := q.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.NewQueueError("fetchNextRequest", "", "remote head query failed", err)
	}

	items := gson.New(data).Get("data").Get("items")
	var head []*request.Request
	for _, item := range items.Arr() {
		raw, err := json.Marshal(item.Val())
		if err != nil {
			continue
		}
		var req request.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Warn().Err(err).Msg("Skipping malformed request from queue head")
			continue
		}
		if req.ID == "" {
			continue
		}
		head = append(head, &req)
	}

	q.mu.Lock()
	q.head = head
	for _, req := range head {
		q.knownIDs.Put(req.UniqueKey, cachedAdd{requestID: req.ID})
	}
	q.mu.Unlock()
	return nil
}

// MarkRequestHandled implements Queue.
func (q *RemoteQueue) MarkRequestHandled(ctx context.Context, req *request.Request) error {
	q.mu.Lock()
	if _, ok := q.inProgress[req.ID]; !ok {
		q.mu.Unlock()
		return types.NewQueueError("markRequestHandled", req.ID,
			"request is not in progress in the queue", types.ErrRequestNotInProgress)
	}
	q.mu.Unlock()

	handled := req.Clone()
	if handled.HandledAt == nil {
		handled.MarkHandled(time.Now())
	}
	if err := q.updateRequest(ctx, handled, false); err != nil {
		return types.NewQueueError("markRequestHandled", req.ID, "remote update failed", err)
	}

	q.mu.Lock()
	delete(q.inProgress, req.ID)
	q.handledCount++
	q.mu.Unlock()
	return nil
}

// ReclaimRequest implements Queue.
func (q *RemoteQueue) ReclaimRequest(ctx context.Context, req *request.Request, forefront bool) error {
	q.mu.Lock()
	if _, ok := q.inProgress[req.ID]; !ok {
		q.mu.Unlock()
		return types.NewQueueError("reclaimRequest", req.ID,
			"request is not in progress in the queue", types.ErrRequestNotInProgress)
	}
	q.mu.Unlock()

	if err := q.updateRequest(ctx, req.Clone(), forefront); err != nil {
		return types.NewQueueError("reclaimRequest", req.ID, "remote update failed", err)
	}

	q.mu.Lock()
	delete(q.inProgress, req.ID)
	q.lastAddedAt = time.Now()
	q.mu.Unlock()
	return nil
}

// IsEmpty implements Queue. It trusts the buffered head first and falls back
// to a head query.
func (q *RemoteQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, types.ErrQueueClosed
	}
	if len(q.head) > 0 {
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()

	if err := q.refillHead(ctx); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.head) == 0, nil
}

// IsFinished implements Queue.
func (q *RemoteQueue) IsFinished(ctx context.Context) (bool, error) {
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return empty && len(q.inProgress) == 0, nil
}

// HandledCount implements Queue. It counts requests handled through this
// client, not across all clients of the shared queue.
func (q *RemoteQueue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handledCount
}

// Close marks the queue closed.
func (q *RemoteQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *RemoteQueue) updateRequest(ctx context.Context, req *request.Request, forefront bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/request-queues/%s/requests/%s?forefront=%t",
		q.baseURL, url.PathEscape(q.queueID), url.PathEscape(req.ID), forefront)
	_, err = q.do(ctx, http.MethodPut, endpoint, body)
	return err
}

func (q *RemoteQueue) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if q.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodySize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}
	return data, nil
}

// lruCache is a bounded map with insertion-order eviction, used to remember
// recently added request identifiers.
type lruCache struct {
	cap   int
	items map[string]cachedAdd
	order []string
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{cap: capacity, items: make(map[string]cachedAdd, capacity)}
}

func (c *lruCache) Put(key string, value cachedAdd) {
	if key == "" {
		return
	}
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
		if len(c.order) > c.cap {
			evicted := c.order[0]
			c.order = c.order[1:]
			delete(c.items, evicted)
		}
	}
	c.items[key] = value
}

func (c *lruCache) Get(key string) (cachedAdd, bool) {
	value, ok := c.items[key]
	return value, ok
}
