package frontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/types"
)

func mustAdd(t *testing.T, q Queue, url string, forefront bool) AddResult {
	t.Helper()
	res, err := q.AddRequest(context.Background(), request.New(url), forefront)
	if err != nil {
		t.Fatalf("Failed to add %s: %v", url, err)
	}
	return res
}

func mustFetch(t *testing.T, q Queue) *request.Request {
	t.Helper()
	req, err := q.FetchNextRequest(context.Background())
	if err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	return req
}

func TestLocalQueueFIFO(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	for _, u := range []string{"https://a.test/", "https://b.test/", "https://c.test/"} {
		mustAdd(t, q, u, false)
	}

	ctx := context.Background()
	for _, want := range []string{"https://a.test/", "https://b.test/", "https://c.test/"} {
		req := mustFetch(t, q)
		if req == nil || req.URL != want {
			t.Fatalf("Expected %s, got %+v", want, req)
		}
		if err := q.MarkRequestHandled(ctx, req); err != nil {
			t.Fatalf("Failed to mark handled: %v", err)
		}
	}
	if req := mustFetch(t, q); req != nil {
		t.Errorf("Expected empty queue, got %+v", req)
	}
	if q.HandledCount() != 3 {
		t.Errorf("Expected handled count 3, got %d", q.HandledCount())
	}
	finished, err := q.IsFinished(ctx)
	if err != nil || !finished {
		t.Errorf("Expected finished queue, got %v, %v", finished, err)
	}
}

func TestLocalQueueDeduplication(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	first := mustAdd(t, q, "https://a.test/", false)
	if first.WasAlreadyPresent {
		t.Error("First add reported as already present")
	}

	second := mustAdd(t, q, "https://a.test/", false)
	if !second.WasAlreadyPresent {
		t.Error("Duplicate add not reported as already present")
	}
	if second.RequestID != first.RequestID {
		t.Errorf("Duplicate add returned a different ID: %s vs %s", second.RequestID, first.RequestID)
	}

	// The duplicate must not change queue state: exactly one fetch succeeds.
	req := mustFetch(t, q)
	if req == nil {
		t.Fatal("Expected one pending request")
	}
	if err := q.MarkRequestHandled(ctx, req); err != nil {
		t.Fatalf("Failed to mark handled: %v", err)
	}
	if again := mustFetch(t, q); again != nil {
		t.Errorf("Duplicate add created a second pending request: %+v", again)
	}

	third := mustAdd(t, q, "https://a.test/", false)
	if !third.WasAlreadyHandled {
		t.Error("Add after handling not reported as already handled")
	}
}

func TestLocalQueueForefront(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	mustAdd(t, q, "https://a.test/", false)
	mustAdd(t, q, "https://b.test/", false)
	mustAdd(t, q, "https://urgent.test/", true)

	req := mustFetch(t, q)
	if req.URL != "https://urgent.test/" {
		t.Errorf("Expected forefront request first, got %s", req.URL)
	}
}

func TestLocalQueueReclaim(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	mustAdd(t, q, "https://a.test/", false)
	mustAdd(t, q, "https://b.test/", false)

	a := mustFetch(t, q)
	a.RetryCount++
	a.PushErrorMessage("boom")
	if err := q.ReclaimRequest(ctx, a, true); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}

	// Forefront reclaim puts a ahead of b, with mutations persisted.
	again := mustFetch(t, q)
	if again.URL != a.URL {
		t.Fatalf("Expected reclaimed request first, got %s", again.URL)
	}
	if again.RetryCount != 1 || len(again.ErrorMessages) != 1 {
		t.Errorf("Reclaim dropped request mutations: %+v", again)
	}
}

func TestLocalQueueMarkNotInProgress(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	res := mustAdd(t, q, "https://a.test/", false)
	stray := request.New("https://a.test/")
	stray.ID = res.RequestID
	if err := q.MarkRequestHandled(ctx, stray); !errors.Is(err, types.ErrRequestNotInProgress) {
		t.Errorf("Expected ErrRequestNotInProgress, got %v", err)
	}
}

func TestLocalQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := NewLocalQueue(dir, "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	mustAdd(t, q, "https://a.test/", false)
	mustAdd(t, q, "https://b.test/", false)
	mustAdd(t, q, "https://c.test/", false)

	a := mustFetch(t, q)
	if err := q.MarkRequestHandled(ctx, a); err != nil {
		t.Fatalf("Failed to mark handled: %v", err)
	}
	// b fetched but neither handled nor reclaimed: after reopen it must be
	// served again, ahead of nothing it was not ahead of before.
	mustFetch(t, q)
	q.Close()

	reopened, err := NewLocalQueue(dir, "default")
	if err != nil {
		t.Fatalf("Failed to reopen queue: %v", err)
	}
	defer reopened.Close()

	if reopened.HandledCount() != 1 {
		t.Errorf("Expected handled count 1 after reopen, got %d", reopened.HandledCount())
	}
	dup := mustAdd(t, reopened, "https://a.test/", false)
	if !dup.WasAlreadyPresent || !dup.WasAlreadyHandled {
		t.Errorf("Reopened queue forgot handled request: %+v", dup)
	}

	// Remaining order is b then c.
	for _, want := range []string{"https://b.test/", "https://c.test/"} {
		req := mustFetch(t, reopened)
		if req == nil || req.URL != want {
			t.Fatalf("Expected %s after reopen, got %+v", want, req)
		}
		if err := reopened.MarkRequestHandled(ctx, req); err != nil {
			t.Fatalf("Failed to mark handled: %v", err)
		}
	}
	finished, err := reopened.IsFinished(ctx)
	if err != nil || !finished {
		t.Errorf("Expected finished after draining, got %v, %v", finished, err)
	}
}

func TestLocalQueueClosed(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	q.Close()
	if _, err := q.AddRequest(context.Background(), request.New("https://a.test/"), false); !errors.Is(err, types.ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestLocalQueueConcurrentAdds(t *testing.T) {
	q, err := NewLocalQueue(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				url := fmt.Sprintf("https://site.test/%d/%d", n, j)
				if _, err := q.AddRequest(context.Background(), request.New(url), false); err != nil {
					t.Errorf("Concurrent add failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	count := 0
	for req := mustFetch(t, q); req != nil; req = mustFetch(t, q) {
		count++
		if err := q.MarkRequestHandled(context.Background(), req); err != nil {
			t.Fatalf("Failed to mark handled: %v", err)
		}
	}
	if count != 200 {
		t.Errorf("Expected 200 requests, got %d", count)
	}
}

// fakeQueueServer is a minimal in-memory remote queue API.
type fakeQueueServer struct {
	mu      sync.Mutex
	nextID  int
	byKey   map[string]string
	reqs    map[string]*request.Request
	pending []string
}

func newFakeQueueServer() *fakeQueueServer {
	return &fakeQueueServer{byKey: make(map[string]string), reqs: make(map[string]*request.Request)}
}

func (s *fakeQueueServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/requests"):
			var req request.Request
			json.NewDecoder(r.Body).Decode(&req)
			if id, ok := s.byKey[req.UniqueKey]; ok {
				handled := s.reqs[id].HandledAt != nil
				json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
					"requestId": id, "wasAlreadyPresent": true, "wasAlreadyHandled": handled,
				}})
				return
			}
			s.nextID++
			id := fmt.Sprintf("req-%d", s.nextID)
			req.ID = id
			s.byKey[req.UniqueKey] = id
			s.reqs[id] = &req
			if r.URL.Query().Get("forefront") == "true" {
				s.pending = append([]string{id}, s.pending...)
			} else {
				s.pending = append(s.pending, id)
			}
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
				"requestId": id, "wasAlreadyPresent": false, "wasAlreadyHandled": false,
			}})

		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/head"):
			items := make([]*request.Request, 0, len(s.pending))
			for _, id := range s.pending {
				items = append(items, s.reqs[id])
			}
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"items": items}})

		case r.Method == http.MethodPut:
			var req request.Request
			json.NewDecoder(r.Body).Decode(&req)
			s.reqs[req.ID] = &req
			if req.HandledAt != nil {
				s.removePending(req.ID)
			} else if r.URL.Query().Get("forefront") == "true" {
				s.removePending(req.ID)
				s.pending = append([]string{req.ID}, s.pending...)
			} else {
				s.removePending(req.ID)
				s.pending = append(s.pending, req.ID)
			}
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})

		default:
			http.NotFound(w, r)
		}
	})
}

func (s *fakeQueueServer) removePending(id string) {
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func TestRemoteQueueRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newFakeQueueServer().handler())
	defer srv.Close()
	ctx := context.Background()

	q := NewRemoteQueue(srv.URL, "my-queue", "test-token")
	defer q.Close()

	first := mustAdd(t, q, "https://a.test/", false)
	if first.WasAlreadyPresent || first.RequestID == "" {
		t.Fatalf("Unexpected first add result: %+v", first)
	}

	// The duplicate is answered from the local cache.
	dup := mustAdd(t, q, "https://a.test/", false)
	if !dup.WasAlreadyPresent || dup.RequestID != first.RequestID {
		t.Fatalf("Unexpected duplicate add result: %+v", dup)
	}

	mustAdd(t, q, "https://b.test/", false)

	got := mustFetch(t, q)
	if got == nil || got.URL != "https://a.test/" {
		t.Fatalf("Expected a.test first, got %+v", got)
	}
	if err := q.MarkRequestHandled(ctx, got); err != nil {
		t.Fatalf("Failed to mark handled: %v", err)
	}
	if q.HandledCount() != 1 {
		t.Errorf("Expected handled count 1, got %d", q.HandledCount())
	}

	second := mustFetch(t, q)
	if second == nil || second.URL != "https://b.test/" {
		t.Fatalf("Expected b.test second, got %+v", second)
	}
	second.RetryCount++
	if err := q.ReclaimRequest(ctx, second, true); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}

	reclaimed := mustFetch(t, q)
	if reclaimed == nil || reclaimed.URL != "https://b.test/" || reclaimed.RetryCount != 1 {
		t.Fatalf("Expected reclaimed b.test with retryCount 1, got %+v", reclaimed)
	}
	if err := q.MarkRequestHandled(ctx, reclaimed); err != nil {
		t.Fatalf("Failed to mark handled: %v", err)
	}

	finished, err := q.IsFinished(ctx)
	if err != nil || !finished {
		t.Errorf("Expected finished, got %v, %v", finished, err)
	}
}

func TestRemoteQueueEmptyFetch(t *testing.T) {
	srv := httptest.NewServer(newFakeQueueServer().handler())
	defer srv.Close()

	q := NewRemoteQueue(srv.URL, "my-queue", "")
	defer q.Close()

	req, err := q.FetchNextRequest(context.Background())
	if err != nil {
		t.Fatalf("Fetch on empty queue failed: %v", err)
	}
	if req != nil {
		t.Errorf("Expected nil from empty queue, got %+v", req)
	}
}

func TestRequestIDFromKey(t *testing.T) {
	hexKey := request.ComputeUniqueKey("https://a.test/", "GET", nil)
	if got := requestIDFromKey(hexKey); got != hexKey {
		t.Errorf("Hex key should pass through, got %s", got)
	}
	weird := requestIDFromKey("https://a.test/?q=1|2")
	if strings.ContainsAny(weird, "/?|=") {
		t.Errorf("Derived ID contains unsafe characters: %s", weird)
	}
	if requestIDFromKey("a") != "a" {
		t.Error("Short safe key should pass through")
	}
}
