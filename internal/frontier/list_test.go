package frontier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/storage"
)

func inlineSource(url string) Source {
	return Source{Request: request.New(url)}
}

func newTestList(t *testing.T, opts ListOptions) *List {
	t.Helper()
	l, err := NewList(context.Background(), opts)
	if err != nil {
		t.Fatalf("Failed to create list: %v", err)
	}
	return l
}

func TestListServesInOrder(t *testing.T) {
	l := newTestList(t, ListOptions{Sources: []Source{
		inlineSource("https://example.com/a"),
		inlineSource("https://example.com/b"),
		inlineSource("https://example.com/c"),
	}})

	var urls []string
	for req := l.FetchNextRequest(); req != nil; req = l.FetchNextRequest() {
		urls = append(urls, req.URL)
		if err := l.MarkRequestHandled(req); err != nil {
			t.Fatalf("Failed to mark handled: %v", err)
		}
	}

	want := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	if len(urls) != len(want) {
		t.Fatalf("Expected %d requests, got %d", len(want), len(urls))
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], urls[i])
		}
	}
	if !l.IsFinished() {
		t.Error("Expected list finished after handling all requests")
	}
	if l.HandledCount() != 3 {
		t.Errorf("Expected handled count 3, got %d", l.HandledCount())
	}
}

func TestListDeduplicatesAtInit(t *testing.T) {
	l := newTestList(t, ListOptions{Sources: []Source{
		inlineSource("https://example.com/a"),
		inlineSource("https://example.com/a"),
		inlineSource("https://example.com/b"),
	}})
	if got := l.Length(); got != 2 {
		t.Errorf("Expected 2 unique requests, got %d", got)
	}
}

func TestListKeepDuplicates(t *testing.T) {
	l := newTestList(t, ListOptions{
		Sources: []Source{
			inlineSource("https://example.com/a"),
			inlineSource("https://example.com/a"),
		},
		KeepDuplicates: true,
	})
	if got := l.Length(); got != 2 {
		t.Errorf("Expected duplicates kept, got %d requests", got)
	}
}

func TestListReclaimPreservesOrder(t *testing.T) {
	l := newTestList(t, ListOptions{Sources: []Source{
		inlineSource("https://example.com/a"),
		inlineSource("https://example.com/b"),
		inlineSource("https://example.com/c"),
	}})

	a := l.FetchNextRequest()
	b := l.FetchNextRequest()
	if err := l.ReclaimRequest(a); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}
	if err := l.ReclaimRequest(b); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}

	// Reclaimed requests come back first, in reclaim order, before c.
	want := []string{a.URL, b.URL, "https://example.com/c"}
	for i, expected := range want {
		req := l.FetchNextRequest()
		if req == nil || req.URL != expected {
			t.Fatalf("Position %d: expected %s, got %+v", i, expected, req)
		}
	}
}

func TestListMarkUnknownRequest(t *testing.T) {
	l := newTestList(t, ListOptions{Sources: []Source{inlineSource("https://example.com/a")}})
	stray := request.New("https://example.com/other")
	if err := l.MarkRequestHandled(stray); err == nil {
		t.Error("Expected error marking a request that is not in progress")
	}
	if err := l.ReclaimRequest(stray); err == nil {
		t.Error("Expected error reclaiming a request that is not in progress")
	}
}

func TestListSourceFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("see https://example.com/one and https://example.com/two\n"))
	}))
	defer srv.Close()

	l := newTestList(t, ListOptions{Sources: []Source{{RequestsFromURL: srv.URL}}})
	if got := l.Length(); got != 2 {
		t.Fatalf("Expected 2 extracted requests, got %d", got)
	}
	first := l.FetchNextRequest()
	if first.URL != "https://example.com/one" {
		t.Errorf("Expected first extracted URL, got %s", first.URL)
	}
}

func TestListPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalKeyValueStore(t.TempDir(), "default")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	sources := []Source{
		inlineSource("https://example.com/a"),
		inlineSource("https://example.com/b"),
		inlineSource("https://example.com/c"),
		inlineSource("https://example.com/d"),
	}
	l := newTestList(t, ListOptions{Sources: sources, Store: store, PersistStateKey: "list-state"})

	// Handle a, leave b in progress, reclaim c.
	a := l.FetchNextRequest()
	l.FetchNextRequest() // b stays in progress
	c := l.FetchNextRequest()
	if err := l.MarkRequestHandled(a); err != nil {
		t.Fatalf("Failed to mark handled: %v", err)
	}
	c.RetryCount = 2
	if err := l.ReclaimRequest(c); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}
	if err := l.PersistState(ctx); err != nil {
		t.Fatalf("Failed to persist: %v", err)
	}

	restored := newTestList(t, ListOptions{Sources: sources, Store: store, PersistStateKey: "list-state"})

	// The reclaimed c is served first with its retry count intact, then the
	// in-progress b, then the untouched d. The handled a never reappears.
	first := restored.FetchNextRequest()
	if first.URL != c.URL || first.RetryCount != 2 {
		t.Fatalf("Expected reclaimed c with retryCount 2 first, got %+v", first)
	}
	second := restored.FetchNextRequest()
	if second.URL != "https://example.com/b" {
		t.Fatalf("Expected in-progress b re-served second, got %s", second.URL)
	}
	third := restored.FetchNextRequest()
	if third.URL != "https://example.com/d" {
		t.Fatalf("Expected d third, got %s", third.URL)
	}
	if restored.FetchNextRequest() != nil {
		t.Error("Expected list exhausted after restore")
	}
}
