package browserpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

type fakePage struct {
	closed atomic.Bool
}

func (p *fakePage) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePage) IsClosed() bool {
	return p.closed.Load()
}

type fakeBrowser struct {
	mu     sync.Mutex
	pages  []*fakePage
	closed bool
	killed bool
}

func (b *fakeBrowser) NewPage(ctx context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	page := &fakePage{}
	b.pages = append(b.pages, page)
	return page, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBrowser) Kill() {
	b.mu.Lock()
	b.killed = true
	b.mu.Unlock()
}

func (b *fakeBrowser) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed || b.killed
}

type fakeBackend struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	launches int
	failNext error
}

func (b *fakeBackend) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return nil, err
	}
	browser := &fakeBrowser{}
	b.browsers = append(b.browsers, browser)
	return browser, nil
}

func (b *fakeBackend) launchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches
}

func newTestPool(t *testing.T, opts PoolOptions) (*Pool, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	opts.Backend = backend
	if opts.ReaperInterval == 0 {
		opts.ReaperInterval = time.Hour
	}
	p, err := NewPool(opts)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() { p.Destroy(context.Background()) })
	return p, backend
}

func TestNewPageLaunchesAndReusesInstances(t *testing.T) {
	p, backend := newTestPool(t, PoolOptions{MaxOpenPagesPerInstance: 2})
	ctx := context.Background()

	h1, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open first page: %v", err)
	}
	h2, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open second page: %v", err)
	}
	if h1.InstanceID != h2.InstanceID {
		t.Error("Second page should share the first instance")
	}
	if backend.launchCount() != 1 {
		t.Errorf("Expected 1 launch, got %d", backend.launchCount())
	}

	// Instance is at capacity; a third page needs a new instance.
	h3, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open third page: %v", err)
	}
	if h3.InstanceID == h1.InstanceID {
		t.Error("Third page should be on a fresh instance")
	}
	if backend.launchCount() != 2 {
		t.Errorf("Expected 2 launches, got %d", backend.launchCount())
	}
	if got := p.ActivePages(); got != 3 {
		t.Errorf("Expected 3 active pages, got %d", got)
	}
}

func TestLaunchFailureFreesSlot(t *testing.T) {
	p, backend := newTestPool(t, PoolOptions{})
	backend.mu.Lock()
	backend.failNext = errors.New("no chromium found")
	backend.mu.Unlock()

	_, err := p.NewPage(context.Background())
	if !errors.Is(err, types.ErrLaunchFailed) {
		t.Fatalf("Expected ErrLaunchFailed, got %v", err)
	}
	if got := p.InstanceCount(); got != 0 {
		t.Errorf("Failed launch left %d instances behind", got)
	}

	// The pool recovers on the next call.
	if _, err := p.NewPage(context.Background()); err != nil {
		t.Fatalf("Pool did not recover after a failed launch: %v", err)
	}
}

func TestRecyclePageWithoutReuseCloses(t *testing.T) {
	p, _ := newTestPool(t, PoolOptions{})
	h, err := p.NewPage(context.Background())
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	p.RecyclePage(h)
	if !h.Page.IsClosed() {
		t.Error("Recycled page should be closed when reuse is off")
	}
	if got := p.ActivePages(); got != 0 {
		t.Errorf("Expected 0 active pages, got %d", got)
	}
}

func TestRecyclePageWithReuse(t *testing.T) {
	p, backend := newTestPool(t, PoolOptions{ReusePages: true})
	ctx := context.Background()

	h, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	p.RecyclePage(h)
	if h.Page.IsClosed() {
		t.Fatal("Recycled page should stay open for reuse")
	}

	again, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to reuse page: %v", err)
	}
	if again.Page != h.Page {
		t.Error("Expected the idle page back")
	}
	if got := p.Stats().PagesReuse.Load(); got != 1 {
		t.Errorf("Expected 1 reuse, got %d", got)
	}
	if backend.launchCount() != 1 {
		t.Errorf("Reuse should not launch, got %d launches", backend.launchCount())
	}
}

func TestRetireAfterPageBudget(t *testing.T) {
	p, backend := newTestPool(t, PoolOptions{
		MaxOpenPagesPerInstance:      10,
		RetireInstanceAfterPageCount: 2,
	})
	ctx := context.Background()

	h1, _ := p.NewPage(ctx)
	h2, _ := p.NewPage(ctx)
	if h1.InstanceID != h2.InstanceID {
		t.Fatal("First two pages should share an instance")
	}

	// The budget is exhausted; the next page goes to a new instance.
	h3, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open page after retire: %v", err)
	}
	if h3.InstanceID == h1.InstanceID {
		t.Error("Page allocated on a retired instance")
	}
	if backend.launchCount() != 2 {
		t.Errorf("Expected a second launch, got %d", backend.launchCount())
	}
	if got := p.Stats().Retired.Load(); got != 1 {
		t.Errorf("Expected 1 retirement, got %d", got)
	}
}

func TestRetiredInstanceKilledWhenDrained(t *testing.T) {
	p, backend := newTestPool(t, PoolOptions{RetireInstanceAfterPageCount: 1})
	ctx := context.Background()

	h, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	// Opening the only allowed page retired the instance; recycling the
	// page drains it.
	p.RecyclePage(h)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		down := len(backend.browsers) == 1 && backend.browsers[0].isDown()
		backend.mu.Unlock()
		if down && p.InstanceCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Drained retired instance was never killed")
}

func TestOperatorRetire(t *testing.T) {
	p, _ := newTestPool(t, PoolOptions{})
	ctx := context.Background()

	h, _ := p.NewPage(ctx)
	p.Retire(h)

	other, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open page after retire: %v", err)
	}
	if other.InstanceID == h.InstanceID {
		t.Error("Retired instance handed out a new page")
	}
}

func TestIdleReaper(t *testing.T) {
	p, backend := newTestPool(t, PoolOptions{
		KillInstanceAfter: 30 * time.Millisecond,
		ReaperInterval:    10 * time.Millisecond,
	})
	ctx := context.Background()

	h, err := p.NewPage(ctx)
	if err != nil {
		t.Fatalf("Failed to open page: %v", err)
	}
	p.RecyclePage(h)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		down := len(backend.browsers) == 1 && backend.browsers[0].isDown()
		backend.mu.Unlock()
		if down {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Idle instance was never reaped")
}

func TestActivePagesBound(t *testing.T) {
	maxPerInstance := 3
	p, _ := newTestPool(t, PoolOptions{MaxOpenPagesPerInstance: maxPerInstance})
	ctx := context.Background()

	var mu sync.Mutex
	var handles []*PageHandle
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.NewPage(ctx)
			if err != nil {
				t.Errorf("Failed to open page: %v", err)
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Active pages never exceed instances times the per-instance cap.
	if active, bound := p.ActivePages(), p.InstanceCount()*maxPerInstance; active > bound {
		t.Errorf("Active pages %d exceed bound %d", active, bound)
	}

	perInstance := make(map[string]int)
	for _, h := range handles {
		perInstance[h.InstanceID]++
	}
	for id, count := range perInstance {
		if count > maxPerInstance {
			t.Errorf("Instance %s carries %d pages, cap is %d", id, count, maxPerInstance)
		}
	}
}

func TestDestroyClosesEverything(t *testing.T) {
	backend := &fakeBackend{}
	p, err := NewPool(PoolOptions{Backend: backend, ReaperInterval: time.Hour})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h, err := p.NewPage(ctx)
		if err != nil {
			t.Fatalf("Failed to open page: %v", err)
		}
		_ = h
	}

	if err := p.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		allDown := true
		for _, b := range backend.browsers {
			if !b.isDown() {
				allDown = false
			}
		}
		backend.mu.Unlock()
		if allDown {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := p.NewPage(ctx); !errors.Is(err, types.ErrBrowserPoolClosed) {
		t.Errorf("Expected ErrBrowserPoolClosed after Destroy, got %v", err)
	}
}
