package browserpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/crawlkit/crawlkit/internal/types"
)

const (
	defaultMaxOpenPagesPerInstance = 20
	defaultRetireAfterPageCount    = 100
	defaultKillInstanceAfter       = 5 * time.Minute
	defaultReaperInterval          = 30 * time.Second

	// killSettleDelay gives the page-closed event time to propagate before a
	// drained retired instance is killed.
	killSettleDelay = time.Second

	// processKillTimeout bounds the graceful close before a hard kill.
	processKillTimeout = 5 * time.Second
)

type instanceState int

// Instance states. Transitions are monotonic.
const (
	stateLaunching instanceState = iota
	stateActive
	stateRetired
	stateKilled
)

func (s instanceState) String() string {
	switch s {
	case stateLaunching:
		return "launching"
	case stateActive:
		return "active"
	case stateRetired:
		return "retired"
	case stateKilled:
		return "killed"
	}
	return "unknown"
}

// instance is one tracked browser process. All fields are guarded by the
// pool mutex.
type instance struct {
	id      string
	state   instanceState
	browser Browser

	activePages      int
	totalPages       int
	lastPageOpenedAt time.Time

	diskCacheDir string
	idlePages    []Page
}

// PoolOptions configures a Pool. Backend is required.
type PoolOptions struct {
	Backend Backend

	MaxOpenPagesPerInstance      int
	RetireInstanceAfterPageCount int

	// KillInstanceAfter kills an instance that has not opened a page for
	// this long.
	KillInstanceAfter time.Duration

	// ReusePages keeps recycled pages idle for reuse instead of closing
	// them.
	ReusePages bool

	// UseDiskCache assigns each instance a cache directory and recycles
	// retired instances' directories through a free list. Only effective
	// when the browser runs headful.
	UseDiskCache bool

	Headless    bool
	BrowserPath string
	ProxyURL    string

	// ReaperInterval is how often idle instances are checked. Lowered in
	// tests.
	ReaperInterval time.Duration
}

// PoolStats counts pool activity.
type PoolStats struct {
	Launched   atomic.Int64
	Retired    atomic.Int64
	Killed     atomic.Int64
	PagesOpen  atomic.Int64
	PagesReuse atomic.Int64
}

// Pool is the browser instance arena. Pages reference their instance by id
// and resolve it through the pool, never by direct pointer.
type Pool struct {
	opts PoolOptions

	mu         sync.Mutex
	closed     bool
	instances  map[string]*instance
	nextID     int64
	cacheDirs  []string
	tmpRoot    string
	stats      PoolStats
	reaperDone chan struct{}
}

// PageHandle is a page bound to an instance. Callers return it through
// RecyclePage.
type PageHandle struct {
	Page       Page
	InstanceID string
}

// NewPool creates a pool and starts its idle reaper.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("browserpool: Backend is required")
	}
	if opts.MaxOpenPagesPerInstance <= 0 {
		opts.MaxOpenPagesPerInstance = defaultMaxOpenPagesPerInstance
	}
	if opts.RetireInstanceAfterPageCount <= 0 {
		opts.RetireInstanceAfterPageCount = defaultRetireAfterPageCount
	}
	if opts.KillInstanceAfter <= 0 {
		opts.KillInstanceAfter = defaultKillInstanceAfter
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = defaultReaperInterval
	}
	if opts.UseDiskCache && opts.Headless {
		log.Debug().Msg("Disk cache recycling has no effect in headless mode")
		opts.UseDiskCache = false
	}

	p := &Pool{
		opts:       opts,
		instances:  make(map[string]*instance),
		reaperDone: make(chan struct{}),
	}
	if opts.UseDiskCache {
		root, err := os.MkdirTemp("", "crawlkit-cache-*")
		if err != nil {
			return nil, fmt.Errorf("browserpool: creating cache root: %w", err)
		}
		p.tmpRoot = root
	}

	go p.reaperLoop()

	log.Info().
		Int("max_open_pages", opts.MaxOpenPagesPerInstance).
		Int("retire_after_pages", opts.RetireInstanceAfterPageCount).
		Dur("kill_after_idle", opts.KillInstanceAfter).
		Bool("reuse_pages", opts.ReusePages).
		Msg("Browser pool initialized")
	return p, nil
}

// NewPage returns a page on an active instance. Idle reused pages are
// preferred when page reuse is on; otherwise an instance with free capacity
// is used, and failing that a new instance is launched.
func (p *Pool) NewPage(ctx context.Context) (*PageHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrBrowserPoolClosed
	}

	if p.opts.ReusePages {
		if h := p.takeIdlePageLocked(); h != nil {
			p.mu.Unlock()
			p.stats.PagesReuse.Add(1)
			return h, nil
		}
	}

	if inst := p.pickInstanceLocked(); inst != nil {
		return p.openPageOn(ctx, inst)
	}
	return p.launchAndOpen(ctx)
}

// takeIdlePageLocked pops an idle page from an active instance, discarding
// pages that were closed while idle.
func (p *Pool) takeIdlePageLocked() *PageHandle {
	for _, inst := range p.instances {
		if inst.state != stateActive {
			continue
		}
		for len(inst.idlePages) > 0 {
			page := inst.idlePages[len(inst.idlePages)-1]
			inst.idlePages = inst.idlePages[:len(inst.idlePages)-1]
			if page.IsClosed() {
				continue
			}
			inst.activePages++
			inst.totalPages++
			inst.lastPageOpenedAt = time.Now()
			p.maybeRetireLocked(inst)
			return &PageHandle{Page: page, InstanceID: inst.id}
		}
	}
	return nil
}

func (p *Pool) pickInstanceLocked() *instance {
	for _, inst := range p.instances {
		if inst.state == stateActive && inst.activePages < p.opts.MaxOpenPagesPerInstance &&
			inst.totalPages < p.opts.RetireInstanceAfterPageCount {
			return inst
		}
	}
	return nil
}

// openPageOn opens a page on an instance. The slot is reserved under the
// lock; the CDP call runs outside it.
func (p *Pool) openPageOn(ctx context.Context, inst *instance) (*PageHandle, error) {
	inst.activePages++
	inst.totalPages++
	inst.lastPageOpenedAt = time.Now()
	browser := inst.browser
	p.mu.Unlock()

	page, err := browser.NewPage(ctx)

	p.mu.Lock()
	if err != nil {
		inst.activePages--
		inst.totalPages--
		p.mu.Unlock()
		return nil, fmt.Errorf("browserpool: opening page on %s: %w", inst.id, err)
	}
	p.maybeRetireLocked(inst)
	p.mu.Unlock()

	p.stats.PagesOpen.Add(1)
	return &PageHandle{Page: page, InstanceID: inst.id}, nil
}

// launchAndOpen registers a launching slot, launches a browser outside the
// lock, and opens the first page. A failed launch frees the slot and
// propagates the error.
func (p *Pool) launchAndOpen(ctx context.Context) (*PageHandle, error) {
	p.nextID++
	inst := &instance{
		id:               fmt.Sprintf("instance-%d", p.nextID),
		state:            stateLaunching,
		activePages:      1,
		totalPages:       1,
		lastPageOpenedAt: time.Now(),
		diskCacheDir:     p.takeCacheDirLocked(),
	}
	p.instances[inst.id] = inst
	p.mu.Unlock()

	browser, err := p.opts.Backend.Launch(ctx, LaunchOptions{
		Headless:     p.opts.Headless,
		BrowserPath:  p.opts.BrowserPath,
		ProxyURL:     p.opts.ProxyURL,
		DiskCacheDir: inst.diskCacheDir,
	})

	p.mu.Lock()
	if err != nil {
		p.releaseCacheDirLocked(inst.diskCacheDir)
		delete(p.instances, inst.id)
		p.mu.Unlock()
		return nil, types.NewLaunchError(inst.id, err)
	}
	if p.closed {
		delete(p.instances, inst.id)
		p.mu.Unlock()
		browser.Kill()
		return nil, types.ErrBrowserPoolClosed
	}
	inst.browser = browser
	inst.state = stateActive
	p.mu.Unlock()

	p.stats.Launched.Add(1)
	log.Debug().Str("instance", inst.id).Msg("Browser instance launched")

	page, err := browser.NewPage(ctx)

	p.mu.Lock()
	if err != nil {
		inst.activePages--
		inst.totalPages--
		p.scheduleKillLocked(inst, "first page failed")
		p.mu.Unlock()
		return nil, fmt.Errorf("browserpool: opening page on %s: %w", inst.id, err)
	}
	p.maybeRetireLocked(inst)
	p.mu.Unlock()

	p.stats.PagesOpen.Add(1)
	return &PageHandle{Page: page, InstanceID: inst.id}, nil
}

// RecyclePage returns a page to the pool. With page reuse on and the
// instance still active the page goes idle; otherwise it is closed. A
// drained retired instance is scheduled for kill.
func (p *Pool) RecyclePage(h *PageHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	inst, ok := p.instances[h.InstanceID]
	if !ok {
		p.mu.Unlock()
		h.Page.Close()
		return
	}

	inst.activePages--
	keepIdle := p.opts.ReusePages && inst.state == stateActive && !h.Page.IsClosed()
	if keepIdle {
		inst.idlePages = append(inst.idlePages, h.Page)
	}
	if inst.state == stateRetired && inst.activePages == 0 {
		id := inst.id
		time.AfterFunc(killSettleDelay, func() { p.killIfDrained(id) })
	}
	p.mu.Unlock()

	if !keepIdle {
		h.Page.Close()
	}
}

// Retire stops new page allocation on the page's instance. In-flight pages
// finish normally.
func (p *Pool) Retire(h *PageHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[h.InstanceID]
	if !ok {
		return
	}
	p.retireLocked(inst, "operator request")
}

func (p *Pool) maybeRetireLocked(inst *instance) {
	if inst.state == stateActive && inst.totalPages >= p.opts.RetireInstanceAfterPageCount {
		p.retireLocked(inst, "page budget exhausted")
	}
}

func (p *Pool) retireLocked(inst *instance, reason string) {
	if inst.state != stateActive && inst.state != stateLaunching {
		return
	}
	inst.state = stateRetired
	p.stats.Retired.Add(1)
	log.Debug().
		Str("instance", inst.id).
		Str("reason", reason).
		Int("total_pages", inst.totalPages).
		Msg("Browser instance retired")

	// Idle pages keep a retired instance alive; drop them now.
	for _, page := range inst.idlePages {
		go page.Close()
	}
	inst.idlePages = nil

	if inst.activePages == 0 {
		id := inst.id
		time.AfterFunc(killSettleDelay, func() { p.killIfDrained(id) })
	}
}

// killIfDrained kills a retired instance that is still drained after the
// settle delay.
func (p *Pool) killIfDrained(id string) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if !ok || inst.state != stateRetired || inst.activePages > 0 {
		p.mu.Unlock()
		return
	}
	p.scheduleKillLocked(inst, "retired and drained")
	p.mu.Unlock()
}

// scheduleKillLocked transitions the instance to killed, removes it from
// the arena, and shuts the process down in the background: a graceful close
// first, a hard kill if that does not finish in time.
func (p *Pool) scheduleKillLocked(inst *instance, reason string) {
	if inst.state == stateKilled {
		return
	}
	inst.state = stateKilled
	delete(p.instances, inst.id)
	p.releaseCacheDirLocked(inst.diskCacheDir)
	p.stats.Killed.Add(1)

	browser := inst.browser
	if browser == nil {
		return
	}
	log.Debug().Str("instance", inst.id).Str("reason", reason).Msg("Killing browser instance")
	go shutdownBrowser(browser)
}

func shutdownBrowser(browser Browser) {
	done := make(chan struct{})
	go func() {
		browser.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(processKillTimeout):
		browser.Kill()
	}
}

// reaperLoop kills instances that have not opened a page within the idle
// budget.
func (p *Pool) reaperLoop() {
	ticker := time.NewTicker(p.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reaperDone:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, inst := range p.instances {
		if inst.state != stateActive && inst.state != stateRetired {
			continue
		}
		if now.Sub(inst.lastPageOpenedAt) > p.opts.KillInstanceAfter {
			p.scheduleKillLocked(inst, "idle timeout")
		}
	}
}

// Destroy closes every instance in parallel and removes recycled cache
// directories. The pool is unusable afterwards.
func (p *Pool) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.reaperDone)

	browsers := make([]Browser, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.browser != nil {
			browsers = append(browsers, inst.browser)
		}
		inst.state = stateKilled
	}
	p.instances = make(map[string]*instance)
	tmpRoot := p.tmpRoot
	p.cacheDirs = nil
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, browser := range browsers {
		browser := browser
		g.Go(func() error {
			shutdownBrowser(browser)
			return nil
		})
	}
	err := g.Wait()

	if tmpRoot != "" {
		if rmErr := os.RemoveAll(tmpRoot); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Failed to remove browser cache directories")
		}
	}
	log.Info().Int("instances", len(browsers)).Msg("Browser pool destroyed")
	return err
}

// InstanceCount returns the number of tracked instances.
func (p *Pool) InstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// ActivePages sums active pages across instances.
func (p *Pool) ActivePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, inst := range p.instances {
		total += inst.activePages
	}
	return total
}

// Stats exposes the pool counters.
func (p *Pool) Stats() *PoolStats {
	return &p.stats
}

func (p *Pool) takeCacheDirLocked() string {
	if !p.opts.UseDiskCache {
		return ""
	}
	if n := len(p.cacheDirs); n > 0 {
		dir := p.cacheDirs[n-1]
		p.cacheDirs = p.cacheDirs[:n-1]
		return dir
	}
	dir, err := os.MkdirTemp(p.tmpRoot, "cache-*")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create disk cache directory")
		return ""
	}
	return dir
}

func (p *Pool) releaseCacheDirLocked(dir string) {
	if dir != "" {
		p.cacheDirs = append(p.cacheDirs, dir)
	}
}
