// Package crawlkit is a web crawling runtime: a request frontier with
// deduplication and persistence, an autoscaled concurrency pool driven by
// system load snapshots, a managed headless browser pool, and
// reputation-scored sessions. The engine is a library; callers supply a
// request handler and seed requests and call Run.
package crawlkit

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/autoscale"
	"github.com/crawlkit/crawlkit/internal/browserpool"
	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/events"
	"github.com/crawlkit/crawlkit/internal/frontier"
	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/session"
	"github.com/crawlkit/crawlkit/internal/snapshot"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// Re-exported building blocks. The internal packages carry the
// implementations; these aliases are the supported public surface.
type (
	Request      = request.Request
	Source       = frontier.Source
	ListOptions  = frontier.ListOptions
	RequestList  = frontier.List
	RequestQueue = frontier.Queue
	AddResult    = frontier.AddResult

	Config = config.Config

	Crawler             = crawler.Crawler
	CrawlerOptions      = crawler.Options
	CrawlContext        = crawler.CrawlContext
	HandlerFunc         = crawler.HandlerFunc
	FailedHandlerFunc   = crawler.FailedHandlerFunc
	AutoscaledPoolSetup = autoscale.Options

	BrowserPool        = browserpool.Pool
	BrowserPoolOptions = browserpool.PoolOptions
	PageHandle         = browserpool.PageHandle

	Session            = session.Session
	SessionPool        = session.Pool
	SessionPoolOptions = session.PoolOptions

	KeyValueStore = storage.KeyValueStore
	EventBus      = events.Bus
)

// NewRequest creates a GET request with a computed unique key.
func NewRequest(rawURL string) *Request {
	return request.New(rawURL)
}

// NewList materializes a request list from sources.
func NewList(ctx context.Context, opts ListOptions) (*RequestList, error) {
	return frontier.NewList(ctx, opts)
}

// NewCrawler builds a crawler from explicit options.
func NewCrawler(opts CrawlerOptions) (*Crawler, error) {
	return crawler.New(opts)
}

// Env is the configured runtime environment: storage, queue, and event
// delivery wired from CRAWLKIT_* environment variables and the optional
// YAML overlay.
type Env struct {
	Config *Config
	Events *events.Bus

	store   storage.KeyValueStore
	queue   frontier.Queue
	watcher *events.SignalWatcher
	snap    *snapshot.Snapshotter
}

// NewEnv loads configuration and wires the runtime collaborators. With a
// token configured, storage and queue use the remote API; otherwise they
// are file-backed under the local storage directory.
func NewEnv() (*Env, error) {
	cfg := config.Load()
	cfg.Validate()
	applyLogLevel(cfg.LogLevel)

	e := &Env{Config: cfg, Events: events.NewBus()}
	e.Events.StartPersistTicker(cfg.PersistStateInterval)

	if cfg.SignalDir != "" {
		watcher, err := events.NewSignalWatcher(e.Events, cfg.SignalDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.SignalDir).Msg("Signal watcher unavailable")
		} else {
			e.watcher = watcher
		}
	}

	if cfg.IsAtHome && !cfg.HasRemoteStorage() {
		log.Warn().Msg("Running on the platform without an API token, falling back to local storage")
	}

	if cfg.HasRemoteStorage() {
		e.store = storage.NewRemoteKeyValueStore(cfg.APIBaseURL, cfg.DefaultKeyValueStoreID, cfg.Token)
		e.queue = frontier.NewRemoteQueue(cfg.APIBaseURL, cfg.DefaultRequestQueueID, cfg.Token)
	} else {
		store, err := storage.NewLocalKeyValueStore(cfg.LocalStorageDir, cfg.DefaultKeyValueStoreID)
		if err != nil {
			e.Close()
			return nil, err
		}
		queue, err := frontier.NewLocalQueue(cfg.LocalStorageDir, cfg.DefaultRequestQueueID)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.store = store
		e.queue = queue
	}

	e.snap = snapshot.New(snapshot.Options{
		MemoryMaxBytes: uint64(cfg.MemoryMbytes) * 1024 * 1024,
	})

	log.Info().
		Bool("remote_storage", cfg.HasRemoteStorage()).
		Bool("at_home", cfg.IsAtHome).
		Str("storage_dir", cfg.LocalStorageDir).
		Msg("Crawlkit environment ready")
	return e, nil
}

// KeyValueStore returns the configured store.
func (e *Env) KeyValueStore() KeyValueStore {
	return e.store
}

// RequestQueue returns the configured queue.
func (e *Env) RequestQueue() RequestQueue {
	return e.queue
}

// Snapshotter returns the load snapshotter shared by crawlers built
// through this environment.
func (e *Env) Snapshotter() *snapshot.Snapshotter {
	return e.snap
}

// NewCrawler builds a crawler bound to the environment: its event bus,
// store, snapshotter, and migration grace are filled in unless the caller
// set them.
func (e *Env) NewCrawler(opts CrawlerOptions) (*Crawler, error) {
	if opts.Queue == nil && opts.List == nil {
		opts.Queue = e.queue
	}
	if opts.Events == nil {
		opts.Events = e.Events
	}
	if opts.Store == nil {
		opts.Store = e.store
	}
	if opts.Snapshotter == nil {
		opts.Snapshotter = e.snap
		if opts.AutoscaledPool.Status == nil {
			opts.AutoscaledPool.Status = snapshot.NewStatus(e.snap)
		}
	}
	if opts.MigrationGrace == 0 {
		opts.MigrationGrace = e.Config.MigrationGracePeriod
	}
	return crawler.New(opts)
}

// NewBrowserPool builds a browser pool on the rod backend with the
// environment's headless setting.
func (e *Env) NewBrowserPool(opts BrowserPoolOptions) (*BrowserPool, error) {
	if opts.Backend == nil {
		opts.Backend = browserpool.NewRodBackend()
		opts.Headless = e.Config.Headless
	}
	return browserpool.NewPool(opts)
}

// NewSessionPool builds a session pool persisting into the environment's
// store.
func (e *Env) NewSessionPool(ctx context.Context, opts SessionPoolOptions) (*SessionPool, error) {
	if opts.Store == nil && opts.PersistStateKey != "" {
		opts.Store = e.store
	}
	return session.NewPool(ctx, opts)
}

// Start begins load sampling. Call before Run on crawlers that share the
// environment snapshotter.
func (e *Env) Start() {
	e.snap.Start()
}

// Close stops sampling, the signal watcher, and the event bus.
func (e *Env) Close() {
	if e.snap != nil {
		e.snap.Stop()
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
	if e.Events != nil {
		e.Events.Close()
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
