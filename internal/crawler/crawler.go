// Package crawler composes the frontier, the autoscaled pool, the browser
// pool, and the session pool into the crawl engine. Callers provide a
// request handler; the crawler drives it over every request with retries,
// failure dispatch, and state persistence.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/autoscale"
	"github.com/crawlkit/crawlkit/internal/browserpool"
	"github.com/crawlkit/crawlkit/internal/events"
	"github.com/crawlkit/crawlkit/internal/frontier"
	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/session"
	"github.com/crawlkit/crawlkit/internal/snapshot"
	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/types"
)

const (
	defaultMaxRequestRetries    = 3
	defaultHandleRequestTimeout = 60 * time.Second
	defaultMigrationGrace       = 20 * time.Second
)

// CrawlContext is handed to the request handler. Session and Page are nil
// when the corresponding pool is not configured.
type CrawlContext struct {
	Request *request.Request
	Session *session.Session
	Page    *browserpool.PageHandle
}

// HandlerFunc processes one request. A non-nil return counts against the
// request's retry budget.
type HandlerFunc func(ctx context.Context, crawl *CrawlContext) error

// FailedHandlerFunc receives a request whose retry budget is exhausted,
// together with the last error. Its own error terminates the crawl.
type FailedHandlerFunc func(ctx context.Context, crawl *CrawlContext, lastErr error) error

// Options configures a Crawler. HandleRequest and at least one of List or
// Queue are required.
type Options struct {
	List  *frontier.List
	Queue frontier.Queue

	HandleRequest       HandlerFunc
	HandleFailedRequest FailedHandlerFunc

	MaxRequestRetries    int
	MaxRequestsPerCrawl  int
	HandleRequestTimeout time.Duration

	// AutoscaledPool carries the concurrency configuration. Its task
	// functions are owned by the crawler and must be left unset.
	AutoscaledPool autoscale.Options

	// Snapshotter drives the pool's scaling decisions. A default one is
	// created and started when nil.
	Snapshotter *snapshot.Snapshotter

	// Events delivers migrating, aborting, and persist-state signals.
	// Optional.
	Events *events.Bus

	// MigrationGrace bounds how long a migration pause waits for in-flight
	// tasks before persisting anyway.
	MigrationGrace time.Duration

	// BrowserPool, when set, supplies a page per request.
	BrowserPool *browserpool.Pool
	// SessionPool, when set, supplies a session per request.
	SessionPool *session.Pool

	// Store and StatsPersistKey enable statistics snapshots on
	// persist-state events. List progress persistence is configured on the
	// List itself.
	Store           storage.KeyValueStore
	StatsPersistKey string
}

// Crawler is the engine. Create with New, drive with Run.
type Crawler struct {
	opts Options

	pool   *autoscale.Pool
	stats  *Statistics
	status snapshot.SystemStatus

	ownSnapshotter bool

	listMu sync.Mutex

	handledCount atomic.Int64

	errMu        sync.Mutex
	secondaryErr error
}

// New validates the options and builds a crawler.
func New(opts Options) (*Crawler, error) {
	if opts.HandleRequest == nil {
		return nil, fmt.Errorf("crawler: HandleRequest is required")
	}
	if opts.List == nil && opts.Queue == nil {
		return nil, types.ErrNoFrontier
	}
	if opts.AutoscaledPool.RunTaskFunc != nil || opts.AutoscaledPool.IsTaskReadyFunc != nil ||
		opts.AutoscaledPool.IsFinishedFunc != nil {
		return nil, fmt.Errorf("crawler: AutoscaledPool task functions are owned by the crawler")
	}
	if opts.MaxRequestRetries < 0 {
		return nil, fmt.Errorf("crawler: negative MaxRequestRetries %d", opts.MaxRequestRetries)
	}
	if opts.MaxRequestRetries == 0 {
		opts.MaxRequestRetries = defaultMaxRequestRetries
	}
	if opts.HandleRequestTimeout <= 0 {
		opts.HandleRequestTimeout = defaultHandleRequestTimeout
	}
	if opts.MigrationGrace <= 0 {
		opts.MigrationGrace = defaultMigrationGrace
	}
	if opts.HandleFailedRequest == nil {
		opts.HandleFailedRequest = func(ctx context.Context, crawl *CrawlContext, lastErr error) error {
			log.Error().
				Str("url", crawl.Request.URL).
				Int("retry_count", crawl.Request.RetryCount).
				Err(lastErr).
				Msg("Request failed and reached the maximum number of retries")
			return nil
		}
	}

	c := &Crawler{opts: opts, stats: NewStatistics()}

	if opts.Snapshotter == nil {
		c.opts.Snapshotter = snapshot.New(snapshot.Options{})
		c.ownSnapshotter = true
	}
	if opts.AutoscaledPool.Status == nil {
		c.opts.AutoscaledPool.Status = snapshot.NewStatus(c.opts.Snapshotter)
	}
	c.status = c.opts.AutoscaledPool.Status

	poolOpts := c.opts.AutoscaledPool
	poolOpts.RunTaskFunc = c.runTask
	poolOpts.IsTaskReadyFunc = c.isTaskReady
	poolOpts.IsFinishedFunc = c.isFinished
	pool, err := autoscale.New(poolOpts)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return c, nil
}

// Run crawls until the frontier is exhausted, the request budget is
// reached, or Abort is called. It blocks the caller and is one-shot.
func (c *Crawler) Run(ctx context.Context) error {
	if c.ownSnapshotter {
		c.opts.Snapshotter.Start()
		defer c.opts.Snapshotter.Stop()
	}

	c.stats.Restore(ctx, c.opts.Store, c.opts.StatsPersistKey)

	if c.opts.Events != nil {
		// Migration handling blocks for up to the grace period, so it runs
		// on its own goroutine to keep the signal emitter responsive.
		c.opts.Events.Subscribe(events.Migrating, func() { go c.handleMigration(ctx) })
		c.opts.Events.Subscribe(events.Aborting, func() { c.Abort() })
		c.opts.Events.Subscribe(events.PersistState, func() { c.persistState(ctx) })
	}

	log.Info().
		Int("max_request_retries", c.opts.MaxRequestRetries).
		Int("max_requests_per_crawl", c.opts.MaxRequestsPerCrawl).
		Msg("Crawler starting")

	runErr := c.pool.Run(ctx)

	c.persistState(ctx)

	c.errMu.Lock()
	secondary := c.secondaryErr
	c.errMu.Unlock()
	if secondary != nil {
		return secondary
	}
	if runErr != nil {
		return runErr
	}

	snap := c.stats.Snapshot()
	log.Info().
		Int("finished", snap.RequestsFinished).
		Int("failed", snap.RequestsFailed).
		Int("retried", snap.RequestsRetried).
		Int64("runtime_ms", snap.CrawlerRuntimeMillis).
		Msg("Crawler finished")
	return nil
}

// Abort stops the crawl without draining in-flight tasks; they see a
// cancellation and their requests are reclaimed without a retry charge.
func (c *Crawler) Abort() {
	c.pool.Abort()
}

// HandledCount reports handled requests, preferring the queue's count when
// a queue is bound.
func (c *Crawler) HandledCount() int {
	if c.opts.Queue != nil {
		return c.opts.Queue.HandledCount()
	}
	if c.opts.List != nil {
		c.listMu.Lock()
		defer c.listMu.Unlock()
		return c.opts.List.HandledCount()
	}
	return 0
}

// Statistics exposes the run counters.
func (c *Crawler) Statistics() *Statistics {
	return c.stats
}

// requestSource says which frontier component a request must be settled
// against.
type requestSource int

const (
	fromList requestSource = iota
	fromQueue
)

// fetchNextRequest pulls the next piece of work. With both a list and a
// queue, list requests are first funneled into the queue with forefront
// priority so retries and at-most-once handling are tracked in one place.
func (c *Crawler) fetchNextRequest(ctx context.Context) (*request.Request, requestSource, error) {
	if c.opts.List != nil && c.opts.Queue != nil {
		if err := c.transferFromList(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to hand a list request to the queue, skipping tick")
			return nil, fromQueue, nil
		}
		req, err := c.opts.Queue.FetchNextRequest(ctx)
		return req, fromQueue, err
	}

	if c.opts.List != nil {
		c.listMu.Lock()
		req := c.opts.List.FetchNextRequest()
		c.listMu.Unlock()
		return req, fromList, nil
	}

	req, err := c.opts.Queue.FetchNextRequest(ctx)
	return req, fromQueue, err
}

// transferFromList moves the next list request into the queue. On enqueue
// failure the request is reclaimed to the list and the error returned.
func (c *Crawler) transferFromList(ctx context.Context) error {
	c.listMu.Lock()
	req := c.opts.List.FetchNextRequest()
	c.listMu.Unlock()
	if req == nil {
		return nil
	}

	if _, err := c.opts.Queue.AddRequest(ctx, req, true); err != nil {
		c.listMu.Lock()
		if reclaimErr := c.opts.List.ReclaimRequest(req); reclaimErr != nil {
			log.Error().Err(reclaimErr).Str("url", req.URL).Msg("Failed to reclaim request to the list")
		}
		c.listMu.Unlock()
		return err
	}

	c.listMu.Lock()
	err := c.opts.List.MarkRequestHandled(req)
	c.listMu.Unlock()
	return err
}

func (c *Crawler) budgetReached() bool {
	return c.opts.MaxRequestsPerCrawl > 0 &&
		int(c.handledCount.Load()) >= c.opts.MaxRequestsPerCrawl
}

func (c *Crawler) isTaskReady(ctx context.Context) (bool, error) {
	if c.budgetReached() {
		return false, nil
	}
	if c.opts.List != nil {
		c.listMu.Lock()
		empty := c.opts.List.IsEmpty()
		c.listMu.Unlock()
		if !empty {
			return true, nil
		}
	}
	if c.opts.Queue != nil {
		empty, err := c.opts.Queue.IsEmpty(ctx)
		if err != nil {
			return false, err
		}
		return !empty, nil
	}
	return false, nil
}

func (c *Crawler) isFinished(ctx context.Context) (bool, error) {
	if c.budgetReached() {
		return true, nil
	}
	if c.opts.List != nil {
		c.listMu.Lock()
		finished := c.opts.List.IsFinished()
		c.listMu.Unlock()
		if !finished {
			return false, nil
		}
	}
	if c.opts.Queue != nil {
		return c.opts.Queue.IsFinished(ctx)
	}
	return true, nil
}

// runTask processes one request end to end. It is the pool's task
// function.
func (c *Crawler) runTask(taskCtx context.Context) error {
	req, src, err := c.fetchNextRequest(taskCtx)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	crawl := &CrawlContext{Request: req}

	if c.opts.SessionPool != nil {
		s, err := c.opts.SessionPool.GetSession(taskCtx)
		if err != nil {
			return c.handleFailure(taskCtx, crawl, src, err, time.Now())
		}
		crawl.Session = s
	}
	startedAt := time.Now()
	if c.opts.BrowserPool != nil {
		page, err := c.opts.BrowserPool.NewPage(taskCtx)
		if err != nil {
			// A launch failure is charged like a handler error so the
			// request retries on a healthy instance.
			return c.handleFailure(taskCtx, crawl, src, err, startedAt)
		}
		crawl.Page = page
		defer c.opts.BrowserPool.RecyclePage(page)
	}

	handlerErr, aborted := c.invokeHandler(taskCtx, crawl)
	if aborted {
		c.reclaimOnAbort(crawl, src)
		return nil
	}
	if handlerErr != nil {
		if crawl.Session != nil {
			crawl.Session.MarkBad()
		}
		return c.handleFailure(taskCtx, crawl, src, handlerErr, startedAt)
	}

	if crawl.Session != nil {
		crawl.Session.MarkGood()
	}
	if err := c.markHandled(taskCtx, req, src); err != nil {
		return err
	}
	c.handledCount.Add(1)
	c.stats.RecordSuccess(time.Since(startedAt))
	return nil
}

// invokeHandler races the handler against cancellation and the handler
// timeout. aborted is true when the task context was canceled first.
func (c *Crawler) invokeHandler(taskCtx context.Context, crawl *CrawlContext) (err error, aborted bool) {
	hctx, cancel := context.WithTimeout(taskCtx, c.opts.HandleRequestTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		errCh <- c.opts.HandleRequest(hctx, crawl)
	}()

	select {
	case err = <-errCh:
		return err, false
	case <-taskCtx.Done():
		return nil, true
	case <-hctx.Done():
		if taskCtx.Err() != nil {
			return nil, true
		}
		return fmt.Errorf("handler timed out after %s", c.opts.HandleRequestTimeout), false
	}
}

// handleFailure charges the error to the request: reclaim while retry
// budget remains, otherwise settle and dispatch the failure handler.
func (c *Crawler) handleFailure(ctx context.Context, crawl *CrawlContext, src requestSource, cause error, startedAt time.Time) error {
	req := crawl.Request
	req.PushErrorMessage(cause.Error())

	if !req.NoRetry && req.RetryCount < c.opts.MaxRequestRetries {
		req.RetryCount++
		c.stats.RecordRetry()
		log.Debug().
			Str("url", req.URL).
			Int("retry_count", req.RetryCount).
			Err(cause).
			Msg("Request failed, reclaiming for retry")
		return c.reclaim(ctx, req, src, true)
	}

	if err := c.markHandled(ctx, req, src); err != nil {
		return err
	}
	c.handledCount.Add(1)
	c.stats.RecordFailure(time.Since(startedAt))

	if err := c.opts.HandleFailedRequest(ctx, crawl, cause); err != nil {
		// The error handler failing leaves the crawl in an unknown state.
		c.errMu.Lock()
		if c.secondaryErr == nil {
			c.secondaryErr = err
		}
		c.errMu.Unlock()
		return fmt.Errorf("failed-request handler: %w", err)
	}
	return nil
}

// reclaimOnAbort returns the request without charging a retry.
func (c *Crawler) reclaimOnAbort(crawl *CrawlContext, src requestSource) {
	// The run context is gone; give the reclaim its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.reclaim(ctx, crawl.Request, src, false); err != nil {
		log.Warn().Err(err).Str("url", crawl.Request.URL).Msg("Failed to reclaim request during abort")
	}
}

func (c *Crawler) reclaim(ctx context.Context, req *request.Request, src requestSource, forefront bool) error {
	if src == fromList {
		c.listMu.Lock()
		defer c.listMu.Unlock()
		return c.opts.List.ReclaimRequest(req)
	}
	return c.opts.Queue.ReclaimRequest(ctx, req, forefront)
}

func (c *Crawler) markHandled(ctx context.Context, req *request.Request, src requestSource) error {
	if src == fromList {
		c.listMu.Lock()
		defer c.listMu.Unlock()
		return c.opts.List.MarkRequestHandled(req)
	}
	return c.opts.Queue.MarkRequestHandled(ctx, req)
}

// handleMigration pauses the pool for the grace period and persists list
// state. An expired grace is logged and persistence proceeds; requests
// still in flight may be duplicated after the move.
func (c *Crawler) handleMigration(ctx context.Context) {
	log.Info().Dur("grace", c.opts.MigrationGrace).Msg("Migration signal received, pausing crawler")
	if err := c.pool.Pause(c.opts.MigrationGrace); err != nil {
		if errors.Is(err, types.ErrPauseTimeout) {
			log.Warn().Msg("Migration grace expired with tasks in flight, persisting anyway")
		} else {
			log.Warn().Err(err).Msg("Failed to pause for migration")
		}
	}
	c.persistState(ctx)
}

// persistState snapshots list progress, session pool, and statistics.
func (c *Crawler) persistState(ctx context.Context) {
	if c.opts.List != nil {
		c.listMu.Lock()
		err := c.opts.List.PersistState(ctx)
		c.listMu.Unlock()
		if err != nil {
			log.Error().Err(err).Msg("Failed to persist request list state")
		}
	}
	if c.opts.SessionPool != nil {
		if err := c.opts.SessionPool.PersistState(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to persist session pool state")
		}
	}
	c.stats.Persist(ctx, c.opts.Store, c.opts.StatsPersistKey)
}
