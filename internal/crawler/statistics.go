package crawler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Statistics aggregates per-run crawl counters. It is safe for concurrent
// use by handler tasks.
type Statistics struct {
	mu sync.Mutex

	startedAt        time.Time
	requestsFinished int
	requestsFailed   int
	requestsRetried  int

	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
}

// StatisticsSnapshot is the JSON form persisted to the key-value store.
type StatisticsSnapshot struct {
	StartedAt        time.Time `json:"startedAt"`
	CrawledAt        time.Time `json:"crawledAt"`
	RequestsFinished int       `json:"requestsFinished"`
	RequestsFailed   int       `json:"requestsFailed"`
	RequestsRetried  int       `json:"requestsRetried"`

	RequestAvgDurationMillis int64 `json:"requestAvgDurationMillis"`
	RequestMinDurationMillis int64 `json:"requestMinDurationMillis"`
	RequestMaxDurationMillis int64 `json:"requestMaxDurationMillis"`
	CrawlerRuntimeMillis     int64 `json:"crawlerRuntimeMillis"`
}

// NewStatistics starts the run clock.
func NewStatistics() *Statistics {
	return &Statistics{startedAt: time.Now()}
}

// RecordSuccess counts one handled request and its duration.
func (s *Statistics) RecordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsFinished++
	s.recordDurationLocked(d)
}

// RecordFailure counts one request dispatched to the failure handler.
func (s *Statistics) RecordFailure(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsFailed++
	s.recordDurationLocked(d)
}

// RecordRetry counts one reclaim caused by a handler error.
func (s *Statistics) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsRetried++
}

func (s *Statistics) recordDurationLocked(d time.Duration) {
	s.totalDuration += d
	if s.minDuration == 0 || d < s.minDuration {
		s.minDuration = d
	}
	if d > s.maxDuration {
		s.maxDuration = d
	}
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatisticsSnapshot{
		StartedAt:                s.startedAt,
		CrawledAt:                time.Now(),
		RequestsFinished:         s.requestsFinished,
		RequestsFailed:           s.requestsFailed,
		RequestsRetried:          s.requestsRetried,
		RequestMinDurationMillis: s.minDuration.Milliseconds(),
		RequestMaxDurationMillis: s.maxDuration.Milliseconds(),
		CrawlerRuntimeMillis:     time.Since(s.startedAt).Milliseconds(),
	}
	if settled := s.requestsFinished + s.requestsFailed; settled > 0 {
		snap.RequestAvgDurationMillis = (s.totalDuration / time.Duration(settled)).Milliseconds()
	}
	return snap
}

// Restore seeds the counters from a previously persisted snapshot so a
// resumed run continues the totals instead of starting from zero. A
// missing key leaves the statistics fresh.
func (s *Statistics) Restore(ctx context.Context, store storage.KeyValueStore, key string) {
	if store == nil || key == "" {
		return
	}
	var snap StatisticsSnapshot
	if err := store.GetValue(ctx, key, &snap); err != nil {
		if !errors.Is(err, types.ErrKeyNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("Failed to restore crawl statistics")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsFinished = snap.RequestsFinished
	s.requestsFailed = snap.RequestsFailed
	s.requestsRetried = snap.RequestsRetried
	s.minDuration = time.Duration(snap.RequestMinDurationMillis) * time.Millisecond
	s.maxDuration = time.Duration(snap.RequestMaxDurationMillis) * time.Millisecond
	if settled := snap.RequestsFinished + snap.RequestsFailed; settled > 0 {
		s.totalDuration = time.Duration(snap.RequestAvgDurationMillis*int64(settled)) * time.Millisecond
	}
	if !snap.StartedAt.IsZero() {
		s.startedAt = snap.StartedAt
	}
}

// Persist writes the snapshot under key. Errors are logged, not returned;
// statistics are best-effort.
func (s *Statistics) Persist(ctx context.Context, store storage.KeyValueStore, key string) {
	if store == nil || key == "" {
		return
	}
	if err := store.SetValue(ctx, key, s.Snapshot()); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to persist crawl statistics")
	}
}
