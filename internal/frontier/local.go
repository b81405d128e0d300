package frontier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/request"
	"github.com/crawlkit/crawlkit/internal/types"
)

// seqBase is the starting ordering sequence. Forefront inserts count down
// from it, tail inserts count up, so both directions stay sortable as
// zero-padded filenames.
const seqBase = int64(1) << 40

// LocalQueue is a file-backed Queue. Every request lives as one JSON file
// under requests/; pending order is a set of marker files under pending/
// whose names sort into dequeue order; handled requests leave a marker under
// handled/. The in-memory index is rebuilt from the directory tree on open,
// so a crashed or restarted process resumes with at-least-once delivery.
type LocalQueue struct {
	dir string

	mu           sync.Mutex
	closed       bool
	pending      []pendingEntry
	inProgress   map[string]pendingEntry
	handled      map[string]struct{}
	byKey        map[string]string
	handledCount int
	headSeq      int64
	tailSeq      int64
}

type pendingEntry struct {
	seq    int64
	id     string
	marker string
}

// NewLocalQueue opens or creates a local queue rooted at
// <storageDir>/request_queues/<queueID>.
func NewLocalQueue(storageDir, queueID string) (*LocalQueue, error) {
	dir := filepath.Join(storageDir, "request_queues", queueID)
	for _, sub := range []string{"requests", "pending", "handled"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("frontier: creating queue directory: %w", err)
		}
	}

	q := &LocalQueue{
		dir:        dir,
		inProgress: make(map[string]pendingEntry),
		handled:    make(map[string]struct{}),
		byKey:      make(map[string]string),
		headSeq:    seqBase - 1,
		tailSeq:    seqBase + 1,
	}
	if err := q.recover(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("dir", dir).
		Int("pending", len(q.pending)).
		Int("handled", q.handledCount).
		Msg("Local request queue opened")
	return q, nil
}

// recover rebuilds the in-memory index from the directory tree.
func (q *LocalQueue) recover() error {
	reqDir := filepath.Join(q.dir, "requests")
	entries, err := os.ReadDir(reqDir)
	if err != nil {
		return fmt.Errorf("frontier: reading requests dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(reqDir, e.Name()))
		if err != nil {
			return fmt.Errorf("frontier: reading request file: %w", err)
		}
		var req request.Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn().Str("file", e.Name()).Err(err).Msg("Skipping corrupt request file")
			continue
		}
		q.byKey[req.UniqueKey] = strings.TrimSuffix(e.Name(), ".json")
	}

	handledEntries, err := os.ReadDir(filepath.Join(q.dir, "handled"))
	if err != nil {
		return fmt.Errorf("frontier: reading handled dir: %w", err)
	}
	for _, e := range handledEntries {
		if !e.IsDir() {
			q.handled[e.Name()] = struct{}{}
		}
	}
	q.handledCount = len(q.handled)

	pendingEntries, err := os.ReadDir(filepath.Join(q.dir, "pending"))
	if err != nil {
		return fmt.Errorf("frontier: reading pending dir: %w", err)
	}
	var names []string
	for _, e := range pendingEntries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		seqStr, id, ok := strings.Cut(name, "-")
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		q.pending = append(q.pending, pendingEntry{seq: seq, id: id, marker: name})
		if seq <= q.headSeq {
			q.headSeq = seq - 1
		}
		if seq >= q.tailSeq {
			q.tailSeq = seq + 1
		}
	}
	return nil
}

// AddRequest adds the request unless its unique key was seen before. Adding
// a known key is a no-op reporting the existing state.
func (q *LocalQueue) AddRequest(ctx context.Context, req *request.Request, forefront bool) (AddResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return AddResult{}, types.ErrQueueClosed
	}

	req = req.Clone()
	req.EnsureUniqueKey()

	if id, known := q.byKey[req.UniqueKey]; known {
		_, wasHandled := q.handled[id]
		return AddResult{RequestID: id, WasAlreadyPresent: true, WasAlreadyHandled: wasHandled}, nil
	}

	id := requestIDFromKey(req.UniqueKey)
	req.ID = id
	if err := q.writeRequestFile(req); err != nil {
		return AddResult{}, types.NewQueueError("addRequest", req.UniqueKey, "failed to write request file", err)
	}
	entry, err := q.createPendingMarker(id, forefront)
	if err != nil {
		return AddResult{}, types.NewQueueError("addRequest", req.UniqueKey, "failed to write pending marker", err)
	}

	q.byKey[req.UniqueKey] = id
	if forefront {
		q.pending = append([]pendingEntry{entry}, q.pending...)
	} else {
		q.pending = append(q.pending, entry)
	}
	return AddResult{RequestID: id}, nil
}

// FetchNextRequest dequeues the next pending request, or (nil, nil) when the
// pending set is empty.
func (q *LocalQueue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, types.ErrQueueClosed
	}
	if len(q.pending) == 0 {
		return nil, nil
	}

	entry := q.pending[0]
	q.pending = q.pending[1:]

	req, err := q.readRequestFile(entry.id)
	if err != nil {
		return nil, types.NewQueueError("fetchNextRequest", entry.id, "failed to read request file", err)
	}
	q.inProgress[entry.id] = entry
	return req, nil
}

// MarkRequestHandled moves an in-progress request to handled.
func (q *LocalQueue) MarkRequestHandled(ctx context.Context, req *request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return types.ErrQueueClosed
	}

	entry, ok := q.inProgress[req.ID]
	if !ok {
		return types.NewQueueError("markRequestHandled", req.ID,
			"request is not in progress in the queue", types.ErrRequestNotInProgress)
	}

	handled := req.Clone()
	if handled.HandledAt == nil {
		handled.MarkHandled(time.Now())
	}
	if err := q.writeRequestFile(handled); err != nil {
		return types.NewQueueError("markRequestHandled", req.ID, "failed to update request file", err)
	}
	if err := os.WriteFile(filepath.Join(q.dir, "handled", entry.id), nil, 0o644); err != nil {
		return types.NewQueueError("markRequestHandled", req.ID, "failed to write handled marker", err)
	}
	if err := os.Remove(filepath.Join(q.dir, "pending", entry.marker)); err != nil && !os.IsNotExist(err) {
		return types.NewQueueError("markRequestHandled", req.ID, "failed to remove pending marker", err)
	}

	delete(q.inProgress, entry.id)
	q.handled[entry.id] = struct{}{}
	q.handledCount++
	return nil
}

// ReclaimRequest returns an in-progress request to pending, at the head when
// forefront is set.
func (q *LocalQueue) ReclaimRequest(ctx context.Context, req *request.Request, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return types.ErrQueueClosed
	}

	old, ok := q.inProgress[req.ID]
	if !ok {
		return types.NewQueueError("reclaimRequest", req.ID,
			"request is not in progress in the queue", types.ErrRequestNotInProgress)
	}

	// The caller may have bumped retryCount or appended error messages.
	if err := q.writeRequestFile(req.Clone()); err != nil {
		return types.NewQueueError("reclaimRequest", req.ID, "failed to update request file", err)
	}
	entry, err := q.createPendingMarker(old.id, forefront)
	if err != nil {
		return types.NewQueueError("reclaimRequest", req.ID, "failed to write pending marker", err)
	}
	if err := os.Remove(filepath.Join(q.dir, "pending", old.marker)); err != nil && !os.IsNotExist(err) {
		return types.NewQueueError("reclaimRequest", req.ID, "failed to remove stale marker", err)
	}

	delete(q.inProgress, old.id)
	if forefront {
		q.pending = append([]pendingEntry{entry}, q.pending...)
	} else {
		q.pending = append(q.pending, entry)
	}
	return nil
}

// IsEmpty reports whether the pending set is empty. In-progress requests do
// not count.
func (q *LocalQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, types.ErrQueueClosed
	}
	return len(q.pending) == 0, nil
}

// IsFinished reports whether the queue is empty and nothing is in progress.
func (q *LocalQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, types.ErrQueueClosed
	}
	return len(q.pending) == 0 && len(q.inProgress) == 0, nil
}

// HandledCount returns the number of handled requests, including those
// handled by previous runs against the same directory.
func (q *LocalQueue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handledCount
}

// Close marks the queue closed. Subsequent operations fail with
// types.ErrQueueClosed.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *LocalQueue) createPendingMarker(id string, forefront bool) (pendingEntry, error) {
	var seq int64
	if forefront {
		seq = q.headSeq
		q.headSeq--
	} else {
		seq = q.tailSeq
		q.tailSeq++
	}
	marker := fmt.Sprintf("%020d-%s", seq, id)
	if err := os.WriteFile(filepath.Join(q.dir, "pending", marker), nil, 0o644); err != nil {
		return pendingEntry{}, err
	}
	return pendingEntry{seq: seq, id: id, marker: marker}, nil
}

func (q *LocalQueue) writeRequestFile(req *request.Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(q.dir, "requests", req.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (q *LocalQueue) readRequestFile(id string) (*request.Request, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, "requests", id+".json"))
	if err != nil {
		return nil, err
	}
	var req request.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	req.ID = id
	return &req, nil
}
