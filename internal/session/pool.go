package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/types"
)

const defaultMaxPoolSize = 1000

// PoolOptions configures a session pool.
type PoolOptions struct {
	MaxPoolSize int

	// SessionOptions is the template for sessions created by the default
	// factory. Its ID field is ignored.
	SessionOptions Options

	// CreateSessionFunc overrides the default factory.
	CreateSessionFunc func(ctx context.Context) (*Session, error)

	// Store and PersistStateKey enable snapshot persistence. PersistState
	// writes the live sessions; NewPool restores them.
	Store           storage.KeyValueStore
	PersistStateKey string
}

// poolState is the persisted snapshot format.
type poolState struct {
	Sessions    []*Session `json:"sessions"`
	PersistedAt time.Time  `json:"persistedAt"`
}

// Pool maintains up to MaxPoolSize sessions and hands out random usable
// ones. Unusable sessions are dropped lazily when encountered.
type Pool struct {
	opts PoolOptions

	mu       sync.Mutex
	closed   bool
	sessions []*Session
}

// NewPool creates a pool and restores persisted sessions when a store and
// key are configured. Persisted sessions that are no longer usable are
// discarded during restore.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = defaultMaxPoolSize
	}
	p := &Pool{opts: opts}

	if opts.Store != nil && opts.PersistStateKey != "" {
		var state poolState
		err := opts.Store.GetValue(ctx, opts.PersistStateKey, &state)
		switch {
		case errors.Is(err, types.ErrKeyNotFound):
		case err != nil:
			return nil, err
		default:
			for _, s := range state.Sessions {
				if err := s.restoreJar(); err != nil {
					continue
				}
				if s.IsUsable() {
					p.sessions = append(p.sessions, s)
				}
			}
			log.Info().
				Int("restored", len(p.sessions)).
				Time("persisted_at", state.PersistedAt).
				Msg("Session pool state restored")
		}
	}
	return p, nil
}

// GetSession returns a usable session, creating one when the pool is below
// capacity or has no usable session left.
func (p *Pool) GetSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, types.ErrSessionPoolClosed
	}

	// Drop unusable sessions encountered on the way.
	usable := p.sessions[:0]
	for _, s := range p.sessions {
		if s.IsUsable() {
			usable = append(usable, s)
		}
	}
	p.sessions = usable

	if len(p.sessions) < p.opts.MaxPoolSize {
		s, err := p.createSession(ctx)
		if err != nil {
			return nil, err
		}
		p.sessions = append(p.sessions, s)
		return s, nil
	}
	if len(p.sessions) == 0 {
		return nil, types.ErrNoUsableSession
	}
	return p.sessions[rand.Intn(len(p.sessions))], nil
}

func (p *Pool) createSession(ctx context.Context) (*Session, error) {
	if p.opts.CreateSessionFunc != nil {
		return p.opts.CreateSessionFunc(ctx)
	}
	opts := p.opts.SessionOptions
	opts.ID = ""
	return New(opts)
}

// RetireSession retires the session and removes it from the pool.
func (p *Pool) RetireSession(s *Session) {
	s.Retire()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.sessions {
		if candidate == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

// UsableCount returns how many pooled sessions are currently usable.
func (p *Pool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, s := range p.sessions {
		if s.IsUsable() {
			count++
		}
	}
	return count
}

// PersistState snapshots the pooled sessions into the key-value store. A
// no-op when persistence is not configured. Each session is copied under
// its own lock first; marshalling live sessions would race with handler
// tasks marking them good or bad.
func (p *Pool) PersistState(ctx context.Context) error {
	if p.opts.Store == nil || p.opts.PersistStateKey == "" {
		return nil
	}
	p.mu.Lock()
	live := make([]*Session, len(p.sessions))
	copy(live, p.sessions)
	p.mu.Unlock()

	sessions := make([]*Session, len(live))
	for i, s := range live {
		sessions[i] = s.snapshot()
	}

	state := poolState{Sessions: sessions, PersistedAt: time.Now().UTC()}
	if err := p.opts.Store.SetValue(ctx, p.opts.PersistStateKey, state); err != nil {
		return err
	}
	log.Debug().Int("sessions", len(sessions)).Msg("Session pool state persisted")
	return nil
}

// Close persists state one last time and rejects further GetSession calls.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.PersistState(ctx)
}
