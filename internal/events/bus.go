// Package events provides the typed event bus that connects the host
// environment to the crawler: migration warnings, abort requests, and the
// periodic persist-state tick. Collaborators subscribe by passing a handler;
// there is no process-wide singleton.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies an event emitted on the bus.
type Kind string

// Events emitted by the engine and its host.
const (
	// Migrating signals that host migration is imminent; receivers should
	// persist their state.
	Migrating Kind = "migrating"

	// Aborting signals that the crawler is aborting; receivers should stop
	// issuing work.
	Aborting Kind = "aborting"

	// PersistState is the periodic request to snapshot state.
	PersistState Kind = "persistState"
)

// Bus dispatches events to subscribed handlers. Handlers run on the
// emitting goroutine in subscription order; they must not block for long.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]func()
	closed   bool

	persistTicker *time.Ticker
	persistStop   chan struct{}
	wg            sync.WaitGroup
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]func())}
}

// Subscribe registers a handler for the given event kind.
func (b *Bus) Subscribe(kind Kind, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// Emit invokes all handlers registered for kind.
func (b *Bus) Emit(kind Kind) {
	b.mu.RLock()
	handlers := b.handlers[kind]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}
	if len(handlers) > 0 {
		log.Debug().Str("event", string(kind)).Int("handlers", len(handlers)).Msg("Dispatching event")
	}
	for _, fn := range handlers {
		fn()
	}
}

// StartPersistTicker emits PersistState every interval until Close.
// Calling it more than once replaces the previous ticker.
func (b *Bus) StartPersistTicker(interval time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.persistStop != nil {
		close(b.persistStop)
	}
	stop := make(chan struct{})
	b.persistStop = stop
	ticker := time.NewTicker(interval)
	b.persistTicker = ticker
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Emit(PersistState)
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the persist ticker and drops all handlers.
// Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.persistStop != nil {
		close(b.persistStop)
		b.persistStop = nil
	}
	b.handlers = make(map[Kind][]func())
	b.mu.Unlock()

	b.wg.Wait()
}
