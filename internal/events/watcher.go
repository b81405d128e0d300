package events

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Sentinel file names recognized inside the signal directory. The host
// platform touches one of these files to deliver the corresponding event.
const (
	migratingSignalFile = "migrating"
	abortingSignalFile  = "aborting"
)

// SignalWatcher watches a directory for host signal files and forwards them
// to the bus. A containerized host that cannot reach the process directly
// writes a sentinel file instead.
type SignalWatcher struct {
	bus     *Bus
	dir     string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// Per-signal debounce so an editor or bind-mount emitting several
	// write events delivers the signal once.
	seen map[string]time.Time
}

// NewSignalWatcher starts watching dir for signal files.
func NewSignalWatcher(bus *Bus, dir string) (*SignalWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create signal watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch signal dir: %w", err)
	}

	w := &SignalWatcher{
		bus:     bus,
		dir:     dir,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		seen:    make(map[string]time.Time),
	}

	w.wg.Add(1)
	go w.watch()

	log.Info().Str("dir", dir).Msg("Signal watcher started")
	return w, nil
}

// watch forwards create/write events on recognized sentinel files.
func (w *SignalWatcher) watch() {
	defer w.wg.Done()

	const debounce = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			var kind Kind
			switch name {
			case migratingSignalFile:
				kind = Migrating
			case abortingSignalFile:
				kind = Aborting
			default:
				continue
			}

			w.mu.Lock()
			last, dup := w.seen[name]
			now := time.Now()
			if dup && now.Sub(last) < debounce {
				w.mu.Unlock()
				continue
			}
			w.seen[name] = now
			w.mu.Unlock()

			log.Info().
				Str("signal", name).
				Str("file", event.Name).
				Msg("Host signal received")
			w.bus.Emit(kind)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Signal watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *SignalWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
