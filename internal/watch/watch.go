// Package watch provides a hybrid FileWatcher: a native recursive fsnotify
// watch backed by a mandatory polling ticker, so staleness stays bounded
// even when native events are dropped, coalesced, or unsupported for a
// given path (§4.2).
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind is one of the seven kinds the FileWatcher contract promises
// consumers (§4.2): a path was created, modified, or removed, a directory
// was created or removed, a synthetic poll tick fired, or a non-fatal
// watcher error occurred. Most consumers treat all of them as "path may
// have changed, go re-check"; the distinction exists for consumers (and
// logging) that care.
type EventKind int

const (
	EventAdd EventKind = iota
	EventChange
	EventUnlink
	EventAddDir
	EventUnlinkDir
	EventPoll
	EventError
)

// Event is delivered once per (debounced) change on a watched path.
type Event struct {
	Path string
	Kind EventKind
	At   time.Time
}

// Config controls the watcher's timing. Zero values are replaced with
// defaults in New.
type Config struct {
	// PollInterval is how often a synthetic poll event fires per watched
	// path, independent of whether native events arrived. Default 5s.
	PollInterval time.Duration
	// DebounceInterval collapses bursts of native events for the same path
	// into one Event. Default 500ms.
	DebounceInterval time.Duration
	// HealthCheckInterval bounds how recently a native event must have been
	// observed for IsHealthy to report true. Default 60s.
	HealthCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = 500 * time.Millisecond
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	return c
}

// Watcher combines a native fsnotify watch with a backup poll ticker. Both
// run unconditionally and concurrently — the poll ticker is not a fallback
// activated on native failure, it is always active, so a watcher whose
// native side misbehaves silently still delivers bounded-staleness events.
type Watcher struct {
	cfg Config

	mu       sync.Mutex
	paths    map[string]struct{}
	dirs     map[string]struct{} // tracked directories, so a later unlink can be classified unlink_dir vs unlink
	debounce map[string]*time.Timer
	lastNative time.Time

	fsw    *fsnotify.Watcher
	events chan Event
	errs   chan error
	stopc  chan struct{}
	stopped bool
	started bool
	wg     sync.WaitGroup
}

// New creates a Watcher. It does not start watching until Start is called.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		cfg:      cfg.withDefaults(),
		paths:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		debounce: make(map[string]*time.Timer),
		fsw:      fsw,
		events:   make(chan Event, 64),
		errs:     make(chan error, 16),
		stopc:    make(chan struct{}),
	}, nil
}

// Events returns the channel Event values are delivered on.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns the channel non-fatal watcher errors are delivered on.
func (w *Watcher) Errors() <-chan error { return w.errs }

// AddPath registers path (recursively, if it is a directory) for both
// native and poll-driven watching. Safe to call after Start.
func (w *Watcher) AddPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch: resolve path %q: %w", path, err)
	}

	dirs := []string{abs}
	if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
		_ = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() || p == abs {
				return nil
			}
			dirs = append(dirs, p)
			return nil
		})
	}

	for _, d := range dirs {
		if err := w.fsw.Add(d); err != nil {
			return fmt.Errorf("watch: add %q: %w", d, err)
		}
	}

	w.mu.Lock()
	w.paths[abs] = struct{}{}
	for _, d := range dirs {
		w.dirs[d] = struct{}{}
	}
	w.mu.Unlock()
	return nil
}

// RemovePath unregisters a previously added path. Unknown paths are a
// silent no-op.
func (w *Watcher) RemovePath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch: resolve path %q: %w", path, err)
	}
	w.mu.Lock()
	delete(w.paths, abs)
	delete(w.dirs, abs)
	if t, ok := w.debounce[abs]; ok {
		t.Stop()
		delete(w.debounce, abs)
	}
	w.mu.Unlock()
	_ = w.fsw.Remove(abs)
	return nil
}

// Start launches the native event loop and the backup poll ticker. Calling
// Start twice on the same Watcher is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.stopped || w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(2)
	go w.runNativeLoop()
	go w.runPollLoop()
}

// Stop cancels the watcher, clears all pending debounce timers and closes
// the underlying fsnotify watcher. It drops any events still in flight; it
// does not flush them. Stop is idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, t := range w.debounce {
		t.Stop()
	}
	w.debounce = make(map[string]*time.Timer)
	w.mu.Unlock()

	close(w.stopc)
	_ = w.fsw.Close()
	w.wg.Wait()
}

// IsHealthy reports whether a native fsnotify event has been observed
// within HealthCheckInterval. A watcher that has never seen a native event
// (e.g. immediately after Start) is considered healthy until the first
// health window elapses, to avoid a false-unhealthy report at startup.
func (w *Watcher) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastNative.IsZero() {
		return true
	}
	return time.Since(w.lastNative) < w.cfg.HealthCheckInterval
}

func (w *Watcher) runNativeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopc:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onNativeEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.sendErr(err)
		}
	}
}

func (w *Watcher) onNativeEvent(ev fsnotify.Event) {
	w.mu.Lock()
	w.lastNative = time.Now()
	w.mu.Unlock()

	kind := w.classify(ev)
	w.debounceAndEmit(ev.Name, kind)
}

// classify maps an fsnotify op to one of the §4.2 event kinds, using the
// dirs set to tell an unlinked directory from an unlinked file (a removed
// path can no longer be os.Stat'd to tell the two apart). New directories
// created under a watched root are added to both the fsnotify watch and the
// dirs set so the recursive watch and later unlink classification stay
// consistent.
func (w *Watcher) classify(ev fsnotify.Event) EventKind {
	switch {
	case ev.Has(fsnotify.Create):
		if isDir(ev.Name) {
			_ = w.fsw.Add(ev.Name)
			w.mu.Lock()
			w.dirs[ev.Name] = struct{}{}
			w.mu.Unlock()
			return EventAddDir
		}
		return EventAdd
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		_, wasDir := w.dirs[ev.Name]
		delete(w.dirs, ev.Name)
		w.mu.Unlock()
		if wasDir {
			return EventUnlinkDir
		}
		return EventUnlink
	default:
		return EventChange
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func (w *Watcher) debounceAndEmit(path string, kind EventKind) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if t, ok := w.debounce[path]; ok {
		t.Stop()
	}
	w.debounce[path] = time.AfterFunc(w.cfg.DebounceInterval, func() {
		w.emit(Event{Path: path, Kind: kind, At: time.Now()})
		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
	})
	w.mu.Unlock()
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.stopc:
	default:
		// Channel full: drop oldest by draining one slot, never block the
		// watcher loop on a slow consumer.
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}

// sendErr reports a non-fatal watcher error on both the detailed Errors()
// channel and, as an EventError, on the single Events() stream — so a
// consumer that only watches one channel still observes that something
// went wrong, per the "error" kind in the FileWatcher's event taxonomy.
func (w *Watcher) sendErr(err error) {
	w.emit(Event{Kind: EventError, At: time.Now()})
	select {
	case w.errs <- err:
	default:
	}
}

func (w *Watcher) runPollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
			w.mu.Lock()
			paths := make([]string, 0, len(w.paths))
			for p := range w.paths {
				paths = append(paths, p)
			}
			w.mu.Unlock()
			for _, p := range paths {
				w.emit(Event{Path: p, Kind: EventPoll, At: time.Now()})
			}
		}
	}
}
