// Package config implements the Config adapter (§6): reading
// `<repo>/.orchestra/config.toml`, serving typed lookups with sane
// defaults, and notifying subscribers when the file changes on disk.
// Grounded on the teacher's own `github.com/BurntSushi/toml` dependency and
// its `toml:"..."` struct-tag convention (internal/config/hooks_test.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
)

// ChangedKind is emitted on a Provider's Bus whenever the backing file is
// reloaded, successfully or not.
const ChangedKind eventbus.Kind = "config:changed"

// Changed is the payload for ChangedKind.
type Changed struct {
	Options Options
	Err     error
}

// Options is the recognized option set from spec.md §6's Config table.
// Unrecognized keys in the TOML document are simply left undecoded by
// toml.Decode rather than rejected, per "unknown options must not cause
// hard failures".
type Options struct {
	WorkerPrefix         string `toml:"worker_prefix"`
	WorktreeSubdir       string `toml:"worktree_subdir"`
	SessionPrefix        string `toml:"session_prefix"`
	DiffPollIntervalMS   int    `toml:"diff_poll_interval_ms"`
	StatusPollIntervalMS int    `toml:"status_poll_interval_ms"`
	LogLevel             string `toml:"log_level"`
	CoordinationPath     string `toml:"coordination_path"`
	BacklogPath          string `toml:"backlog_path"`
	DefaultContainerRef  string `toml:"default_container_ref"`
	ContainerImage       string `toml:"container_image"`
	AssistantCommand     string `toml:"assistant_command"`
}

// Defaults returns the option set used when config.toml is absent or a key
// is unset.
func Defaults() Options {
	return Options{
		WorkerPrefix:         "claude",
		WorktreeSubdir:       ".worktrees",
		SessionPrefix:        "opus",
		DiffPollIntervalMS:   60000,
		StatusPollIntervalMS: 5000,
		LogLevel:             "info",
		DefaultContainerRef:  "unisolated",
		AssistantCommand:     "claude",
	}
}

// merge overlays non-zero fields of o onto d.
func merge(d, o Options) Options {
	if o.WorkerPrefix != "" {
		d.WorkerPrefix = o.WorkerPrefix
	}
	if o.WorktreeSubdir != "" {
		d.WorktreeSubdir = o.WorktreeSubdir
	}
	if o.SessionPrefix != "" {
		d.SessionPrefix = o.SessionPrefix
	}
	if o.DiffPollIntervalMS != 0 {
		d.DiffPollIntervalMS = o.DiffPollIntervalMS
	}
	if o.StatusPollIntervalMS != 0 {
		d.StatusPollIntervalMS = o.StatusPollIntervalMS
	}
	if o.LogLevel != "" {
		d.LogLevel = o.LogLevel
	}
	if o.CoordinationPath != "" {
		d.CoordinationPath = o.CoordinationPath
	}
	if o.BacklogPath != "" {
		d.BacklogPath = o.BacklogPath
	}
	if o.DefaultContainerRef != "" {
		d.DefaultContainerRef = o.DefaultContainerRef
	}
	if o.ContainerImage != "" {
		d.ContainerImage = o.ContainerImage
	}
	if o.AssistantCommand != "" {
		d.AssistantCommand = o.AssistantCommand
	}
	return d
}

// Provider reads and caches config.toml, and optionally watches it for
// external changes. The zero value is not usable; use New.
type Provider struct {
	path string
	bus  *eventbus.Bus

	mu      sync.RWMutex
	current Options

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Provider for the config file at path, loading it
// immediately. A missing file is not an error: Defaults() is used and a
// later Update (or external file creation, if Watch is running) takes over.
func New(path string, bus *eventbus.Bus) (*Provider, error) {
	p := &Provider{path: path, bus: bus, current: Defaults()}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the current cached option set.
func (p *Provider) Get() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// reload re-reads the file from disk, merges it over Defaults(), and swaps
// it in. A missing file resets to Defaults() rather than erroring.
func (p *Provider) reload() error {
	opts := Defaults()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.current = opts
			p.mu.Unlock()
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", p.path, err)
	}

	var loaded Options
	if _, err := toml.Decode(string(data), &loaded); err != nil {
		return fmt.Errorf("config: parsing %s: %w", p.path, err)
	}

	merged := merge(opts, loaded)
	p.mu.Lock()
	p.current = merged
	p.mu.Unlock()
	return nil
}

// Update sets a single option in memory and persists the full option set
// back to disk.
func (p *Provider) Update(mutate func(*Options)) error {
	p.mu.Lock()
	mutate(&p.current)
	snapshot := p.current
	p.mu.Unlock()

	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", p.path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("config: encoding %s: %w", p.path, err)
	}

	if p.bus != nil {
		p.bus.Emit(ChangedKind, Changed{Options: snapshot})
	}
	return nil
}

// Watch starts watching path for external changes, reloading and emitting
// ChangedKind on the bus whenever it does (successfully or not, so
// subscribers can surface a bad edit to the user). Stop ends the watch.
func (p *Provider) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watching %s: %w", p.path, err)
	}

	p.watcher = w
	p.done = make(chan struct{})
	go p.watchLoop()
	return nil
}

func (p *Provider) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != p.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			err := p.reload()
			if p.bus != nil {
				p.bus.Emit(ChangedKind, Changed{Options: p.Get(), Err: err})
			}
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop ends the file watch started by Watch. Safe to call even if Watch was
// never called.
func (p *Provider) Stop() {
	if p.watcher == nil {
		return
	}
	close(p.done)
	_ = p.watcher.Close()
	p.watcher = nil
}
