// Package reconcile implements the ReconciliationEngine (§4.8): the
// scheduler that keeps the in-memory Worker index synchronized with
// observed reality (status hook files, Git diff stats, todo lists) via
// three independent pollers and a single serializing lock, following the
// teacher's context.CancelFunc + sync.WaitGroup + idempotent Start/Stop
// idiom (internal/feed/curator.go, internal/witness/manager.go).
package reconcile

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/events"
	"github.com/renxida/opus-orchestra-sub001/internal/fsm"
	"github.com/renxida/opus-orchestra-sub001/internal/gitops"
	"github.com/renxida/opus-orchestra-sub001/internal/statusparser"
	"github.com/renxida/opus-orchestra-sub001/internal/watch"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// TodoSource reads the current todo sequence for a worktree. Optional: a
// nil TodoSource disables the todos poller entirely.
type TodoSource interface {
	Todos(worktreePath string) ([]worker.Todo, error)
}

// excludedDiffSegments are path components that never warrant a diff-stats
// recheck when they change — mirrors .gitignore-adjacent churn that isn't
// the worker's own edits.
var excludedDiffSegments = []string{string(filepath.Separator) + ".git", string(filepath.Separator) + "node_modules", string(filepath.Separator) + ".orchestra"}

// Config controls poller timing. Zero values fall back to the defaults
// named in §4.8.
type Config struct {
	// StatusBackupPoll is the FileWatcher's own backup poll interval for
	// status files. Default 5s.
	StatusBackupPoll time.Duration
	// TodoPollInterval is the todos poller's ticker period. Default 2s.
	TodoPollInterval time.Duration
	// DiffBackupPoll is the diff-stats poller's backup ticker period.
	// Default 60s. A negative value disables the backup tick entirely
	// (native/poll-via-watcher events still drive diff-stats checks).
	DiffBackupPoll time.Duration
	// DiffDebounce is the debounce window for the diff-stats watcher,
	// deliberately longer than the status watcher's since diff checks are
	// comparatively expensive Git invocations. Default 5s.
	DiffDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.StatusBackupPoll <= 0 {
		c.StatusBackupPoll = 5 * time.Second
	}
	if c.TodoPollInterval <= 0 {
		c.TodoPollInterval = 2 * time.Second
	}
	if c.DiffBackupPoll == 0 {
		c.DiffBackupPoll = 60 * time.Second
	}
	if c.DiffDebounce <= 0 {
		c.DiffDebounce = 5 * time.Second
	}
	return c
}

// GetWorkers returns a point-in-time snapshot of the worker index.
type GetWorkers func() []worker.Worker

// ApplyUpdate persists a successor Worker value into the index.
type ApplyUpdate func(worker.Worker) error

// Engine is the ReconciliationEngine. The zero value is not usable; use New.
type Engine struct {
	bus    *eventbus.Bus
	todos  TodoSource
	logger *log.Logger

	// updateMu is the single per-engine lock spec §5 calls update_mutex. It is
	// shared with lifecycle.Manager (injected via New) so a reconciliation
	// tick and a Create/Rename/Delete never interleave against the same
	// worker index.
	updateMu *sync.Mutex

	machinesMu sync.Mutex
	machines   map[int]*fsm.Machine[worker.Status]

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	getWorkers  GetWorkers
	applyUpdate ApplyUpdate
	cfg         Config

	statusWatcher *watch.Watcher
	diffWatcher   *watch.Watcher

	watchedMu sync.Mutex
	watched   map[int]string // worker id -> worktree path currently registered with the watchers
}

// New creates an Engine. todos may be nil to disable todo polling. logger
// may be nil, in which case log.Default() is used. updateMu is the
// update_mutex (§5) guarding worker-index mutation; pass the same
// *sync.Mutex given to lifecycle.New so ticks and Create/Rename/Delete
// serialize against each other. A nil updateMu allocates one of its own,
// for callers (tests) that never wire a lifecycle.Manager alongside.
func New(bus *eventbus.Bus, todos TodoSource, logger *log.Logger, updateMu *sync.Mutex) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if updateMu == nil {
		updateMu = &sync.Mutex{}
	}
	return &Engine{
		bus:      bus,
		todos:    todos,
		logger:   logger,
		updateMu: updateMu,
		machines: make(map[int]*fsm.Machine[worker.Status]),
		watched:  make(map[int]string),
	}
}

// IsPolling reports whether Start has been called and Stop has not.
func (e *Engine) IsPolling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Start launches the three pollers. Idempotent: a second call while already
// running is a no-op and returns nil.
func (e *Engine) Start(getWorkers GetWorkers, applyUpdate ApplyUpdate, cfg Config) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	statusWatcher, err := watch.New(watch.Config{PollInterval: cfg.StatusBackupPoll})
	if err != nil {
		e.mu.Unlock()
		cancel()
		return err
	}
	diffWatcher, err := watch.New(watch.Config{PollInterval: cfg.DiffBackupPoll, DebounceInterval: cfg.DiffDebounce})
	if err != nil {
		e.mu.Unlock()
		cancel()
		_ = statusWatcher.Stop()
		return err
	}

	e.getWorkers = getWorkers
	e.applyUpdate = applyUpdate
	e.cfg = cfg
	e.cancel = cancel
	e.statusWatcher = statusWatcher
	e.diffWatcher = diffWatcher
	e.started = true
	e.mu.Unlock()

	statusWatcher.Start()
	diffWatcher.Start()
	e.syncWatchedPaths(getWorkers())

	e.wg.Add(3)
	go e.runStatusPoller(ctx)
	go e.runDiffPoller(ctx)
	go e.runTodosPoller(ctx)

	return nil
}

// Stop cancels all pollers, waits for them to exit and tears down the
// watchers. Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	statusWatcher := e.statusWatcher
	diffWatcher := e.diffWatcher
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	statusWatcher.Stop()
	diffWatcher.Stop()
}

// machineFor returns the fsm.Machine tracking id, creating one (ForceState'd
// to initial) on first observation.
func (e *Engine) machineFor(id int, initial worker.Status) *fsm.Machine[worker.Status] {
	e.machinesMu.Lock()
	defer e.machinesMu.Unlock()
	m, ok := e.machines[id]
	if !ok {
		m = fsm.New(fsm.WorkerConfig(nil, nil))
		m.ForceState(initial)
		e.machines[id] = m
	}
	return m
}

// CleanupWorker drops the fsm.Machine tracking id, for use when a worker is
// deleted (§4.8 cleanup_worker).
func (e *Engine) CleanupWorker(id int) {
	e.machinesMu.Lock()
	delete(e.machines, id)
	e.machinesMu.Unlock()

	e.watchedMu.Lock()
	delete(e.watched, id)
	e.watchedMu.Unlock()
}

// syncWatchedPaths adds each worker's worktree to both watchers (idempotent)
// and drops paths for workers no longer present.
func (e *Engine) syncWatchedPaths(workers []worker.Worker) {
	e.watchedMu.Lock()
	defer e.watchedMu.Unlock()

	current := make(map[int]string, len(workers))
	for _, w := range workers {
		current[w.ID] = w.WorktreePath
		if prev, ok := e.watched[w.ID]; !ok || prev != w.WorktreePath {
			// Watch the worktree root, not just .orchestra/status: the
			// status directory may not exist yet at registration time, and
			// AddPath's recursive fsnotify.Add would simply fail on a
			// missing path. Watching the root lets onNativeEvent's
			// newly-created-directory handling grow the watch as
			// .orchestra/status gets created later.
			_ = e.statusWatcher.AddPath(w.WorktreePath)
			_ = e.diffWatcher.AddPath(w.WorktreePath)
		}
	}
	for id, path := range e.watched {
		if _, ok := current[id]; !ok {
			_ = e.statusWatcher.RemovePath(path)
			_ = e.diffWatcher.RemovePath(path)
		}
	}
	e.watched = current
}

func isExcludedDiffPath(path string) bool {
	sep := string(filepath.Separator)
	for _, seg := range excludedDiffSegments {
		// Match whole components only, so ".gitignore" is not taken for ".git".
		if strings.Contains(path+sep, seg+sep) {
			return true
		}
	}
	return false
}

// runStatusPoller reconciles status for every worker whenever the status
// watcher reports an event (native or its own embedded backup poll).
func (e *Engine) runStatusPoller(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.statusWatcher.Events():
			e.reconcileAllStatus(ctx)
		}
	}
}

// reconcileAllStatus runs the §4.8 status-reconciliation transaction for
// every worker, holding updateMu across the entire batch (per §4.8's literal
// "Acquire the mutex … for each worker … Release the mutex") rather than
// re-acquiring it per worker, so a lifecycle Create/Rename/Delete can never
// interleave with a tick mid-batch.
func (e *Engine) reconcileAllStatus(ctx context.Context) {
	workers := e.getWorkers()
	e.syncWatchedPaths(workers)

	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	for _, w := range workers {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.reconcileStatus(w)
	}
}

// reconcileStatus runs the compute-apply-emit sequence for a single worker.
// Callers must hold updateMu.
func (e *Engine) reconcileStatus(w worker.Worker) {
	res, err := statusparser.Check(w.WorktreePath)
	if err != nil {
		e.logger.Printf("reconcile: status check failed for worker %d: %v", w.ID, err)
		return
	}
	if !res.Found {
		return
	}

	m := e.machineFor(w.ID, w.Status)
	if m.Current() != w.Status {
		e.logger.Printf("reconcile: worker %d state drift, resyncing machine from %v to %v", w.ID, m.Current(), w.Status)
		m.ForceState(w.Status)
	}

	ev, hasEvent := fsm.EventForDelta(m.Current(), res.Status)
	if !hasEvent {
		return
	}

	wasPendingApproval := w.Status == worker.StatusWaitingApproval
	if err := m.Transition(ev); err != nil {
		var invalid *fsm.InvalidTransitionError[worker.Status]
		errors.As(err, &invalid)
		e.bus.Emit(events.ErrorRecoverable, eventbus.ErrorRecoverable{
			Source:       "reconcile",
			Code:         "INVALID_STATE_TRANSITION",
			Message:      err.Error(),
			Context:      map[string]any{"worker_id": w.ID, "event": string(ev)},
			OriginalKind: events.WorkerStatusChanged,
		})
		return
	}

	now := time.Now()
	successor := w.WithStatus(m.Current(), res.PendingApproval, now)
	successor = successor.WithStatusIcon(worker.StatusIcon(successor.Status, true))

	if err := e.applyUpdate(successor); err != nil {
		e.logger.Printf("reconcile: applying status update for worker %d failed: %v", w.ID, err)
		return
	}

	e.bus.Emit(events.WorkerStatusChanged, events.StatusChanged{Worker: successor, PreviousStatus: w.Status})

	if successor.Status == worker.StatusWaitingApproval && !wasPendingApproval {
		e.bus.Emit(events.ApprovalPending, events.ApprovalPendingPayload{Approval: events.Approval{
			WorkerID:    w.ID,
			Description: successor.PendingApproval,
			Timestamp:   now,
		}})
	}
}

// runDiffPoller reconciles diff stats for every worker on each watcher
// event (filtered to exclude .git/node_modules/.orchestra churn), on the
// configurable backup ticker, and once after an initial priming delay.
func (e *Engine) runDiffPoller(ctx context.Context) {
	defer e.wg.Done()

	var backup <-chan time.Time
	if e.cfg.DiffBackupPoll > 0 {
		ticker := time.NewTicker(e.cfg.DiffBackupPoll)
		defer ticker.Stop()
		backup = ticker.C
	}

	// Initial priming tick: fires once shortly after Start so a freshly
	// created worker's diff stats populate without waiting a full
	// DiffBackupPoll interval. Scheduled via AfterFunc so it cannot block
	// Start.
	primer := make(chan struct{}, 1)
	primerTimer := time.AfterFunc(time.Second, func() {
		select {
		case primer <- struct{}{}:
		default:
		}
	})
	defer primerTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.diffWatcher.Events():
			if isExcludedDiffPath(ev.Path) {
				continue
			}
			e.reconcileAllDiffStats(ctx)
		case <-backup:
			e.reconcileAllDiffStats(ctx)
		case <-primer:
			e.reconcileAllDiffStats(ctx)
		}
	}
}

// reconcileAllDiffStats holds updateMu across the entire worker batch, per
// the documented trade-off: the interval is long (>= 60s default) so an
// atomic, consistent snapshot for display is worth the serialization.
func (e *Engine) reconcileAllDiffStats(ctx context.Context) {
	workers := e.getWorkers()
	e.syncWatchedPaths(workers)

	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	for _, w := range workers {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.reconcileDiffStats(ctx, w)
	}
}

func (e *Engine) reconcileDiffStats(ctx context.Context, w worker.Worker) {
	g := gitops.New(w.WorktreePath)
	base, err := g.BaseBranch()
	if err != nil {
		e.logger.Printf("reconcile: resolving base branch for worker %d failed: %v", w.ID, err)
		return
	}

	result := g.DiffStats(ctx, base)
	if !result.OK {
		e.bus.Emit(events.ErrorRecoverable, eventbus.ErrorRecoverable{
			Source:       "reconcile",
			Code:         result.Code,
			Message:      result.Message,
			Context:      map[string]any{"worker_id": w.ID},
			OriginalKind: events.WorkerDiffStatsChanged,
		})
		return
	}

	newStats := worker.DiffStats{
		FilesChanged: result.Value.FilesChanged,
		Insertions:   result.Value.Insertions,
		Deletions:    result.Value.Deletions,
	}
	if newStats.Equal(w.DiffStats) {
		return
	}

	successor := w.WithDiffStats(newStats)
	if err := e.applyUpdate(successor); err != nil {
		e.logger.Printf("reconcile: applying diff-stats update for worker %d failed: %v", w.ID, err)
		return
	}
	e.bus.Emit(events.WorkerDiffStatsChanged, events.DiffStatsChanged{Worker: successor, PreviousDiffStats: w.DiffStats})
}

// runTodosPoller reconciles todos on a plain ticker; no FileWatcher backs
// this poller since todo files have no standard location to watch.
func (e *Engine) runTodosPoller(ctx context.Context) {
	defer e.wg.Done()
	if e.todos == nil {
		return
	}

	ticker := time.NewTicker(e.cfg.TodoPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workers := e.getWorkers()
			e.updateMu.Lock()
			for _, w := range workers {
				select {
				case <-ctx.Done():
					e.updateMu.Unlock()
					return
				default:
				}
				e.reconcileTodos(w)
			}
			e.updateMu.Unlock()
		}
	}
}

// reconcileTodos reconciles a single worker's todos. Callers must hold
// updateMu.
func (e *Engine) reconcileTodos(w worker.Worker) {
	todos, err := e.todos.Todos(w.WorktreePath)
	if err != nil {
		e.logger.Printf("reconcile: reading todos for worker %d failed: %v", w.ID, err)
		return
	}
	if worker.TodosEqual(todos, w.Todos) {
		return
	}

	successor := w.WithTodos(todos)
	if err := e.applyUpdate(successor); err != nil {
		e.logger.Printf("reconcile: applying todos update for worker %d failed: %v", w.ID, err)
		return
	}
	e.bus.Emit(events.WorkerTodosChanged, events.TodosChanged{Worker: successor, PreviousTodos: w.Todos})
}
