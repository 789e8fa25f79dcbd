// Package lifecycle implements WorkerLifecycle (§4.9): the only component
// permitted to create, rename and destroy workers. Every operation holds the
// update_mutex shared with the reconciliation engine (injected via New), so
// reconciliation never observes a worker mid-creation or mid-teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/renxida/opus-orchestra-sub001/internal/container"
	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/events"
	"github.com/renxida/opus-orchestra-sub001/internal/gitops"
	"github.com/renxida/opus-orchestra-sub001/internal/termsession"
	"github.com/renxida/opus-orchestra-sub001/internal/tmux"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
	"github.com/renxida/opus-orchestra-sub001/internal/worktreestore"
)

// ErrWorkerNotFound is returned by Rename and Delete when id isn't in the
// worker index.
var ErrWorkerNotFound = errors.New("lifecycle: worker not found")

// GetWorkers returns a point-in-time snapshot of the worker index.
type GetWorkers func() []worker.Worker

// UpsertWorker inserts or replaces w in the index.
type UpsertWorker func(w worker.Worker) error

// RemoveWorker deletes id from the index.
type RemoveWorker func(id int) error

// CleanupWorker tears down any per-worker state the reconciliation engine
// owns (its fsm.Machine, watched paths). May be nil.
type CleanupWorker func(id int)

// Config carries the repo-rooted paths and naming conventions a Manager
// needs; corresponds to the Config adapter's worker_prefix/worktree_subdir
// options (§6).
type Config struct {
	// RepoPath is the base repository Create branches worktrees from.
	RepoPath string
	// WorktreeSubdir is the directory (relative to RepoPath) worktrees are
	// created under. Default ".worktrees".
	WorktreeSubdir string
	// BranchPrefix is prepended to a generated name to form a branch, e.g.
	// "claude-" + "alpha" = "claude-alpha". Default "claude-".
	BranchPrefix string
	// AssetsDir, if non-empty, is copied into every new/renamed worktree per
	// copyCoordinationAssets.
	AssetsDir string
	// ContainerImage is passed to the container adapter's Create for any
	// worker whose container_ref isn't worker.UnisolatedContainerRef.
	ContainerImage string
}

func (c Config) withDefaults() Config {
	if c.WorktreeSubdir == "" {
		c.WorktreeSubdir = ".worktrees"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "claude-"
	}
	return c
}

// Manager is WorkerLifecycle. The zero value is not usable; use New.
type Manager struct {
	cfg Config

	git        *gitops.Git
	store      *worktreestore.Store
	sessions   *termsession.Manager
	bus        *eventbus.Bus
	containers container.Adapter

	getWorkers    GetWorkers
	upsertWorker  UpsertWorker
	removeWorker  RemoveWorker
	cleanupWorker CleanupWorker

	// mu is the single per-engine update_mutex (§5), shared with
	// reconcile.Engine (injected via New) so no reconciliation tick ever
	// interleaves with a Create/Rename/Delete against the same worker index.
	mu *sync.Mutex
}

// New creates a Manager. containers selects the isolation runtime new
// workers are created under; a nil containers defaults to container.Unisolated{}.
// updateMu is the update_mutex (§5) guarding worker-index mutation; pass the
// same *sync.Mutex given to reconcile.New. A nil updateMu allocates one of
// its own, for callers (tests) that never wire a reconcile.Engine alongside.
func New(cfg Config, sessions *termsession.Manager, bus *eventbus.Bus, getWorkers GetWorkers, upsertWorker UpsertWorker, removeWorker RemoveWorker, cleanupWorker CleanupWorker, containers container.Adapter, updateMu *sync.Mutex) *Manager {
	cfg = cfg.withDefaults()
	if containers == nil {
		containers = container.Unisolated{}
	}
	if updateMu == nil {
		updateMu = &sync.Mutex{}
	}
	return &Manager{
		cfg:           cfg,
		git:           gitops.New(cfg.RepoPath),
		store:         worktreestore.New(),
		sessions:      sessions,
		bus:           bus,
		containers:    containers,
		getWorkers:    getWorkers,
		upsertWorker:  upsertWorker,
		removeWorker:  removeWorker,
		cleanupWorker: cleanupWorker,
		mu:            updateMu,
	}
}

func (m *Manager) worktreesRoot() string {
	return filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeSubdir)
}

func usedNames(workers []worker.Worker) map[string]bool {
	used := make(map[string]bool, len(workers))
	for _, w := range workers {
		used[w.Name] = true
	}
	return used
}

func maxID(workers []worker.Worker) int {
	max := -1
	for _, w := range workers {
		if w.ID > max {
			max = w.ID
		}
	}
	return max
}

func findByID(workers []worker.Worker, id int) (worker.Worker, bool) {
	for _, w := range workers {
		if w.ID == id {
			return w, true
		}
	}
	return worker.Worker{}, false
}

// Create resolves n available names and, for each, creates a branch and
// worktree, copies coordination assets, persists metadata, starts a detached
// terminal session, and indexes the worker, per §4.9 create. containerRef
// may be empty, in which case worker.UnisolatedContainerRef is used.
//
// If any worker in the batch fails, Create returns the workers successfully
// created so far alongside the error — callers decide whether to roll those
// back or keep them.
func (m *Manager) Create(n int, containerRef string) ([]worker.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if containerRef == "" {
		containerRef = worker.UnisolatedContainerRef
	}

	workers := m.getWorkers()
	names := NextAvailable(usedNames(workers), n)
	nextID := maxID(workers) + 1

	base, err := m.git.BaseBranch()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resolving base branch: %w", err)
	}

	created := make([]worker.Worker, 0, n)
	for k, name := range names {
		w, err := m.createOne(nextID+k, name, containerRef, base)
		if err != nil {
			return created, fmt.Errorf("lifecycle: creating worker %q: %w", name, err)
		}
		created = append(created, w)
	}
	return created, nil
}

func (m *Manager) createOne(id int, name, containerRef, base string) (worker.Worker, error) {
	branch := m.cfg.BranchPrefix + name
	worktreePath := worktreestore.WorktreePathFor(m.worktreesRoot(), branch)
	sessionID := uuid.NewString()

	if err := m.git.WorktreeAddFromRef(worktreePath, branch, base); err != nil {
		return worker.Worker{}, fmt.Errorf("creating worktree: %w", err)
	}
	if err := copyCoordinationAssets(m.cfg.AssetsDir, worktreePath); err != nil {
		return worker.Worker{}, err
	}
	if err := ensureGitignorePatterns(worktreePath); err != nil {
		return worker.Worker{}, err
	}

	if containerRef != worker.UnisolatedContainerRef {
		containerID, err := m.containers.Create(context.Background(), container.Definition{Image: m.cfg.ContainerImage}, worktreePath, id, sessionID)
		if err != nil {
			return worker.Worker{}, fmt.Errorf("creating container: %w", err)
		}
		containerRef = containerID
	}

	w := worker.Worker{
		ID:           id,
		SessionID:    sessionID,
		Name:         name,
		Branch:       branch,
		RepoPath:     m.cfg.RepoPath,
		WorktreePath: worktreePath,
		ContainerRef: containerRef,
		Status:       worker.StatusIdle,
	}
	w = w.WithStatusIcon(worker.StatusIcon(w.Status, true))
	if err := w.Validate(); err != nil {
		return worker.Worker{}, fmt.Errorf("validating new worker: %w", err)
	}
	if err := m.store.Save(w); err != nil {
		return worker.Worker{}, fmt.Errorf("saving metadata: %w", err)
	}

	sessionName := m.sessions.SessionName(sessionID)
	if err := m.sessions.CreateDetached(sessionName, worktreePath); err != nil {
		return worker.Worker{}, fmt.Errorf("creating session: %w", err)
	}

	if err := m.upsertWorker(w); err != nil {
		return worker.Worker{}, fmt.Errorf("indexing worker: %w", err)
	}

	m.bus.Emit(events.WorkerCreated, events.Created{Worker: w})
	return w, nil
}

// Rename renames id's branch and worktree to newName, per §4.9 rename.
// session_id — and so the terminal session — is untouched: the session name
// is derived from session_id, never from the worker's display name, so
// renaming never needs to touch the multiplexer.
func (m *Manager) Rename(id int, newName string) (worker.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := findByID(m.getWorkers(), id)
	if !ok {
		return worker.Worker{}, fmt.Errorf("%w: id %d", ErrWorkerNotFound, id)
	}
	if newName == w.Name {
		return w, nil
	}

	newBranch := m.cfg.BranchPrefix + newName
	newWorktreePath := worktreestore.WorktreePathFor(m.worktreesRoot(), newBranch)

	if err := m.git.RenameBranch(w.Branch, newBranch); err != nil {
		return worker.Worker{}, fmt.Errorf("renaming branch: %w", err)
	}

	// Destroy-then-recreate is acceptable per §4.9: the branch already
	// carries every commit the worker made, so rebuilding the worktree at
	// the new path from the (now renamed) branch tip loses nothing durable.
	if err := m.git.WorktreeRemove(w.WorktreePath); err != nil {
		return worker.Worker{}, fmt.Errorf("removing old worktree: %w", err)
	}
	if err := m.git.WorktreeAddFromRef(newWorktreePath, newBranch, newBranch); err != nil {
		return worker.Worker{}, fmt.Errorf("recreating worktree: %w", err)
	}
	if err := copyCoordinationAssets(m.cfg.AssetsDir, newWorktreePath); err != nil {
		return worker.Worker{}, err
	}
	if err := ensureGitignorePatterns(newWorktreePath); err != nil {
		return worker.Worker{}, err
	}

	successor := w.WithIdentity(newName, newBranch, newWorktreePath)
	if err := m.store.Save(successor); err != nil {
		return worker.Worker{}, fmt.Errorf("saving metadata: %w", err)
	}
	if err := m.upsertWorker(successor); err != nil {
		return worker.Worker{}, fmt.Errorf("indexing worker: %w", err)
	}

	m.bus.Emit(events.WorkerRenamed, events.Renamed{Worker: successor, PreviousName: w.Name})
	return successor, nil
}

// Delete tears down id fully: kills its session, removes and prunes its
// worktree, deletes its branch, drops its state machine, and removes it from
// the index, per §4.9 delete.
func (m *Manager) Delete(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := findByID(m.getWorkers(), id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrWorkerNotFound, id)
	}

	sessionName := m.sessions.SessionName(w.SessionID)
	if err := m.sessions.Kill(sessionName); err != nil &&
		!errors.Is(err, tmux.ErrSessionNotFound) && !errors.Is(err, tmux.ErrNoServer) {
		return fmt.Errorf("lifecycle: killing session: %w", err)
	}

	if w.ContainerRef != worker.UnisolatedContainerRef && w.ContainerRef != "" {
		if err := m.containers.Destroy(context.Background(), w.ContainerRef); err != nil {
			return fmt.Errorf("lifecycle: destroying container: %w", err)
		}
	}

	if err := m.git.WorktreeRemove(w.WorktreePath); err != nil {
		return fmt.Errorf("lifecycle: removing worktree: %w", err)
	}
	if err := m.git.DeleteBranch(w.Branch); err != nil {
		return fmt.Errorf("lifecycle: deleting branch: %w", err)
	}

	if m.cleanupWorker != nil {
		m.cleanupWorker(id)
	}
	if err := m.removeWorker(id); err != nil {
		return fmt.Errorf("lifecycle: removing from index: %w", err)
	}

	m.bus.Emit(events.WorkerDeleted, events.Deleted{WorkerID: id})
	return nil
}
