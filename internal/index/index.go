// Package index implements the worker index (§4.8): the in-memory
// `id -> Worker` map that sits between WorkerLifecycle, ReconciliationEngine,
// and the command-dispatch layer. Per §4.8 "get_workers is a closure
// returning the current index (so the engine does not own it)", the map
// itself lives here, outside reconcile.Engine and lifecycle.Manager, and is
// wired into both as GetWorkers/ApplyUpdate/UpsertWorker/RemoveWorker
// closures. Readers take Snapshot(), a shallow copy of the value set, so a
// concurrent mutation never tears an in-flight iteration.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/renxida/opus-orchestra-sub001/internal/worker"
	"github.com/renxida/opus-orchestra-sub001/internal/worktreestore"
)

// Index is the worker index. The zero value is not usable; use New.
type Index struct {
	mu      sync.RWMutex
	workers map[int]worker.Worker
}

// New creates an empty Index.
func New() *Index {
	return &Index{workers: make(map[int]worker.Worker)}
}

// Snapshot returns every worker currently in the index, ordered by id.
func (ix *Index) Snapshot() []worker.Worker {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]worker.Worker, 0, len(ix.workers))
	for _, w := range ix.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the worker with the given id.
func (ix *Index) Get(id int) (worker.Worker, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	w, ok := ix.workers[id]
	return w, ok
}

// Put installs w as the current value for its id, inserting or replacing.
func (ix *Index) Put(w worker.Worker) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.workers[w.ID] = w
	return nil
}

// Remove deletes id from the index. Removing an absent id is not an error.
func (ix *Index) Remove(id int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.workers, id)
	return nil
}

// Rehydrate populates the index at startup by scanning worktreesRoot for
// orchestrator-managed worktrees, per §4.4's "on start, populates the index
// from WorktreeStore by scanning the worktrees directory". prefix is the
// worker/branch prefix (e.g. "claude-"); directories not named with it are
// ignored even if they happen to carry an agent.json.
func (ix *Index) Rehydrate(store *worktreestore.Store, worktreesRoot, prefix string) error {
	results, err := store.Scan(worktreesRoot, prefix)
	if err != nil {
		return fmt.Errorf("index: scanning %s: %w", worktreesRoot, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, r := range results {
		ix.workers[r.Worker.ID] = r.Worker
	}
	return nil
}
