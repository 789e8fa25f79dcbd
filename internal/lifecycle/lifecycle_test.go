package lifecycle_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renxida/opus-orchestra-sub001/internal/container"
	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/events"
	"github.com/renxida/opus-orchestra-sub001/internal/lifecycle"
	"github.com/renxida/opus-orchestra-sub001/internal/termsession"
	"github.com/renxida/opus-orchestra-sub001/internal/tmux"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
	"github.com/renxida/opus-orchestra-sub001/internal/worktreestore"
)

// fakeContainers is an in-memory stand-in for container.Adapter that
// records calls instead of shelling out to docker.
type fakeContainers struct {
	mu        sync.Mutex
	created   []container.Definition
	destroyed []string
	nextID    int
}

func (f *fakeContainers) IsAvailable() bool { return true }

func (f *fakeContainers) Create(_ context.Context, def container.Definition, _ string, _ int, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, def)
	f.nextID++
	return "fake-container-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeContainers) Exec(context.Context, string, []string) (string, error) { return "", nil }

func (f *fakeContainers) Destroy(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

func (f *fakeContainers) Stats(context.Context, string) (container.Stats, error) {
	return container.Stats{}, nil
}

func (f *fakeContainers) ShellCommand(string) []string { return nil }

func (f *fakeContainers) CleanupByWorktree(context.Context, string) error { return nil }

// fakeIndex is the same minimal mutex-guarded index stand-in reconcile's own
// tests use, extended with RemoveWorker since only lifecycle deletes.
type fakeIndex struct {
	mu      sync.Mutex
	workers map[int]worker.Worker
}

func newFakeIndex(initial ...worker.Worker) *fakeIndex {
	idx := &fakeIndex{workers: make(map[int]worker.Worker)}
	for _, w := range initial {
		idx.workers[w.ID] = w
	}
	return idx
}

func (f *fakeIndex) GetWorkers() []worker.Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]worker.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}

func (f *fakeIndex) Upsert(w worker.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[w.ID] = w
	return nil
}

func (f *fakeIndex) Remove(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, id)
	return nil
}

func (f *fakeIndex) get(id int) (worker.Worker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	return w, ok
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

// newManager wires a Manager over a fresh repo and a fresh fakeIndex,
// skipping the test if git or tmux aren't available on the host running it.
func newManager(t *testing.T) (*lifecycle.Manager, *fakeIndex, *eventbus.Bus, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	tm := tmux.New()
	if !tm.IsAvailable() {
		t.Skip("tmux binary not available")
	}

	repo := initRepo(t)
	bus := eventbus.New()
	idx := newFakeIndex()
	sessions := termsession.New(tm, "lifecycletest", "")

	m := lifecycle.New(
		lifecycle.Config{RepoPath: repo},
		sessions,
		bus,
		idx.GetWorkers,
		idx.Upsert,
		idx.Remove,
		nil,
		nil,
		nil,
	)
	return m, idx, bus, repo
}

// TestCreateOneWorker reproduces spec.md §8 scenario 1's creation half
// literally.
func TestCreateOneWorker(t *testing.T) {
	m, idx, bus, repo := newManager(t)

	var created events.Created
	unsub := bus.Subscribe(events.WorkerCreated, func(p any) { created = p.(events.Created) })
	defer unsub()

	workers, err := m.Create(1, "")
	require.NoError(t, err)
	require.Len(t, workers, 1)

	w := workers[0]
	assert.Equal(t, "alpha", w.Name)
	assert.Equal(t, "claude-alpha", w.Branch)
	assert.Equal(t, worker.StatusIdle, w.Status)
	assert.Empty(t, w.PendingApproval)
	assert.Equal(t, worker.DiffStats{}, w.DiffStats)
	assert.Equal(t, worker.UnisolatedContainerRef, w.ContainerRef)

	wantPath := filepath.Join(repo, ".worktrees", "claude-alpha")
	assert.Equal(t, wantPath, w.WorktreePath)
	assert.FileExists(t, filepath.Join(wantPath, ".orchestra", "agent.json"))

	store := worktreestore.New()
	loaded, err := store.Load(wantPath)
	require.NoError(t, err)
	assert.Equal(t, w.ID, loaded.ID)
	assert.Equal(t, w.SessionID, loaded.SessionID)

	sessions := termsession.New(tmux.New(), "lifecycletest", "")
	sessionName := sessions.SessionName(w.SessionID)
	exists, err := sessions.Exists(sessionName)
	require.NoError(t, err)
	assert.True(t, exists)
	t.Cleanup(func() { _ = sessions.Kill(sessionName) })

	assert.Equal(t, w, created.Worker)
	got, ok := idx.get(w.ID)
	require.True(t, ok)
	assert.Equal(t, w, got)
}

func TestCreateAssignsSequentialIDsPastExisting(t *testing.T) {
	m, idx, _, repo := newManager(t)

	require.NoError(t, idx.Upsert(worker.Worker{
		ID: 5, SessionID: "seed", Name: "zulu", Branch: "claude-zulu",
		RepoPath: repo, WorktreePath: filepath.Join(repo, ".worktrees", "claude-zulu"),
		Status: worker.StatusIdle,
	}))

	workers, err := m.Create(2, "")
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, 6, workers[0].ID)
	assert.Equal(t, 7, workers[1].ID)
	// "zulu" is already used, so the generator must skip straight to "alpha".
	assert.Equal(t, "alpha", workers[0].Name)
	assert.Equal(t, "bravo", workers[1].Name)

	t.Cleanup(func() {
		sessions := termsession.New(tmux.New(), "lifecycletest", "")
		for _, w := range workers {
			_ = sessions.Kill(sessions.SessionName(w.SessionID))
		}
	})
}

func TestRenamePreservesSessionIDAndSession(t *testing.T) {
	m, idx, bus, repo := newManager(t)

	workers, err := m.Create(1, "")
	require.NoError(t, err)
	w := workers[0]
	sessions := termsession.New(tmux.New(), "lifecycletest", "")
	sessionName := sessions.SessionName(w.SessionID)
	t.Cleanup(func() { _ = sessions.Kill(sessionName) })

	var renamed events.Renamed
	unsub := bus.Subscribe(events.WorkerRenamed, func(p any) { renamed = p.(events.Renamed) })
	defer unsub()

	successor, err := m.Rename(w.ID, "bravo")
	require.NoError(t, err)

	assert.Equal(t, "bravo", successor.Name)
	assert.Equal(t, "claude-bravo", successor.Branch)
	assert.Equal(t, w.SessionID, successor.SessionID)
	assert.Equal(t, filepath.Join(repo, ".worktrees", "claude-bravo"), successor.WorktreePath)

	assert.NoDirExists(t, filepath.Join(repo, ".worktrees", "claude-alpha"))
	assert.FileExists(t, filepath.Join(successor.WorktreePath, ".orchestra", "agent.json"))

	// Session name is derived from session_id, not name, so it is unaffected
	// by the rename and the same session is still alive.
	exists, err := sessions.Exists(sessionName)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, "alpha", renamed.PreviousName)
	got, ok := idx.get(w.ID)
	require.True(t, ok)
	assert.Equal(t, "bravo", got.Name)
}

// TestDeleteWorkerCleansUpFully reproduces spec.md §8 scenario 3 literally.
func TestDeleteWorkerCleansUpFully(t *testing.T) {
	m, idx, bus, repo := newManager(t)

	workers, err := m.Create(1, "")
	require.NoError(t, err)
	w := workers[0]
	sessions := termsession.New(tmux.New(), "lifecycletest", "")
	sessionName := sessions.SessionName(w.SessionID)

	var deleted events.Deleted
	unsub := bus.Subscribe(events.WorkerDeleted, func(p any) { deleted = p.(events.Deleted) })
	defer unsub()

	var cleanedUp []int
	mWithCleanup := lifecycle.New(
		lifecycle.Config{RepoPath: repo},
		sessions,
		bus,
		idx.GetWorkers,
		idx.Upsert,
		idx.Remove,
		func(id int) { cleanedUp = append(cleanedUp, id) },
		nil,
		nil,
	)

	require.NoError(t, mWithCleanup.Delete(w.ID))
	_ = m // original manager unused past Create in this test

	assert.NoDirExists(t, w.WorktreePath)

	branches := runGit(t, repo, "branch", "--format=%(refname:short)")
	assert.NotContains(t, branches, "claude-alpha")

	exists, err := sessions.Exists(sessionName)
	require.NoError(t, err)
	assert.False(t, exists)

	_, ok := idx.get(w.ID)
	assert.False(t, ok)

	assert.Equal(t, w.ID, deleted.WorkerID)
	assert.Equal(t, []int{w.ID}, cleanedUp)
}

func TestDeleteUnknownWorkerErrors(t *testing.T) {
	m, _, _, _ := newManager(t)
	err := m.Delete(999)
	assert.ErrorIs(t, err, lifecycle.ErrWorkerNotFound)
}

func TestRenameUnknownWorkerErrors(t *testing.T) {
	m, _, _, _ := newManager(t)
	_, err := m.Rename(999, "ghost")
	assert.ErrorIs(t, err, lifecycle.ErrWorkerNotFound)
}

// TestCreateWithContainerRefUsesAdapter confirms a non-empty, non-unisolated
// container_ref routes through the container.Adapter's Create and that the
// returned container id becomes the worker's actual ContainerRef.
func TestCreateWithContainerRefUsesAdapter(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	tm := tmux.New()
	if !tm.IsAvailable() {
		t.Skip("tmux binary not available")
	}

	repo := initRepo(t)
	bus := eventbus.New()
	idx := newFakeIndex()
	sessions := termsession.New(tm, "lifecycletest", "")
	containers := &fakeContainers{}

	m := lifecycle.New(
		lifecycle.Config{RepoPath: repo, ContainerImage: "my-image:latest"},
		sessions,
		bus,
		idx.GetWorkers,
		idx.Upsert,
		idx.Remove,
		nil,
		containers,
		nil,
	)

	workers, err := m.Create(1, "docker")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	w := workers[0]
	t.Cleanup(func() { _ = sessions.Kill(sessions.SessionName(w.SessionID)) })

	assert.Equal(t, "fake-container-1", w.ContainerRef)
	require.Len(t, containers.created, 1)
	assert.Equal(t, "my-image:latest", containers.created[0].Image)

	require.NoError(t, m.Delete(w.ID))
	assert.Equal(t, []string{"fake-container-1"}, containers.destroyed)
}
