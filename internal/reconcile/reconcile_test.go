package reconcile_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renxida/opus-orchestra-sub001/internal/events"
	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/reconcile"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// fakeIndex is a minimal, mutex-guarded stand-in for the orchestrator's
// worker index, exercising the GetWorkers/ApplyUpdate contract the engine
// is built against.
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

func (f *fakeIndex) ApplyUpdate(w worker.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[w.ID] = w
	return nil
}

func (f *fakeIndex) get(id int) worker.Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[id]
}

// waitForEvent subscribes kind on bus and blocks until a matching payload
// arrives or timeout elapses.
func waitForEvent(t *testing.T, bus *eventbus.Bus, kind eventbus.Kind, timeout time.Duration) any {
	t.Helper()
	ch := make(chan any, 4)
	unsub := bus.Subscribe(kind, func(payload any) {
		ch <- payload
	})
	defer unsub()

	select {
	case p := <-ch:
		return p
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event %q", kind)
		return nil
	}
}

func baseWorker(t *testing.T, worktreePath string) worker.Worker {
	t.Helper()
	require.NoError(t, os.MkdirAll(worktreePath, 0o755))
	return worker.Worker{
		ID:           1,
		SessionID:    "sess-1",
		Name:         "alpha",
		Branch:       "claude-alpha",
		RepoPath:     worktreePath,
		WorktreePath: worktreePath,
		Status:       worker.StatusIdle,
	}
}

func writeStatusFile(t *testing.T, worktreePath, content string) {
	t.Helper()
	dir := filepath.Join(worktreePath, ".orchestra", "status")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1"), []byte(content), 0o644))
}

func TestStartIsIdempotent(t *testing.T) {
	bus := eventbus.New()
	e := reconcile.New(bus, nil, nil, nil)
	idx := newFakeIndex()

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{StatusBackupPoll: 20 * time.Millisecond}))
	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{}))
	assert.True(t, e.IsPolling())

	e.Stop()
	assert.False(t, e.IsPolling())
}

func TestStopIsIdempotent(t *testing.T) {
	bus := eventbus.New()
	e := reconcile.New(bus, nil, nil, nil)
	idx := newFakeIndex()

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{}))
	e.Stop()
	e.Stop() // must not panic or block
	assert.False(t, e.IsPolling())
}

func TestStatusReconciliationEmitsStatusChangedThenApprovalPending(t *testing.T) {
	root := t.TempDir()
	bus := eventbus.New()
	e := reconcile.New(bus, nil, nil, nil)
	idx := newFakeIndex(baseWorker(t, root))

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{StatusBackupPoll: 20 * time.Millisecond}))
	defer e.Stop()

	writeStatusFile(t, root, `{"tool_name":"Bash","tool_input":{"command":"npm test"}}`)

	payload := waitForEvent(t, bus, events.WorkerStatusChanged, 2*time.Second)
	sc, ok := payload.(events.StatusChanged)
	require.True(t, ok)
	assert.Equal(t, worker.StatusIdle, sc.PreviousStatus)
	assert.Equal(t, worker.StatusWaitingApproval, sc.Worker.Status)
	assert.Equal(t, "Bash: npm test", sc.Worker.PendingApproval)

	approvalPayload := waitForEvent(t, bus, events.ApprovalPending, 2*time.Second)
	ap, ok := approvalPayload.(events.ApprovalPendingPayload)
	require.True(t, ok)
	assert.Equal(t, 1, ap.Approval.WorkerID)

	assert.Equal(t, worker.StatusWaitingApproval, idx.get(1).Status)
}

func TestInvalidTransitionEmitsErrorRecoverableNotStatusChanged(t *testing.T) {
	root := t.TempDir()
	bus := eventbus.New()
	e := reconcile.New(bus, nil, nil, nil)
	idx := newFakeIndex(baseWorker(t, root)) // status=idle

	var gotStatusChanged bool
	unsub := bus.Subscribe(events.WorkerStatusChanged, func(any) { gotStatusChanged = true })
	defer unsub()

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{StatusBackupPoll: 20 * time.Millisecond}))
	defer e.Stop()

	// idle -> waiting-input is rejected: REQUEST_INPUT is only allowed from working.
	writeStatusFile(t, root, "waiting")

	payload := waitForEvent(t, bus, events.ErrorRecoverable, 2*time.Second)
	errPayload, ok := payload.(eventbus.ErrorRecoverable)
	require.True(t, ok)
	assert.Equal(t, "INVALID_STATE_TRANSITION", errPayload.Code)
	assert.Equal(t, "REQUEST_INPUT", errPayload.Context["event"])

	time.Sleep(50 * time.Millisecond)
	assert.False(t, gotStatusChanged)
	assert.Equal(t, worker.StatusIdle, idx.get(1).Status)
}

type fakeTodoSource struct {
	mu    sync.Mutex
	todos []worker.Todo
}

func (f *fakeTodoSource) Todos(string) ([]worker.Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.todos, nil
}

func (f *fakeTodoSource) set(todos []worker.Todo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.todos = todos
}

func TestTodosPollerEmitsTodosChanged(t *testing.T) {
	root := t.TempDir()
	bus := eventbus.New()
	todos := &fakeTodoSource{}
	e := reconcile.New(bus, todos, nil, nil)
	idx := newFakeIndex(baseWorker(t, root))

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{TodoPollInterval: 20 * time.Millisecond}))
	defer e.Stop()

	todos.set([]worker.Todo{{Status: worker.TodoInProgress, Content: "write tests"}})

	payload := waitForEvent(t, bus, events.WorkerTodosChanged, 2*time.Second)
	tc, ok := payload.(events.TodosChanged)
	require.True(t, ok)
	require.Len(t, tc.Worker.Todos, 1)
	assert.Equal(t, "write tests", tc.Worker.Todos[0].Content)
	assert.Empty(t, tc.PreviousTodos)
}

func TestTodosPollerDisabledWithoutSource(t *testing.T) {
	bus := eventbus.New()
	e := reconcile.New(bus, nil, nil, nil)
	idx := newFakeIndex(baseWorker(t, t.TempDir()))

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{TodoPollInterval: 10 * time.Millisecond}))
	time.Sleep(50 * time.Millisecond)
	e.Stop() // must not hang or panic even with no TodoSource
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestDiffStatsPrimerEmitsDiffStatsChanged(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)
	bus := eventbus.New()
	e := reconcile.New(bus, nil, nil, nil)
	idx := newFakeIndex(baseWorker(t, repo))

	require.NoError(t, e.Start(idx.GetWorkers, idx.ApplyUpdate, reconcile.Config{DiffBackupPoll: -1}))
	defer e.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(repo, "new.txt"), []byte("hello\nworld\n"), 0o644))
	// git diff --shortstat counts tracked changes only, so stage the new file.
	runGit(t, repo, "add", "new.txt")

	payload := waitForEvent(t, bus, events.WorkerDiffStatsChanged, 3*time.Second)
	dc, ok := payload.(events.DiffStatsChanged)
	require.True(t, ok)
	assert.Equal(t, worker.DiffStats{}, dc.PreviousDiffStats)
	assert.Equal(t, 1, dc.Worker.DiffStats.FilesChanged)
}
