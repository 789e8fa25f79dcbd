package watch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renxida/opus-orchestra-sub001/internal/watch"
)

func newTestWatcher(t *testing.T, cfg watch.Config) *watch.Watcher {
	t.Helper()
	w, err := watch.New(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func TestNativeEventIsDeliveredAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, watch.Config{DebounceInterval: 20 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	// WriteFile creates then writes the file inside one debounce window, and
	// the collapsed event keeps the most recent kind.
	select {
	case ev := <-w.Events():
		assert.Equal(t, watch.EventChange, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for native event")
	}
}

func TestFileWriteAfterCreateEmitsChange(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, watch.Config{DebounceInterval: 20 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	file := filepath.Join(dir, "a.txt")
	// Create the file without writing to it, so the first event is a bare add.
	f, err := os.Create(file)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Eventually(t, func() bool {
		select {
		case ev := <-w.Events():
			return ev.Kind == watch.EventAdd
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "expected the create to be observed first")

	require.NoError(t, os.WriteFile(file, []byte("xy"), 0o644))
	select {
	case ev := <-w.Events():
		assert.Equal(t, watch.EventChange, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestDirectoryCreateEmitsAddDir(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, watch.Config{DebounceInterval: 20 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	select {
	case ev := <-w.Events():
		assert.Equal(t, watch.EventAddDir, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for add_dir event")
	}
}

func TestFileRemoveEmitsUnlink(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	w := newTestWatcher(t, watch.Config{DebounceInterval: 20 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	require.NoError(t, os.Remove(file))

	select {
	case ev := <-w.Events():
		assert.Equal(t, watch.EventUnlink, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unlink event")
	}
}

func TestDirectoryRemoveEmitsUnlinkDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	w := newTestWatcher(t, watch.Config{DebounceInterval: 20 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	require.NoError(t, os.Remove(sub))

	select {
	case ev := <-w.Events():
		assert.Equal(t, watch.EventUnlinkDir, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unlink_dir event")
	}
}

func TestBurstOfWritesCollapsesToOneEvent(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, watch.Config{DebounceInterval: 100 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	file := filepath.Join(dir, "a.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	count := 0
	timeout := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case <-w.Events():
			count++
		case <-timeout:
			break drain
		}
	}
	assert.Equal(t, 1, count, "rapid writes to the same path should debounce to a single event")
}

func TestPollTickerFiresRegardlessOfNativeActivity(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, watch.Config{PollInterval: 20 * time.Millisecond, DebounceInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	select {
	case ev := <-w.Events():
		assert.Equal(t, watch.EventPoll, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll event")
	}
}

func TestIsHealthyTrueBeforeFirstNativeEvent(t *testing.T) {
	w := newTestWatcher(t, watch.Config{})
	assert.True(t, w.IsHealthy())
}

func TestIsHealthyFalseAfterWindowElapsesWithNoNativeEvents(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, watch.Config{HealthCheckInterval: 30 * time.Millisecond, DebounceInterval: 5 * time.Millisecond, PollInterval: time.Hour})
	require.NoError(t, w.AddPath(dir))
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.Eventually(t, func() bool {
		select {
		case <-w.Events():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !w.IsHealthy()
	}, time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotentAndClearsDebounce(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New(watch.Config{})
	require.NoError(t, err)
	require.NoError(t, w.AddPath(dir))
	w.Start()

	require.NotPanics(t, func() {
		w.Stop()
		w.Stop()
	})
}

func TestRemovePathUnknownIsNoop(t *testing.T) {
	w := newTestWatcher(t, watch.Config{})
	assert.NoError(t, w.RemovePath(filepath.Join(t.TempDir(), "never-added")))
}
