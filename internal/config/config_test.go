package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renxida/opus-orchestra-sub001/internal/config"
	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
)

func TestNewWithMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	p, err := config.New(path, nil)
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), p.Get())
}

func TestNewLoadsRecognizedKeysAndKeepsDefaultsForUnset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_prefix = "opus"
status_poll_interval_ms = 1000
`), 0o644))

	p, err := config.New(path, nil)
	require.NoError(t, err)

	got := p.Get()
	assert.Equal(t, "opus", got.WorkerPrefix)
	assert.Equal(t, 1000, got.StatusPollIntervalMS)
	assert.Equal(t, config.Defaults().WorktreeSubdir, got.WorktreeSubdir)
}

func TestUnrecognizedKeysDoNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_prefix = "opus"
some_future_option = "whatever"
`), 0o644))

	_, err := config.New(path, nil)
	assert.NoError(t, err)
}

func TestUpdatePersistsAndEmitsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	bus := eventbus.New()
	p, err := config.New(path, bus)
	require.NoError(t, err)

	ch := make(chan config.Changed, 1)
	unsub := bus.Subscribe(config.ChangedKind, func(payload any) { ch <- payload.(config.Changed) })
	defer unsub()

	require.NoError(t, p.Update(func(o *config.Options) { o.LogLevel = "debug" }))
	assert.Equal(t, "debug", p.Get().LogLevel)

	select {
	case c := <-ch:
		assert.Equal(t, "debug", c.Options.LogLevel)
		assert.NoError(t, c.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for config:changed")
	}

	reloaded, err := config.New(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", reloaded.Get().LogLevel)
}

func TestWatchReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "info"`), 0o644))

	bus := eventbus.New()
	p, err := config.New(path, bus)
	require.NoError(t, err)
	require.NoError(t, p.Watch())
	defer p.Stop()

	ch := make(chan config.Changed, 4)
	unsub := bus.Subscribe(config.ChangedKind, func(payload any) { ch <- payload.(config.Changed) })
	defer unsub()

	require.NoError(t, os.WriteFile(path, []byte(`log_level = "warn"`), 0o644))

	select {
	case c := <-ch:
		assert.NoError(t, c.Err)
		assert.Equal(t, "warn", c.Options.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for external config change to be observed")
	}
	assert.Equal(t, "warn", p.Get().LogLevel)
}
