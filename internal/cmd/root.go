// Package cmd implements the orchd command-line interface: Cobra commands
// wiring WorkerLifecycle, ReconciliationEngine and their adapters together.
// Structured after the teacher's own internal/cmd package: one file per
// command (or command group), a shared bootstrap, cobra.Command{RunE: ...}.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/renxida/opus-orchestra-sub001/internal/config"
	"github.com/renxida/opus-orchestra-sub001/internal/container"
	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/index"
	"github.com/renxida/opus-orchestra-sub001/internal/lifecycle"
	"github.com/renxida/opus-orchestra-sub001/internal/orchlog"
	"github.com/renxida/opus-orchestra-sub001/internal/platform"
	"github.com/renxida/opus-orchestra-sub001/internal/reconcile"
	"github.com/renxida/opus-orchestra-sub001/internal/storage"
	"github.com/renxida/opus-orchestra-sub001/internal/termsession"
	"github.com/renxida/opus-orchestra-sub001/internal/tmux"
	"github.com/renxida/opus-orchestra-sub001/internal/todosource"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
	"github.com/renxida/opus-orchestra-sub001/internal/worktreestore"
)

var repoFlag string

var rootCmd = &cobra.Command{
	Use:          "orchd",
	Short:        "Orchestrate concurrent coding-assistant workers over Git worktrees",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "repository root (default: current directory)")
}

// Execute runs the command tree and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// app bundles every adapter a command needs, wired around one repository.
type app struct {
	repoPath string
	bus      *eventbus.Bus
	cfg      *config.Provider
	log      *orchlog.Sink
	idx      *index.Index
	store    *worktreestore.Store
	sessions *termsession.Manager
	tm       *tmux.Tmux
	lc       *lifecycle.Manager
	engine   *reconcile.Engine
	plat     *platform.Platform
	kv       *storage.Store
}

// Close releases any resources newApp opened that outlive a single command
// invocation.
func (a *app) Close() {
	if a.kv != nil {
		_ = a.kv.Close()
	}
}

func worktreesRoot(repoPath string, opts config.Options) string {
	return filepath.Join(repoPath, opts.WorktreeSubdir)
}

// newApp wires every adapter together for repoPath and rehydrates the
// worker index from disk, per §4.4's startup scan.
func newApp() (*app, error) {
	repoPath := repoFlag
	if repoPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cmd: resolving working directory: %w", err)
		}
		repoPath = cwd
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("cmd: resolving %s: %w", repoPath, err)
	}
	repoPath = abs

	bus := eventbus.New()

	configPath := filepath.Join(repoPath, ".orchestra", "config.toml")
	cfg, err := config.New(configPath, bus)
	if err != nil {
		return nil, fmt.Errorf("cmd: loading config: %w", err)
	}
	opts := cfg.Get()

	level := orchlog.Info
	switch opts.LogLevel {
	case "debug":
		level = orchlog.Debug
	case "warn":
		level = orchlog.Warn
	case "error":
		level = orchlog.Error
	}
	logSink := orchlog.New(level, 500)
	logSink.Attach(os.Stderr)

	store := worktreestore.New()
	idx := index.New()
	wtRoot := worktreesRoot(repoPath, opts)
	branchPrefix := opts.WorkerPrefix + "-"
	if err := idx.Rehydrate(store, wtRoot, branchPrefix); err != nil {
		return nil, fmt.Errorf("cmd: rehydrating worker index: %w", err)
	}

	tm := tmux.New()
	sessions := termsession.New(tm, opts.SessionPrefix, repoPath)

	// updateMu is the single update_mutex (§5) shared between the
	// reconciliation engine and the lifecycle manager so a status/diff/todo
	// tick can never interleave with a Create/Rename/Delete against idx.
	updateMu := &sync.Mutex{}

	engine := reconcile.New(bus, todosource.New(), logSink.StdLogger(), updateMu)

	var containers container.Adapter = container.Unisolated{}
	if dockerExec := (container.DockerExec{}); dockerExec.IsAvailable() {
		containers = dockerExec
	}

	lc := lifecycle.New(lifecycle.Config{
		RepoPath:       repoPath,
		WorktreeSubdir: opts.WorktreeSubdir,
		BranchPrefix:   branchPrefix,
		AssetsDir:      opts.CoordinationPath,
		ContainerImage: opts.ContainerImage,
	}, sessions, bus, idx.Snapshot, idx.Put, idx.Remove, engine.CleanupWorker, containers, updateMu)

	orchestraDir := filepath.Join(repoPath, ".orchestra")
	if err := os.MkdirAll(orchestraDir, 0o755); err != nil {
		return nil, fmt.Errorf("cmd: creating %s: %w", orchestraDir, err)
	}

	kv, err := storage.Open(filepath.Join(orchestraDir, "state.db"))
	if err != nil {
		logSink.Warnf("cmd: opening preferences store: %v (continuing without it)", err)
		kv = nil
	}

	return &app{
		repoPath: repoPath,
		bus:      bus,
		cfg:      cfg,
		log:      logSink,
		idx:      idx,
		store:    store,
		sessions: sessions,
		tm:       tm,
		lc:       lc,
		engine:   engine,
		plat:     platform.New(),
		kv:       kv,
	}, nil
}

// applyWorkerUpdate is the ApplyUpdate the reconciliation engine calls with
// each successor Worker value: update the in-memory index, then persist.
func (a *app) applyWorkerUpdate(w worker.Worker) error {
	if err := a.idx.Put(w); err != nil {
		return err
	}
	return a.store.Save(w)
}

// reconcileConfig maps the loaded Options onto reconcile.Config.
func (a *app) reconcileConfig() reconcile.Config {
	opts := a.cfg.Get()
	return reconcile.Config{
		StatusBackupPoll: time.Duration(opts.StatusPollIntervalMS) * time.Millisecond,
		DiffBackupPoll:   time.Duration(opts.DiffPollIntervalMS) * time.Millisecond,
	}
}
