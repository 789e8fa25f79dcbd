// Package worktreestore persists one Worker's agent.json on disk next to its
// worktree, and scans a repo's worktree root to discover workers at startup
// (§4.4). Writes are atomic (temp file + rename) and serialized against
// other processes with a gofrs/flock file lock, mirroring the
// write-then-lock discipline used for other on-disk state in this domain.
package worktreestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// MetaDirName is the per-worktree directory holding orchestration metadata.
const MetaDirName = ".orchestra"

// MetaFileName is the JSON file inside MetaDirName holding a worker's
// persisted identity fields.
const MetaFileName = "agent.json"

// Store reads and writes agent.json files under worktree roots.
type Store struct{}

// New creates a Store.
func New() *Store { return &Store{} }

// WorktreePathFor returns the conventional worktree path for a worker name
// under a repo's worktrees root.
func WorktreePathFor(worktreesRoot, name string) string {
	return filepath.Join(worktreesRoot, name)
}

func metaPath(worktreePath string) string {
	return filepath.Join(worktreePath, MetaDirName, MetaFileName)
}

func lockPath(worktreePath string) string {
	return filepath.Join(worktreePath, MetaDirName, ".agent.json.lock")
}

// persisted is the on-disk shape of agent.json. Only identity and
// cross-process-durable fields are persisted; live status, todos and diff
// stats are runtime-derived and never round-tripped through this file.
type persisted struct {
	ID                  int             `json:"id"`
	SessionID           string          `json:"session_id"`
	Name                string          `json:"name"`
	Branch              string          `json:"branch"`
	RepoPath            string          `json:"repo_path"`
	WorktreePath        string          `json:"worktree_path"`
	ContainerRef        string          `json:"container_config_name,omitempty"`
	SessionStarted      bool            `json:"session_started,omitempty"`
	TaskFile            string          `json:"task_file,omitempty"`
	Extra               map[string]json.RawMessage `json:"-"`
}

// withLock acquires an exclusive flock on worktreePath's lock file, runs fn,
// and releases it. The lock directory is created if missing.
func withLock(worktreePath string, fn func() error) error {
	lp := lockPath(worktreePath)
	if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
		return fmt.Errorf("worktreestore: creating lock dir: %w", err)
	}
	fl := flock.New(lp)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("worktreestore: acquiring lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// Load reads a worker's agent.json, preserving any fields this version of
// the schema doesn't recognize in Worker.Extra so a later Save doesn't drop
// them.
func (s *Store) Load(worktreePath string) (worker.Worker, error) {
	var w worker.Worker
	var readErr error

	err := withLock(worktreePath, func() error {
		data, err := os.ReadFile(metaPath(worktreePath))
		if err != nil {
			readErr = err
			return nil
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			readErr = fmt.Errorf("worktreestore: parsing %s: %w", metaPath(worktreePath), err)
			return nil
		}

		var p persisted
		if err := json.Unmarshal(data, &p); err != nil {
			readErr = fmt.Errorf("worktreestore: parsing %s: %w", metaPath(worktreePath), err)
			return nil
		}

		for _, known := range []string{"id", "session_id", "name", "branch", "repo_path", "worktree_path", "container_config_name", "session_started", "task_file"} {
			delete(raw, known)
		}

		w = worker.Worker{
			ID:             p.ID,
			SessionID:      p.SessionID,
			Name:           p.Name,
			Branch:         p.Branch,
			RepoPath:       p.RepoPath,
			WorktreePath:   p.WorktreePath,
			ContainerRef:   p.ContainerRef,
			SessionStarted: p.SessionStarted,
			TaskFile:       p.TaskFile,
			Extra:          raw,
		}
		return nil
	})
	if err != nil {
		return worker.Worker{}, err
	}
	if readErr != nil {
		return worker.Worker{}, readErr
	}
	return w, nil
}

// Save writes w's persisted fields to agent.json atomically: it writes to a
// temp file in the same directory, then renames over the target, so readers
// never observe a partial write. The write is additionally serialized with
// an flock so two processes racing a Save can't interleave temp-file
// creation and rename.
func (s *Store) Save(w worker.Worker) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("worktreestore: refusing to save invalid worker: %w", err)
	}

	return withLock(w.WorktreePath, func() error {
		dir := filepath.Dir(metaPath(w.WorktreePath))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("worktreestore: creating meta dir: %w", err)
		}

		p := persisted{
			ID:             w.ID,
			SessionID:      w.SessionID,
			Name:           w.Name,
			Branch:         w.Branch,
			RepoPath:       w.RepoPath,
			WorktreePath:   w.WorktreePath,
			ContainerRef:   w.ContainerRef,
			SessionStarted: w.SessionStarted,
			TaskFile:       w.TaskFile,
		}

		merged := map[string]json.RawMessage{}
		for k, v := range w.Extra {
			merged[k] = v
		}

		known, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("worktreestore: marshaling: %w", err)
		}
		var knownMap map[string]json.RawMessage
		if err := json.Unmarshal(known, &knownMap); err != nil {
			return fmt.Errorf("worktreestore: remarshaling: %w", err)
		}
		for k, v := range knownMap {
			merged[k] = v
		}

		out, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("worktreestore: marshaling merged: %w", err)
		}

		return atomicWrite(metaPath(w.WorktreePath), out)
	})
}

// atomicWrite writes data to a temp file beside path and renames it into
// place, so a crash or concurrent reader never observes a half-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-agent-*.json")
	if err != nil {
		return fmt.Errorf("worktreestore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("worktreestore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("worktreestore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("worktreestore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("worktreestore: renaming into place: %w", err)
	}
	return nil
}

// ScanResult is one discovered worker entry from Scan.
type ScanResult struct {
	WorktreePath string
	Worker       worker.Worker
}

// Scan walks worktreesRoot one level deep and loads agent.json from any
// child directory whose name begins with prefix, for startup discovery, per
// §4.4's "keep only directories whose name begins with the worker prefix".
// A directory that matches the prefix but has no agent.json is silently
// skipped (not every orchestrator-prefixed directory need be fully
// provisioned). An empty prefix matches every directory. Results are
// ordered by worktree path for determinism.
func (s *Store) Scan(worktreesRoot, prefix string) ([]ScanResult, error) {
	entries, err := os.ReadDir(worktreesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worktreestore: reading %s: %w", worktreesRoot, err)
	}

	var results []ScanResult
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if prefix != "" && !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		wp := filepath.Join(worktreesRoot, e.Name())
		if _, err := os.Stat(metaPath(wp)); err != nil {
			continue
		}
		w, err := s.Load(wp)
		if err != nil {
			continue
		}
		results = append(results, ScanResult{WorktreePath: wp, Worker: w})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].WorktreePath < results[j].WorktreePath })
	return results, nil
}
