// Package worker defines the central data model: the immutable Worker value
// and the small types it is built from.
package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a worker. It always mirrors the current
// state of that worker's fsm.Machine.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusWorking          Status = "working"
	StatusWaitingInput     Status = "waiting-input"
	StatusWaitingApproval  Status = "waiting-approval"
	StatusStopped          Status = "stopped"
	StatusError            Status = "error"
)

// UnisolatedContainerRef is the sentinel container_ref meaning "no isolation".
const UnisolatedContainerRef = "unisolated"

// TodoStatus is the state of a single todo item reported by the assistant.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one entry in a worker's ordered todo list.
type Todo struct {
	Status     TodoStatus `json:"status"`
	Content    string     `json:"content"`
	ActiveForm string     `json:"active_form,omitempty"`
}

// TodosEqual compares two todo sequences field-wise, in order.
func TodosEqual(a, b []Todo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Status != b[i].Status || a[i].Content != b[i].Content || a[i].ActiveForm != b[i].ActiveForm {
			return false
		}
	}
	return true
}

// DiffStats summarizes a worktree's divergence from its base branch.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// Equal reports whether two DiffStats carry the same counts.
func (d DiffStats) Equal(o DiffStats) bool {
	return d == o
}

// Paths carries the two path conventions a Worker needs: one suitable for
// local filesystem I/O ("fs"), one suitable for commands sent into a
// terminal session ("terminal") — they differ under WSL/cross-OS setups.
type Paths struct {
	FS       string `json:"-"`
	Terminal string `json:"-"`
}

// Worker is the central, immutable entity. Every mutation produces a new
// value; nothing here is ever mutated in place after construction.
type Worker struct {
	ID                  int        `json:"id"`
	SessionID           string     `json:"session_id"`
	Name                string     `json:"name"`
	Branch              string     `json:"branch"`
	RepoPath            string     `json:"repo_path"`
	WorktreePath        string     `json:"worktree_path"`
	Status              Status     `json:"-"` // derived/runtime, not persisted directly
	PendingApproval     string     `json:"-"`
	Todos               []Todo     `json:"-"`
	DiffStats           DiffStats  `json:"-"`
	LastInteractionTime time.Time  `json:"-"`
	ContainerRef        string     `json:"container_config_name,omitempty"`
	SessionStarted      bool       `json:"session_started,omitempty"`
	TaskFile            string     `json:"task_file,omitempty"`
	StatusIcon          string     `json:"-"`

	// Extra preserves unknown fields read from agent.json so that a
	// save-after-load round trip does not silently drop them.
	Extra map[string]json.RawMessage `json:"-"`
}

// with returns a shallow copy of w; callers chain WithX helpers to produce a
// successor value without mutating w.
func (w Worker) with() Worker {
	cp := w
	// Todos is a slice; copy it so neither value aliases mutable backing array.
	if w.Todos != nil {
		cp.Todos = make([]Todo, len(w.Todos))
		copy(cp.Todos, w.Todos)
	}
	return cp
}

// WithStatus returns a successor Worker with status, pending_approval and
// last_interaction_time updated. Invariant: pending must be empty unless
// status is StatusWaitingApproval.
func (w Worker) WithStatus(status Status, pending string, at time.Time) Worker {
	cp := w.with()
	cp.Status = status
	cp.PendingApproval = pending
	cp.LastInteractionTime = at
	return cp
}

// WithTodos returns a successor Worker with a replaced todo list.
func (w Worker) WithTodos(todos []Todo) Worker {
	cp := w.with()
	cp.Todos = append([]Todo(nil), todos...)
	return cp
}

// WithDiffStats returns a successor Worker with replaced diff stats.
func (w Worker) WithDiffStats(d DiffStats) Worker {
	cp := w.with()
	cp.DiffStats = d
	return cp
}

// WithStatusIcon returns a successor Worker with a recomputed status icon.
func (w Worker) WithStatusIcon(icon string) Worker {
	cp := w.with()
	cp.StatusIcon = icon
	return cp
}

// WithIdentity returns a successor Worker after a rename: name, branch and
// worktree path change; session_id is preserved (never reused across renames
// because it is not derived from the name).
func (w Worker) WithIdentity(name, branch, worktreePath string) Worker {
	cp := w.with()
	cp.Name = name
	cp.Branch = branch
	cp.WorktreePath = worktreePath
	return cp
}

// Validate checks the structural invariants §3 requires of a Worker, apart
// from uniqueness (which only the index as a whole can check).
func (w Worker) Validate() error {
	if w.ID < 0 {
		return fmt.Errorf("worker: negative id %d", w.ID)
	}
	if w.Name == "" {
		return fmt.Errorf("worker: empty name")
	}
	if w.SessionID == "" {
		return fmt.Errorf("worker: empty session_id")
	}
	if w.Branch == "" {
		return fmt.Errorf("worker: empty branch")
	}
	if w.WorktreePath == "" {
		return fmt.Errorf("worker: empty worktree_path")
	}
	if w.RepoPath == "" {
		return fmt.Errorf("worker: empty repo_path")
	}
	if (w.PendingApproval != "") != (w.Status == StatusWaitingApproval) {
		return fmt.Errorf("worker %d: pending_approval %q inconsistent with status %q", w.ID, w.PendingApproval, w.Status)
	}
	return nil
}

// StatusIcon derives the display icon purely from (status, hasTerminal), per
// §4.8. For idle, the icon depends on whether a terminal is attached; other
// states map fixed.
func StatusIcon(status Status, hasTerminal bool) string {
	switch status {
	case StatusIdle:
		if hasTerminal {
			return "○"
		}
		return "·"
	case StatusWorking:
		return "●"
	case StatusWaitingInput:
		return "?"
	case StatusWaitingApproval:
		return "!"
	case StatusStopped:
		return "■"
	case StatusError:
		return "✕"
	default:
		return " "
	}
}
