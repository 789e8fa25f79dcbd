// Package todosource implements the optional TodoSource adapter reconcile.Engine
// polls: "reads a per-session todo file from the assistant's own storage"
// (§4.8). The todo entry shape (status/content/activeForm) follows
// other_examples' wandb-catnip worktree_state_manager.go's models.Todo
// fields; the file's location is this orchestrator's own convention (no
// retrieved example pins down where Claude Code's assistant process itself
// writes its todo file, only the JSON shape of an entry), chosen to live
// alongside the coordination assets lifecycle.copyCoordinationAssets already
// places under a worktree's .claude/ directory.
package todosource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// RelativePath is where a worker's todo list is expected inside its
// worktree.
const RelativePath = ".claude/todos.json"

// FileSource reads todos.json inside a worktree's .claude directory.
type FileSource struct{}

// New creates a FileSource.
func New() *FileSource { return &FileSource{} }

type rawTodo struct {
	Status     string `json:"status"`
	Content    string `json:"content"`
	ActiveForm string `json:"activeForm"`
}

// Todos returns worktreePath's current todo sequence. A missing file is not
// an error: it simply means the assistant hasn't written one yet, and is
// reported as an empty sequence.
func (s *FileSource) Todos(worktreePath string) ([]worker.Todo, error) {
	path := filepath.Join(worktreePath, RelativePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("todosource: reading %s: %w", path, err)
	}

	var raw []rawTodo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("todosource: parsing %s: %w", path, err)
	}

	todos := make([]worker.Todo, len(raw))
	for i, r := range raw {
		todos[i] = worker.Todo{
			Status:     worker.TodoStatus(r.Status),
			Content:    r.Content,
			ActiveForm: r.ActiveForm,
		}
	}
	return todos, nil
}
