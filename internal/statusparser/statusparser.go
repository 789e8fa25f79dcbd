// Package statusparser resolves the newest status-hook file under a
// worktree's `.orchestra/status/` directory into a status/pending_approval
// delta (§4.5). It understands two wire formats: the JSON hook payload the
// assistant's own hook scripts emit, and a legacy bare-word plaintext form.
package statusparser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// StatusDirName is the per-worktree directory holding hook status files.
const StatusDirName = ".orchestra/status"

// Result is the parsed outcome of checking a worktree's status directory.
// Found is false when there is no status directory, it is empty, or the
// newest file's content does not map to any known status (§4.5 step 3/4,
// "otherwise null").
type Result struct {
	Found           bool
	Status          worker.Status
	PendingApproval string
	FileMTime       time.Time
}

// hookPayload is the JSON shape written by hook scripts.
type hookPayload struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	SessionID string          `json:"session_id"`
}

type toolInput struct {
	Command  string `json:"command"`
	FilePath string `json:"file_path"`
}

// Check resolves the current status for worktreePath. A missing or empty
// status directory, or a file whose content doesn't map to a known status,
// yields Result{Found: false}.
func Check(worktreePath string) (Result, error) {
	dir := filepath.Join(worktreePath, StatusDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var newestName string
	var newestMTime time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMTime) {
			newestMTime = info.ModTime()
			newestName = e.Name()
		}
	}
	if newestName == "" {
		return Result{}, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, newestName))
	if err != nil {
		return Result{}, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return parseHookJSON(trimmed, newestMTime), nil
	}
	return parseLegacy(trimmed, newestMTime), nil
}

func parseHookJSON(raw string, mtime time.Time) Result {
	var p hookPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Result{}
	}

	if p.ToolName != "" {
		ctx := extractContext(p.ToolName, p.ToolInput)
		pending := p.ToolName
		if ctx != "" {
			pending = p.ToolName + ": " + ctx
		}
		return Result{
			Found:           true,
			Status:          worker.StatusWaitingApproval,
			PendingApproval: pending,
			FileMTime:       mtime,
		}
	}

	if p.SessionID != "" {
		return Result{
			Found:     true,
			Status:    worker.StatusWorking,
			FileMTime: mtime,
		}
	}

	return Result{}
}

// extractContext returns the context suffix for a given tool's pending
// approval string, per §4.5 step 3: the command for Bash, the file_path for
// Write/Edit, empty otherwise.
func extractContext(toolName string, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var in toolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return ""
	}
	switch toolName {
	case "Bash":
		return in.Command
	case "Write", "Edit":
		return in.FilePath
	default:
		return ""
	}
}

func parseLegacy(raw string, mtime time.Time) Result {
	switch strings.ToLower(raw) {
	case "working":
		return Result{Found: true, Status: worker.StatusWorking, FileMTime: mtime}
	case "waiting":
		return Result{Found: true, Status: worker.StatusWaitingInput, FileMTime: mtime}
	case "stopped":
		return Result{Found: true, Status: worker.StatusStopped, FileMTime: mtime}
	default:
		return Result{}
	}
}
