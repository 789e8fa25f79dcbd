package termsession

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/renxida/opus-orchestra-sub001/internal/tmux"
)

// pidStartTimeFunc is overridden in tests.
var pidStartTimeFunc = processStartTime

type trackedPID struct {
	PID       int
	StartTime string
}

// pidsDir returns the directory holding PID tracking files for repoPath.
func pidsDir(repoPath string) string {
	return filepath.Join(repoPath, ".orchestra", "pids")
}

func pidFile(repoPath, sessionName string) string {
	return filepath.Join(pidsDir(repoPath), sessionName+".pid")
}

// TrackSessionPID captures a session's pane PID and records it to a tracking
// file. This is defense-in-depth: if a session dies unexpectedly and
// tmux kill-session can't reach its children (e.g. reparented to init),
// the tracking file still lets cleanup find and terminate them. Best-effort:
// errors are returned but callers should treat them as non-fatal.
func TrackSessionPID(repoPath, sessionName string, t *tmux.Tmux) error {
	pidStr, err := t.GetPanePID(sessionName)
	if err != nil {
		return fmt.Errorf("termsession: getting pane pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil {
		return fmt.Errorf("termsession: parsing pane pid %q: %w", pidStr, err)
	}
	return trackPID(repoPath, sessionName, pid)
}

func trackPID(repoPath, sessionName string, pid int) error {
	dir := pidsDir(repoPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("termsession: creating pids dir: %w", err)
	}
	record := strconv.Itoa(pid)
	if start, err := pidStartTimeFunc(pid); err == nil && start != "" {
		record = fmt.Sprintf("%d|%s", pid, start)
	}
	return os.WriteFile(pidFile(repoPath, sessionName), []byte(record+"\n"), 0o644)
}

// UntrackSessionPID removes a session's tracking file, called once its
// session has been killed through the normal tmux path.
func UntrackSessionPID(repoPath, sessionName string) {
	_ = os.Remove(pidFile(repoPath, sessionName))
}

// KillOrphanedPIDs reads every tracking file under repoPath and terminates
// any process still alive, skipping any whose start time no longer matches
// the recorded one (the original PID was reused by an unrelated process).
// Returns the number of processes killed and a description of any that
// could not be verified or killed.
func KillOrphanedPIDs(repoPath string) (killed int, problems []string) {
	dir := pidsDir(repoPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, []string{fmt.Sprintf("reading pids dir: %v", err)}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		sessionName := strings.TrimSuffix(entry.Name(), ".pid")
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: read error: %v", sessionName, err))
			continue
		}

		record, err := parseTrackedPID(strings.TrimSpace(string(data)))
		if err != nil {
			_ = os.Remove(path)
			continue
		}

		proc, err := os.FindProcess(record.PID)
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			_ = os.Remove(path)
			continue
		}

		if record.StartTime != "" {
			currentStart, err := pidStartTimeFunc(record.PID)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s (PID %d): cannot verify start time: %v", sessionName, record.PID, err))
				continue
			}
			if currentStart != record.StartTime {
				_ = os.Remove(path)
				continue
			}
		}

		if err := proc.Signal(syscall.SIGTERM); err != nil {
			problems = append(problems, fmt.Sprintf("%s (PID %d): SIGTERM failed: %v", sessionName, record.PID, err))
		} else {
			killed++
		}
		_ = os.Remove(path)
	}

	return killed, problems
}

func parseTrackedPID(value string) (trackedPID, error) {
	if value == "" {
		return trackedPID{}, fmt.Errorf("empty pid record")
	}
	parts := strings.SplitN(value, "|", 2)
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return trackedPID{}, err
	}
	record := trackedPID{PID: pid}
	if len(parts) == 2 {
		record.StartTime = parts[1]
	}
	return record, nil
}

// processStartTime returns a process's start time via ps(1), used to guard
// against PID reuse between tracking a session and later killing it.
func processStartTime(pid int) (string, error) {
	cmd := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid))
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
