// Package termsession implements the TerminalSessionManager contract
// (§4.7): a thin broker over a tmux multiplexer, plus container-exec
// mirrors for sessions hosted inside an isolated container.
package termsession

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/renxida/opus-orchestra-sub001/internal/tmux"
)

// runArgs shells out to argv[0] with the remaining elements as arguments,
// discarding stdout but surfacing stderr on failure.
func runArgs(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DefaultSendDebounce is the pause between pasting literal text and sending
// Enter, long enough for tmux's line discipline to finish processing the
// paste before Enter arrives.
const DefaultSendDebounce = 500 * time.Millisecond

// Manager brokers terminal sessions for workers, naming them deterministically
// from a session prefix and the worker's session_id.
type Manager struct {
	tm       *tmux.Tmux
	prefix   string
	repoPath string
}

// New creates a Manager. prefix namespaces every session name this
// orchestrator instance creates (e.g. to avoid colliding with an unrelated
// tmux session on the same host). repoPath, if non-empty, enables
// defense-in-depth PID tracking: every CreateDetached records its pane's
// PID to a file under repoPath, and Kill clears it. An empty repoPath
// disables tracking.
func New(tm *tmux.Tmux, prefix, repoPath string) *Manager {
	return &Manager{tm: tm, prefix: prefix, repoPath: repoPath}
}

// SessionName derives the deterministic session name for a session_id:
// `<prefix>-<first 12 hex chars of session_id without dashes>`.
func (m *Manager) SessionName(sessionID string) string {
	clean := strings.ReplaceAll(sessionID, "-", "")
	if len(clean) < 12 {
		// Session ids are expected to carry enough entropy already; pad
		// deterministically via a hash so short or malformed ids still
		// produce a stable, fixed-width name instead of panicking.
		sum := sha1.Sum([]byte(sessionID))
		clean = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%s-%s", m.prefix, clean[:12])
}

// CreateDetached spawns a detached session at cwd if one doesn't already
// exist for sessionName. Idempotent: an existing session is a no-op.
func (m *Manager) CreateDetached(sessionName, cwd string) error {
	exists, err := m.Exists(sessionName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.tm.NewSession(sessionName, cwd); err != nil {
		return err
	}
	if m.repoPath != "" {
		_ = TrackSessionPID(m.repoPath, sessionName, m.tm)
	}
	return nil
}

// Exists reports whether sessionName is a currently running session.
func (m *Manager) Exists(sessionName string) (bool, error) {
	return m.tm.HasSession(sessionName)
}

// ListSessions returns all sessions whose name carries this Manager's
// prefix.
func (m *Manager) ListSessions() ([]string, error) {
	all, err := m.tm.ListSessions()
	if err != nil {
		return nil, err
	}
	var filtered []string
	for _, name := range all {
		if strings.HasPrefix(name, m.prefix+"-") {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// Kill terminates sessionName.
func (m *Manager) Kill(sessionName string) error {
	if m.repoPath != "" {
		UntrackSessionPID(m.repoPath, sessionName)
	}
	return m.tm.KillSession(sessionName)
}

// escapeSingleQuotes shell-escapes single quotes in text for contexts where
// the text is later wrapped in a single-quoted shell string: each `'`
// becomes `'\''` (close quote, escaped literal quote, reopen quote).
func escapeSingleQuotes(text string) string {
	return strings.ReplaceAll(text, "'", `'\''`)
}

// SendText writes text into sessionName's pane, shell-escaping single
// quotes, and presses Enter unless pressEnter is false.
func (m *Manager) SendText(sessionName, text string, pressEnter bool) error {
	escaped := escapeSingleQuotes(text)
	if !pressEnter {
		return m.tm.SendKeysLiteral(sessionName, escaped)
	}
	return m.tm.SendKeysDebounced(sessionName, escaped, DefaultSendDebounce)
}

// SetupAlias sends a shell alias definition wiring `oo` to invoke command
// with the worker's session_id, so a human attaching to the session can
// re-invoke the assistant with the right identity.
func (m *Manager) SetupAlias(sessionName, command, sessionID string) error {
	aliasDef := fmt.Sprintf(`alias oo='%s --session-id "%s"'`, command, sessionID)
	return m.tm.SendKeysDebounced(sessionName, aliasDef, DefaultSendDebounce)
}

// containerExecPrefix returns the argv prefix used to run a command inside
// containerID, with a timeout so a wedged container can't hang the caller.
func containerExecPrefix(containerID string, timeout time.Duration) []string {
	return []string{"timeout", fmt.Sprintf("%ds", int(timeout.Seconds())), "docker", "exec", "-i", containerID}
}

// ContainerTimeout bounds every container_* operation below, per §5's
// 2-second wall-clock bound on container operations.
const ContainerTimeout = 2 * time.Second

// ContainerSendText mirrors SendText but executes inside containerID via
// `docker exec`, rather than directly on the host's tmux server.
func (m *Manager) ContainerSendText(containerID, sessionName, text string, pressEnter bool) error {
	escaped := escapeSingleQuotes(text)
	args := append(containerExecPrefix(containerID, ContainerTimeout), "tmux", "send-keys", "-t", sessionName, "-l", escaped)
	if err := runArgs(args); err != nil {
		return err
	}
	if !pressEnter {
		return nil
	}
	time.Sleep(DefaultSendDebounce)
	enterArgs := append(containerExecPrefix(containerID, ContainerTimeout), "tmux", "send-keys", "-t", sessionName, "Enter")
	return runArgs(enterArgs)
}

// ContainerCreateDetached mirrors CreateDetached inside containerID.
func (m *Manager) ContainerCreateDetached(containerID, sessionName, cwd string) error {
	exists, err := m.ContainerExists(containerID, sessionName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	args := append(containerExecPrefix(containerID, ContainerTimeout), "tmux", "new-session", "-d", "-s", sessionName)
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	return runArgs(args)
}

// ContainerExists mirrors Exists inside containerID.
func (m *Manager) ContainerExists(containerID, sessionName string) (bool, error) {
	args := append(containerExecPrefix(containerID, ContainerTimeout), "tmux", "has-session", "-t", "="+sessionName)
	err := runArgs(args)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// ContainerKill mirrors Kill inside containerID.
func (m *Manager) ContainerKill(containerID, sessionName string) error {
	args := append(containerExecPrefix(containerID, ContainerTimeout), "tmux", "kill-session", "-t", sessionName)
	return runArgs(args)
}
