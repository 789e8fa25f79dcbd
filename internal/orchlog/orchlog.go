// Package orchlog is the orchestrator's logging sink: a leveled log writer
// that buffers into a bounded ring buffer until a consumer (a dashboard, an
// attached terminal) calls Attach, so nothing logged before anything is
// watching is silently lost. No structured-logging library (zap, zerolog,
// slog) appears anywhere in the retrieved example pack's first-party code —
// every repo reaches for stdlib `log` plus ad hoc color-coded printers
// (`internal/rig/overlay.go`'s `style.PrintWarning`, `internal/cmd/krc.go`'s
// `style.Warning.Render`/`style.Success.Render`), so this package follows
// that convention rather than reaching outside the pack's own stack.
package orchlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Level orders log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "?"
	}
}

var (
	debugStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	infoStyle  = lipgloss.NewStyle()
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func styleFor(l Level) lipgloss.Style {
	switch l {
	case Debug:
		return debugStyle
	case Warn:
		return warnStyle
	case Error:
		return errorStyle
	default:
		return infoStyle
	}
}

// entry is one buffered log line.
type entry struct {
	at    time.Time
	level Level
	msg   string
}

// Sink is a leveled log writer. The zero value is not usable; use New.
type Sink struct {
	mu      sync.Mutex
	minimum Level
	out     io.Writer
	ring    []entry
	ringCap int
	dropped int
}

// New creates a Sink logging at minimum level or above, retaining up to
// ringCap lines of backlog for a later Attach. ringCap <= 0 defaults to 500.
func New(minimum Level, ringCap int) *Sink {
	if ringCap <= 0 {
		ringCap = 500
	}
	return &Sink{minimum: minimum, ringCap: ringCap}
}

// Attach replays the current backlog to w, then streams every subsequent
// log line to w as well as keeping it in the ring buffer.
func (s *Sink) Attach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ring {
		fmt.Fprintln(w, s.render(e))
	}
	s.out = w
}

// Detach stops streaming to the previously attached writer; logging
// continues into the ring buffer only.
func (s *Sink) Detach() {
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
}

// Dropped returns the number of backlog lines evicted from the ring buffer
// because it was full, whether or not a writer was attached at the time.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Snapshot returns the currently buffered lines, rendered, oldest first.
func (s *Sink) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ring))
	for i, e := range s.ring {
		out[i] = s.render(e)
	}
	return out
}

func (s *Sink) render(e entry) string {
	return fmt.Sprintf("%s %s %s", e.at.Format(time.RFC3339), styleFor(e.level).Render(e.level.String()), e.msg)
}

func (s *Sink) log(level Level, format string, args ...any) {
	if level < s.minimum {
		return
	}
	e := entry{at: time.Now(), level: level, msg: fmt.Sprintf(format, args...)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) >= s.ringCap {
		s.ring = s.ring[1:]
		s.dropped++
	}
	s.ring = append(s.ring, e)
	if s.out != nil {
		fmt.Fprintln(s.out, s.render(e))
	}
}

func (s *Sink) Debugf(format string, args ...any) { s.log(Debug, format, args...) }
func (s *Sink) Infof(format string, args ...any)  { s.log(Info, format, args...) }
func (s *Sink) Warnf(format string, args ...any)  { s.log(Warn, format, args...) }
func (s *Sink) Errorf(format string, args ...any) { s.log(Error, format, args...) }

// stdWriter adapts a Sink to io.Writer so it can back a *log.Logger: every
// line written (stripped of its trailing newline) becomes one Info entry.
type stdWriter struct{ s *Sink }

func (w stdWriter) Write(p []byte) (int, error) {
	w.s.log(Info, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// StdLogger returns a *log.Logger backed by this Sink, for components
// (reconcile.Engine, lifecycle.Manager) written against the stdlib logging
// interface the teacher's own code uses throughout.
func (s *Sink) StdLogger() *log.Logger {
	return log.New(stdWriter{s}, "", 0)
}

// Fallback is a package-level Sink usable before any orchestrator-specific
// Sink has been constructed (e.g. during flag parsing in cmd/orchd, before
// config is loaded). It streams straight to stderr since there is no
// backlog consumer to wait for yet.
var Fallback = func() *Sink {
	s := New(Info, 200)
	s.Attach(os.Stderr)
	return s
}()
