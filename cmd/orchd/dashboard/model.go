// Package dashboard is a minimal Bubble Tea TUI subscriber over the
// orchestrator's worker index and event bus: a reference UI alongside the
// `orchd` CLI, not part of the core engine.
package dashboard

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/renxida/opus-orchestra-sub001/internal/events"
	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/storage"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// scrollOffsetKey is the storage.Store key the dashboard's last scroll
// position is remembered under, so reopening it returns to where the user
// left off. Purely a convenience; a missing or unavailable store just means
// every session starts scrolled to the top.
const scrollOffsetKey = "dashboard.scroll_offset"

// lastFocusedKey is the storage.Store key the id of the last-selected worker
// is remembered under, per spec.md's example orchestrator-level preference.
const lastFocusedKey = "dashboard.last_focused_worker_id"

// Snapshot returns the current worker set; the model polls it on a tick
// and re-renders whenever the bus reports a change.
type Snapshot func() []worker.Worker

// keyMap is the dashboard's key bindings.
type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Up      key.Binding
	Down    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c")),
		Refresh: key.NewBinding(key.WithKeys("r")),
		Up:      key.NewBinding(key.WithKeys("up", "k")),
		Down:    key.NewBinding(key.WithKeys("down", "j")),
	}
}

// Model is the dashboard's bubbletea model: one scrollable viewport listing
// workers, refreshed on a 2s tick and on every worker:* bus event.
type Model struct {
	snapshot Snapshot
	bus      *eventbus.Bus
	prefs    *storage.Store

	width, height int
	vp            viewport.Model
	keys          keyMap

	workers  []worker.Worker
	selected int

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewModel creates a dashboard model. snapshot supplies worker state on
// demand; bus, if non-nil, is subscribed for worker:* events to trigger an
// immediate refresh between ticks. prefs, if non-nil, remembers the
// viewport's scroll position across invocations; a nil or unavailable prefs
// just means every session starts scrolled to the top.
func NewModel(snapshot Snapshot, bus *eventbus.Bus, prefs *storage.Store) *Model {
	return &Model{
		snapshot: snapshot,
		bus:      bus,
		prefs:    prefs,
		vp:       viewport.New(0, 0),
		keys:     defaultKeyMap(),
		done:     make(chan struct{}),
	}
}

type refreshMsg struct{}
type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) listenForBus() tea.Cmd {
	if m.bus == nil {
		return nil
	}
	ch := make(chan struct{}, 1)
	for _, kind := range []eventbus.Kind{
		events.WorkerCreated, events.WorkerDeleted, events.WorkerRenamed,
		events.WorkerStatusChanged, events.WorkerTodosChanged, events.WorkerDiffStatsChanged,
	} {
		m.bus.Subscribe(kind, func(any) {
			select {
			case ch <- struct{}{}:
			default:
			}
		})
	}
	return func() tea.Msg {
		select {
		case <-ch:
			return refreshMsg{}
		case <-m.done:
			return nil
		}
	}
}

// Init starts the refresh tick and (if wired) the bus listener, restoring
// the last remembered scroll position and focused worker.
func (m *Model) Init() tea.Cmd {
	m.refresh()
	if m.prefs != nil && m.prefs.Available() {
		if v, err := m.prefs.Get(scrollOffsetKey, "0"); err == nil {
			if off, err := strconv.Atoi(v); err == nil {
				m.mu.Lock()
				m.vp.SetYOffset(off)
				m.mu.Unlock()
			}
		}
		if v, err := m.prefs.Get(lastFocusedKey, ""); err == nil && v != "" {
			if id, err := strconv.Atoi(v); err == nil {
				m.mu.Lock()
				for i, w := range m.workers {
					if w.ID == id {
						m.selected = i
						break
					}
				}
				m.vp.SetContent(renderTable(m.workers, m.selected))
				m.mu.Unlock()
			}
		}
	}
	return tea.Batch(tick(), m.listenForBus(), tea.SetWindowTitle("orchd dashboard"))
}

// savePrefs persists the viewport's scroll position and the currently
// selected worker's id, best-effort.
func (m *Model) savePrefs() {
	if m.prefs == nil || !m.prefs.Available() {
		return
	}
	m.mu.RLock()
	off := m.vp.YOffset
	var focusedID int
	hasFocus := m.selected >= 0 && m.selected < len(m.workers)
	if hasFocus {
		focusedID = m.workers[m.selected].ID
	}
	m.mu.RUnlock()

	_ = m.prefs.Set(scrollOffsetKey, strconv.Itoa(off))
	if hasFocus {
		_ = m.prefs.Set(lastFocusedKey, strconv.Itoa(focusedID))
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.savePrefs()
			m.closeOnce.Do(func() { close(m.done) })
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			m.refresh()
			return m, nil
		case key.Matches(msg, m.keys.Up):
			m.moveSelection(-1)
			return m, nil
		case key.Matches(msg, m.keys.Down):
			m.moveSelection(1)
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - 2
		m.mu.Unlock()
		m.refresh()
		return m, nil
	case tickMsg:
		m.refresh()
		return m, tick()
	case refreshMsg:
		m.refresh()
		return m, m.listenForBus()
	}

	var cmd tea.Cmd
	m.mu.Lock()
	m.vp, cmd = m.vp.Update(msg)
	m.mu.Unlock()
	return m, cmd
}

// refresh re-fetches the worker snapshot and re-renders the viewport,
// keeping the current selection clamped to the new worker count.
func (m *Model) refresh() {
	workers := m.snapshot()
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = workers
	if m.selected >= len(workers) {
		m.selected = len(workers) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	m.vp.SetContent(renderTable(workers, m.selected))
}

// moveSelection shifts the selected row by delta, clamped to the worker list.
func (m *Model) moveSelection(delta int) {
	m.mu.Lock()
	if len(m.workers) == 0 {
		m.mu.Unlock()
		return
	}
	m.selected += delta
	if m.selected < 0 {
		m.selected = 0
	}
	if m.selected >= len(m.workers) {
		m.selected = len(m.workers) - 1
	}
	m.vp.SetContent(renderTable(m.workers, m.selected))
	m.mu.Unlock()
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
)

func renderTable(workers []worker.Worker, selected int) string {
	if len(workers) == 0 {
		return "no workers"
	}
	out := headerStyle.Render(fmt.Sprintf("%-4s %-20s %-14s %-28s %-12s", "ID", "NAME", "STATUS", "BRANCH", "DIFF")) + "\n"
	for i, w := range workers {
		row := fmt.Sprintf("%-4d %-20s %-14s %-28s +%d -%d",
			w.ID, w.Name, w.Status, w.Branch, w.DiffStats.Insertions, w.DiffStats.Deletions)
		if i == selected {
			row = selectedStyle.Render(row)
		}
		out += row + "\n"
	}
	return out
}

func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vp.View() + "\n(q) quit  (r) refresh  (↑/↓ or j/k) select\n"
}
