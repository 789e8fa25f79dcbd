// Package fsm provides a small generic finite state machine with validated
// transitions, used to hold one worker's lifecycle state.
package fsm

import "fmt"

// Event is a transition trigger, e.g. "START", "COMPLETE".
type Event string

// Transition describes one edge of the table: which states an event is
// valid from, and the single state it leads to.
type Transition[S comparable] struct {
	From []S
	To   S
}

// InvalidTransitionError is returned when an event is not applicable from
// the machine's current state. The engine never forces state in response;
// it logs and keeps the current state (§4.1).
type InvalidTransitionError[S comparable] struct {
	Current     S
	Event       Event
	AllowedFrom []S
}

func (e *InvalidTransitionError[S]) Error() string {
	return fmt.Sprintf("invalid transition: event %q not allowed from state %v (allowed from %v)", e.Event, e.Current, e.AllowedFrom)
}

// Config is the static definition of a machine: initial state and the
// transition table keyed by event.
type Config[S comparable] struct {
	Initial     S
	Transitions map[Event]Transition[S]

	// OnTransition, if set, is called after every successful transition.
	OnTransition func(from, to S, e Event)
	// OnInvalidTransition, if set, is called whenever an event is rejected.
	OnInvalidTransition func(err *InvalidTransitionError[S])
}

// Machine is one running instance of a Config, tracking a current state.
type Machine[S comparable] struct {
	cfg     Config[S]
	current S
}

// New creates a Machine in its configured initial state.
func New[S comparable](cfg Config[S]) *Machine[S] {
	return &Machine[S]{cfg: cfg, current: cfg.Initial}
}

// Current returns the machine's current state.
func (m *Machine[S]) Current() S {
	return m.current
}

// Transition attempts to apply an event. On success it updates the current
// state and returns nil. On failure it leaves the state untouched and
// returns an *InvalidTransitionError.
func (m *Machine[S]) Transition(e Event) error {
	t, ok := m.cfg.Transitions[e]
	if !ok {
		err := &InvalidTransitionError[S]{Current: m.current, Event: e}
		if m.cfg.OnInvalidTransition != nil {
			m.cfg.OnInvalidTransition(err)
		}
		return err
	}

	allowed := false
	for _, from := range t.From {
		if from == m.current {
			allowed = true
			break
		}
	}
	if !allowed {
		err := &InvalidTransitionError[S]{Current: m.current, Event: e, AllowedFrom: t.From}
		if m.cfg.OnInvalidTransition != nil {
			m.cfg.OnInvalidTransition(err)
		}
		return err
	}

	from := m.current
	m.current = t.To
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(from, t.To, e)
	}
	return nil
}

// ForceState bypasses validation entirely. Used only during initial
// synchronization with externally-observed state (e.g. a Worker loaded from
// disk, or drift reconciliation in the engine) — see §4.1 and §9.
func (m *Machine[S]) ForceState(s S) {
	m.current = s
}
