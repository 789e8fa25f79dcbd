package fsm

import "github.com/renxida/opus-orchestra-sub001/internal/worker"

// Worker lifecycle events, per spec §4.1.
const (
	EventStart           Event = "START"
	EventComplete        Event = "COMPLETE"
	EventRequestInput    Event = "REQUEST_INPUT"
	EventRequestApproval Event = "REQUEST_APPROVAL"
	EventReceiveInput    Event = "RECEIVE_INPUT"
	EventApprove         Event = "APPROVE"
	EventReject          Event = "REJECT"
	EventError           Event = "ERROR"
	EventStop            Event = "STOP"
	EventRecover         Event = "RECOVER"
)

// WorkerConfig returns the §4.1 transition table for a single worker's
// status machine.
func WorkerConfig(onTransition func(from, to worker.Status, e Event), onInvalid func(err *InvalidTransitionError[worker.Status])) Config[worker.Status] {
	s := worker.StatusIdle
	w := worker.StatusWorking
	wi := worker.StatusWaitingInput
	wa := worker.StatusWaitingApproval
	stopped := worker.StatusStopped
	errs := worker.StatusError

	return Config[worker.Status]{
		Initial: s,
		Transitions: map[Event]Transition[worker.Status]{
			EventStart:           {From: []worker.Status{s, stopped, errs}, To: w},
			EventComplete:        {From: []worker.Status{w}, To: s},
			EventRequestInput:    {From: []worker.Status{w}, To: wi},
			EventRequestApproval: {From: []worker.Status{w}, To: wa},
			EventReceiveInput:    {From: []worker.Status{wi}, To: w},
			EventApprove:         {From: []worker.Status{wa}, To: w},
			EventReject:          {From: []worker.Status{wa}, To: s},
			EventError:           {From: []worker.Status{w, wi, wa}, To: errs},
			EventStop:            {From: []worker.Status{w, wi, wa}, To: stopped},
			EventRecover:         {From: []worker.Status{errs}, To: s},
		},
		OnTransition: func(from, to worker.Status, e Event) {
			if onTransition != nil {
				onTransition(from, to, e)
			}
		},
		OnInvalidTransition: onInvalid,
	}
}

// EventForDelta computes the symbolic event for a proposed status change,
// per the status-delta-to-event mapping in §4.1. Returns ("", false) when
// current and proposed are the same status (no event).
func EventForDelta(current, proposed worker.Status) (Event, bool) {
	if current == proposed {
		return "", false
	}

	// WaitingInput and WaitingApproval each have one canonical symbolic
	// event regardless of the current state: the event names the proposed
	// change itself, so an invalid attempt (e.g. idle -> waiting-input)
	// still surfaces as the named event being rejected by the transition
	// table, rather than silently degrading to some other event.
	switch proposed {
	case worker.StatusWaitingInput:
		return EventRequestInput, true
	case worker.StatusWaitingApproval:
		return EventRequestApproval, true
	case worker.StatusStopped:
		return EventStop, true
	case worker.StatusError:
		return EventError, true
	}

	switch {
	case proposed == worker.StatusWorking && current == worker.StatusWaitingApproval:
		return EventApprove, true
	case proposed == worker.StatusWorking && current == worker.StatusWaitingInput:
		return EventReceiveInput, true
	case proposed == worker.StatusWorking:
		return EventStart, true
	case proposed == worker.StatusIdle && current == worker.StatusWaitingApproval:
		return EventReject, true
	case proposed == worker.StatusIdle && current == worker.StatusError:
		return EventRecover, true
	case proposed == worker.StatusIdle:
		return EventComplete, true
	default:
		return EventStart, true
	}
}
