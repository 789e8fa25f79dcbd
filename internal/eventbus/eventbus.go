// Package eventbus provides a typed, synchronous pub/sub bus with
// re-entrance queueing and handler-failure containment (§4.3).
package eventbus

import (
	"fmt"
	"sync"
)

// Kind identifies an event type, e.g. "worker:status_changed".
type Kind string

// Handler receives a payload for one emitted event.
type Handler func(payload any)

// Bus is a typed pub/sub dispatcher. The zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	handlers map[Kind][]*subscription

	emitting bool
	queue    []queuedEmit

	// OnHandlerPanic is called (outside the lock) whenever a handler panics
	// or the bus needs to report a contained failure. If nil, failures are
	// silently contained (still logged via the synthetic error:recoverable
	// event unless the failing kind was itself an error:* kind).
	OnHandlerPanic func(kind Kind, err error)
}

type subscription struct {
	id      uint64
	h       Handler
	once    bool
	removed bool
}

type queuedEmit struct {
	kind    Kind
	payload any
}

// ErrorRecoverableKind is the synthetic event emitted when a handler fails,
// unless the failing event was itself error:*. Payload is ErrorRecoverable.
const ErrorRecoverableKind Kind = "error:recoverable"

// ErrorRecoverable is the payload carried by a synthetic ErrorRecoverableKind
// event produced by handler-failure containment.
type ErrorRecoverable struct {
	Source        string
	Code          string
	Message       string
	Context       map[string]any
	RecoveryAction string
	OriginalKind  Kind
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]*subscription)}
}

var nextSubID uint64
var subIDMu sync.Mutex

func allocSubID() uint64 {
	subIDMu.Lock()
	defer subIDMu.Unlock()
	nextSubID++
	return nextSubID
}

// Subscribe registers h for kind and returns an unsubscribe function. The
// unsubscribe function is idempotent.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	sub := &subscription{id: allocSubID(), h: h}
	b.handlers[kind] = append(b.handlers[kind], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.removed = true
		b.compact(kind)
	}
}

// Once registers h to fire at most one time for kind. h is unsubscribed
// before it is invoked, so re-entrant emits of the same kind during h cannot
// re-trigger it.
func (b *Bus) Once(kind Kind, h Handler) (unsubscribe func()) {
	var unsub func()
	wrapper := func(payload any) {
		if unsub != nil {
			unsub()
		}
		h(payload)
	}
	unsub = b.Subscribe(kind, wrapper)
	return unsub
}

// compact removes subscriptions marked removed for kind. Must hold b.mu.
func (b *Bus) compact(kind Kind) {
	subs := b.handlers[kind]
	live := subs[:0]
	for _, s := range subs {
		if !s.removed {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		delete(b.handlers, kind)
	} else {
		b.handlers[kind] = live
	}
}

// Emit dispatches payload to every handler registered for kind at the time
// Emit is called, using a stable snapshot so subscribe/unsubscribe during
// dispatch does not disturb the current cycle (§4.3).
//
// If Emit is called re-entrantly (from inside a handler, directly or
// transitively, on the same Bus), the call is queued instead of dispatched
// immediately; the outermost Emit drains the queue after its own handlers
// complete. This bounds stack depth to one.
func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.Lock()
	if b.emitting {
		b.queue = append(b.queue, queuedEmit{kind, payload})
		b.mu.Unlock()
		return
	}
	b.emitting = true
	b.mu.Unlock()

	b.dispatch(kind, payload)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.emitting = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(next.kind, next.payload)
	}
}

// dispatch runs every live handler for kind over a snapshot, containing
// individual handler panics.
func (b *Bus) dispatch(kind Kind, payload any) {
	b.mu.Lock()
	subs := b.handlers[kind]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.mu.Lock()
		removed := sub.removed
		b.mu.Unlock()
		if removed {
			continue
		}
		b.invoke(kind, sub, payload)
	}
}

func (b *Bus) invoke(kind Kind, sub *subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			b.contain(kind, err)
		}
	}()
	sub.h(payload)
}

// contain is called when a handler fails. It never lets the failure escape
// Emit; unless the failing event itself was error:*, it enqueues a synthetic
// error:recoverable event describing the failure.
func (b *Bus) contain(kind Kind, err error) {
	if b.OnHandlerPanic != nil {
		b.OnHandlerPanic(kind, err)
	}
	if isErrorKind(kind) {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, queuedEmit{
		kind: ErrorRecoverableKind,
		payload: ErrorRecoverable{
			Source:       "eventbus",
			Code:         "HANDLER_FAILURE",
			Message:      err.Error(),
			OriginalKind: kind,
		},
	})
	b.mu.Unlock()
}

func isErrorKind(kind Kind) bool {
	return len(kind) >= 6 && kind[:6] == "error:"
}
