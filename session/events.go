/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import "sync"

// EventKey identifies the kind of session event.
type EventKey string

const (
	// EventIncoming fires when a remote offer puts the session in ringing.
	EventIncoming EventKey = "incoming"

	// EventStateChanged fires on every state transition.
	EventStateChanged EventKey = "stateChanged"

	// EventConnected fires once when media is established.
	EventConnected EventKey = "connected"

	// EventEnded fires once when the session reaches a terminal state.
	EventEnded EventKey = "ended"
)

// Event is delivered to subscribers. Session is a snapshot taken at emit
// time; mutating it has no effect on the live session.
type Event struct {
	Key     EventKey
	Session CallSession
	Reason  EndReason
}

// EventHandler receives session events. Handlers run on the goroutine that
// triggered the transition and must not block.
type EventHandler func(Event)

// emitter is a minimal pub/sub fan-out for session events.
type emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[int]EventHandler)}
}

// subscribe registers a handler and returns its removal function.
func (e *emitter) subscribe(h EventHandler) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// emit delivers the event to every subscriber.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	hs := make([]EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
