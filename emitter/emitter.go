/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package emitter provides the listener registry shared by every event
// source in the SDK: transports, call sessions and the call client.
package emitter

import "sync"

// Handler is a callback function for events
type Handler func(data interface{})

// ListenerID identifies a single registered handler so it can be removed
// without disturbing other listeners of the same event.
type ListenerID uint64

// Source is implemented by anything handlers can be attached to.
type Source interface {
	On(event string, handler Handler) ListenerID
	RemoveListener(event string, id ListenerID)
}

type listener struct {
	id      ListenerID
	handler Handler
}

// Emitter provides a simple event pub/sub system
type Emitter struct {
	mu       sync.RWMutex
	nextID   ListenerID
	handlers map[string][]listener
}

// New creates a new Emitter
func New() *Emitter {
	return &Emitter{
		handlers: make(map[string][]listener),
	}
}

// On registers an event handler for a specific event type.
// A nil handler is ignored and yields the zero ListenerID.
func (e *Emitter) On(event string, handler Handler) ListenerID {
	if handler == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[event] = append(e.handlers[event], listener{id: e.nextID, handler: handler})
	return e.nextID
}

// Once registers a handler that is removed after its first invocation.
func (e *Emitter) Once(event string, handler Handler) ListenerID {
	if handler == nil {
		return 0
	}
	var (
		id   ListenerID
		once sync.Once
	)
	id = e.On(event, func(data interface{}) {
		once.Do(func() {
			e.RemoveListener(event, id)
			handler(data)
		})
	})
	return id
}

// RemoveListener removes a single handler previously returned by On.
func (e *Emitter) RemoveListener(event string, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.handlers[event]
	for i, l := range list {
		if l.id == id {
			// copy so in-flight Emit snapshots are unaffected
			next := make([]listener, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(e.handlers, event)
			} else {
				e.handlers[event] = next
			}
			return
		}
	}
}

// Off removes all handlers for a specific event type
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// RemoveAllListeners drops every handler of every event.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]listener)
}

// ListenerCount returns the number of handlers registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

// Emit fires an event, calling all registered handlers in registration
// order on the caller's goroutine.
func (e *Emitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]listener, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, l := range handlers {
		l.handler(data)
	}
}

// Subscription records listeners attached to foreign sources so they can
// be detached together.
type Subscription struct {
	mu      sync.Mutex
	entries []subscriptionEntry
}

type subscriptionEntry struct {
	source Source
	event  string
	id     ListenerID
}

// Add registers handler on source and remembers it.
func (s *Subscription) Add(source Source, event string, handler Handler) {
	if source == nil {
		return
	}
	id := source.On(event, handler)
	s.mu.Lock()
	s.entries = append(s.entries, subscriptionEntry{source: source, event: event, id: id})
	s.mu.Unlock()
}

// Release removes every handler that was added through s.
func (s *Subscription) Release() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()
	for _, e := range entries {
		e.source.RemoveListener(e.event, e.id)
	}
}
