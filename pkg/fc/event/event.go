// Package event implements the deferred notification list shared by sessions
// and local ports: handlers are registered once, events are queued with Defer
// while an object lock is held, and Fire delivers them after the lock is
// released. Handlers never run under the list's own lock.
package event

import "sync"

// Handler receives one event.
type Handler[E any] func(E)

// ID identifies a registered handler.
type ID uint64

type entry[E any] struct {
	id ID
	h  Handler[E]
}

// List is a set of handlers plus a queue of undelivered events.
// The zero value is ready to use.
type List[E any] struct {
	mu       sync.Mutex
	next     ID
	handlers []entry[E]
	pending  []E
	firing   bool
}

// Register adds h and returns its id.
func (l *List[E]) Register(h Handler[E]) ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.handlers = append(l.handlers, entry[E]{id: l.next, h: h})
	return l.next
}

// Unregister removes the handler with id. Events already being delivered may
// still reach it.
func (l *List[E]) Unregister(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.handlers {
		if e.id == id {
			l.handlers = append(l.handlers[:i:i], l.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (l *List[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Defer queues ev for the next Fire.
func (l *List[E]) Defer(ev E) {
	l.mu.Lock()
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
}

// Fire delivers every queued event to every handler, in queue order. If
// another goroutine is already delivering, Fire returns and that goroutine
// drains the new events, so a handler is never entered concurrently for the
// same list.
func (l *List[E]) Fire() {
	l.mu.Lock()
	if l.firing {
		l.mu.Unlock()
		return
	}
	l.firing = true
	for len(l.pending) > 0 {
		evs := l.pending
		l.pending = nil
		hs := make([]entry[E], len(l.handlers))
		copy(hs, l.handlers)
		l.mu.Unlock()

		for _, ev := range evs {
			for _, e := range hs {
				e.h(ev)
			}
		}

		l.mu.Lock()
	}
	l.firing = false
	l.mu.Unlock()
}

// Notify is Defer followed by Fire.
func (l *List[E]) Notify(ev E) {
	l.Defer(ev)
	l.Fire()
}
