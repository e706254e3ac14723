// Package timer provides the one-shot timer facility used by the exchange,
// session and local port engines.
//
// A Timer is armed with Set, disarmed with Cancel and queried with Active.
// For any single arming exactly one of two things happens: the callback runs,
// or a Cancel (or re-Set) call returns true. Engines rely on this to pair the
// reference a pending timer holds with exactly one release.
package timer

import (
	"sync"
	"time"
)

// Stopper is a pending callback returned by Clock.AfterFunc.
type Stopper interface {
	Stop() bool
}

// Clock schedules callbacks. Real returns the wall clock; ManualClock is a
// deterministic clock for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Timer is a re-armable one-shot timer.
type Timer struct {
	clock Clock
	fn    func()

	// mu protects the fields below. It is never held while fn runs.
	mu      sync.Mutex
	gen     uint64
	armed   bool
	pending Stopper
}

// New creates a disarmed timer that calls fn when it fires. A nil clock
// selects the wall clock.
func New(c Clock, fn func()) *Timer {
	if c == nil {
		c = Real()
	}
	return &Timer{clock: c, fn: fn}
}

// Set arms the timer to fire after d. If the timer was already armed the
// previous arming is superseded and Set returns true; the superseded arming
// will never fire.
func (t *Timer) Set(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := t.armed
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.pending = t.clock.AfterFunc(d, func() { t.fire(gen) })
	return was
}

// Cancel disarms the timer. It returns true if an arming was pending and is
// now guaranteed never to fire.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return false
	}
	t.armed = false
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	return true
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.armed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.pending = nil
	t.mu.Unlock()

	t.fn()
}
