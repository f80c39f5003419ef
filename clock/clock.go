// Package clock abstracts time for deadline-bearing components so tests can
// drive auctions, dispatch timeouts, decay, and breaker resets
// deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every deadline-bearing component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// System is the wall-clock implementation.
type System struct{}

// NewSystem returns the wall-clock Clock.
func NewSystem() *System { return &System{} }

func (System) Now() time.Time                         { return time.Now() }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (System) Since(t time.Time) time.Duration        { return time.Since(t) }

// Mock is a manually advanced Clock for tests. All methods are safe for
// concurrent use.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMock creates a Mock clock frozen at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the mock time elapsed since t.
func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// After returns a channel that fires when the mock clock has been advanced
// past the deadline. A non-positive duration fires immediately.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, &waiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the mock clock forward and fires all waiters whose
// deadlines have passed.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due, remaining []*waiter
	for _, w := range m.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}
