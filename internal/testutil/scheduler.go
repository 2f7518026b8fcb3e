// Package testutil provides deterministic substitutes for the time- and
// id-dependent collaborators used by the stores.
package testutil

import (
	"sync"
	"time"
)

// ManualScheduler collects deferred functions instead of running them on a
// timer. Tests call Fire to run the pending phase-two work synchronously.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []scheduled
}

type scheduled struct {
	delay time.Duration
	fn    func()
}

// NewManualScheduler creates an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// After records the function without running it.
func (m *ManualScheduler) After(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, scheduled{delay: d, fn: fn})
}

// Fire runs all pending functions in scheduling order and clears the list.
// Returns the number of functions run.
func (m *ManualScheduler) Fire() int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, s := range pending {
		s.fn()
	}
	return len(pending)
}

// PendingCount returns how many functions are waiting.
func (m *ManualScheduler) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// LastDelay returns the delay of the most recently scheduled function.
func (m *ManualScheduler) LastDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	return m.pending[len(m.pending)-1].delay, true
}

// FrozenClock returns a time source pinned to a fixed instant.
func FrozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// SteppingClock returns a time source that advances by step on every call,
// starting at the given instant.
func SteppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}
