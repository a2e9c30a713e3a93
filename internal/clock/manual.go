package clock

import (
	"sync"
	"time"
)

// Manual is a controllable clock for TTL tests. Time only moves when Advance
// or Set is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has advanced by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	return ch
}

// Sleep blocks until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.fireLocked()
	return m.now
}

// Set jumps to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
	m.fireLocked()
	return m.now
}

// Pending returns the number of timers that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) fireLocked() {
	if len(m.timers) == 0 {
		return
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(m.now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- m.now
	}
	m.timers = remaining
}
