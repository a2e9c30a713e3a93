// Package clock lets the lock, presence and sweeper code read time through an
// interface so TTL behaviour can be driven deterministically in tests.
package clock

import "time"

// Clock abstracts the time functions used by expiring registries.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Since reports the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
