// Package clock supplies wall-clock time and the UTC calendar-day key used for
// daily quota resets.
package clock

import (
	"sync"
	"time"
)

// DayLayout is the calendar-day key format.
const DayLayout = "2006-01-02"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System reads the host clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// DayKey returns the UTC calendar day of t, e.g. "2024-07-01".
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Manual is a settable clock for tests and replay tooling.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
