package internal

import "time"

// Clock abstracts wall-clock reads so log-scoping and retry-deadline logic
// can be tested deterministically. The system clock is used by default; tests
// inject a ManualClock and advance it explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
}

// SystemClock implements Clock using the real system time.
type SystemClock struct{}

// NewSystemClock creates a SystemClock.
func NewSystemClock() *SystemClock { return &SystemClock{} }

// Now returns the current system time.
func (c *SystemClock) Now() time.Time { return time.Now() }

// Since returns the duration elapsed since t on the system clock.
func (c *SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// ManualClock is a test clock whose time only moves when advanced. It lets
// stale-incarnation scoping and deadline tests run without real waits.
type ManualClock struct {
	current time.Time
}

// NewManualClock creates a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time { return c.current }

// Since returns the duration since t based on the clock's current time.
func (c *ManualClock) Since(t time.Time) time.Duration { return c.current.Sub(t) }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

// Set repositions the clock to t.
func (c *ManualClock) Set(t time.Time) { c.current = t }

// defaultClock is used when a component's Config leaves Clock nil.
var defaultClock Clock = NewSystemClock()

func clockOrDefault(c Clock) Clock {
	if c != nil {
		return c
	}
	return defaultClock
}
