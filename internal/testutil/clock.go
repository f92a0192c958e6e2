package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock for tests.
//
// Unlike time.Now, a FakeClock only moves when Advance or Set is called,
// so backoff deadlines and lease expiry are deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start. A zero start means Epoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time. Its signature matches time.Now so it
// can be passed wherever a clock function is accepted.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
