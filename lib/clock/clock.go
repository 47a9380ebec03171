// Package clock abstracts wall-clock time so time gates can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock in UTC.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now().UTC() }

// Virtual is a manually advanced clock.
type Virtual struct {
	mu      sync.Mutex
	current time.Time
}

// NewVirtual starts a virtual clock at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start}
}

// Now implements Clock.
func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d; non-positive durations are ignored.
func (c *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to ts if it lies in the future.
func (c *Virtual) Set(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts
	}
	c.mu.Unlock()
}
