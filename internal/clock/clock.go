// Package clock provides the nanosecond time source used for timestamps and
// rate-limit windows.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time in nanoseconds since the Unix epoch.
// Implementations must be non-decreasing.
type Clock interface {
	NowNanos() uint64
}

// System is the wall clock. It never goes backwards across calls.
type System struct {
	mu   sync.Mutex
	last uint64
}

// NewSystem returns a wall clock.
func NewSystem() *System {
	return &System{}
}

// NowNanos implements Clock.
func (c *System) NowNanos() uint64 {
	now := uint64(time.Now().UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()
	if now < c.last {
		now = c.last
	}
	c.last = now
	return now
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

// NewManual returns a manual clock starting at now.
func NewManual(now uint64) *Manual {
	return &Manual{now: now}
}

// NowNanos implements Clock.
func (c *Manual) NowNanos() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += uint64(d)
}

// Set moves the clock to now. Moving backwards is ignored.
func (c *Manual) Set(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now > c.now {
		c.now = now
	}
}
