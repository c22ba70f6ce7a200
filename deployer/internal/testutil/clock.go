package testutil

import (
	"sync"
	"time"
)

// FakeClock is a poll.Clock whose After advances time instantly and records
// every requested wait.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	Sleeps []time.Duration
	// OnAfter, if set, runs before each wait is recorded.
	OnAfter func(d time.Duration)
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	if c.OnAfter != nil {
		c.OnAfter(d)
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.Sleeps = append(c.Sleeps, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a wait.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Slept returns the total time spent in After.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.Sleeps {
		total += d
	}
	return total
}

// Waits returns how many times After was called.
func (c *FakeClock) Waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sleeps)
}
