package clock

import (
	"sync"
	"time"
)

// Virtual is a manually driven clock for deterministic tests.
// Time only moves when Advance or Set is called, which also fires any
// pending After waiters whose deadline has been reached.
//
// Safe for concurrent use.
type Virtual struct {
	mu      sync.RWMutex
	now     time.Time
	waiters []virtualWaiter
}

type virtualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtual returns a Virtual clock frozen at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (c *Virtual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *Virtual) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *Virtual) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

func (c *Virtual) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, virtualWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d. Panics if d is negative.
func (c *Virtual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: negative advance")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.fireWaiters()
}

// Set jumps the clock to t. Panics if t is before the current time.
func (c *Virtual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		panic("clock: cannot set time backwards")
	}
	c.now = t
	c.fireWaiters()
}

// fireWaiters releases every waiter whose deadline has passed.
// Caller must hold c.mu.
func (c *Virtual) fireWaiters() {
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}
