package journal

import (
	"sync"
	"time"
)

// monotonicClock hands out strictly increasing millisecond timestamps even when the wall
// clock steps back or two requests read it within the same millisecond.
type monotonicClock struct {
	mu     sync.Mutex
	source func() time.Time
	lastMs int64
}

func newMonotonicClock(source func() time.Time) *monotonicClock {
	if source == nil {
		source = time.Now
	}
	return &monotonicClock{source: source}
}

// Now returns the next timestamp, truncated to milliseconds.
func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMs = advanceMillis(c.lastMs, c.source())
	return time.UnixMilli(c.lastMs).UTC()
}

// Observe raises the floor so later readings come after at.
func (c *monotonicClock) Observe(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMs = max(c.lastMs, at.UnixMilli())
}
