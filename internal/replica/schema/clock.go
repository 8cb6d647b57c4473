package schema

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing millisecond timestamps.
//
// Two mutations in the same millisecond still get distinct updated_at
// values, so "modified after last sync" comparisons stay exact.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewClock returns a clock reading wall time from now (time.Now if nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the next timestamp, never less than or equal to a previous one.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// Wall returns the current wall time without advancing the clock.
func (c *Clock) Wall() time.Time {
	return c.now()
}

// Millis converts a time to milliseconds since the epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts milliseconds since the epoch to a time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
