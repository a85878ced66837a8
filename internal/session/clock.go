package session

import (
	"sync"
	"time"
)

// Clock supplies edit timestamps.
type Clock interface {
	Now() time.Time
}

// LogicalClock issues second-resolution timestamps that never go backwards, even
// if the wall clock does.
type LogicalClock struct {
	mu   sync.Mutex
	wall func() time.Time
	last time.Time
}

// NewLogicalClock wraps a wall clock. A nil wall clock uses time.Now.
func NewLogicalClock(wall func() time.Time) *LogicalClock {
	if wall == nil {
		wall = time.Now
	}
	return &LogicalClock{wall: wall}
}

// Now returns max(wall, last issued) truncated to the second.
func (c *LogicalClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := Truncate(c.wall())
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// nextVersion returns the edit timestamp for a mutation of a record last edited at previous.
// Local edits always move strictly past the previous version so they win against
// any copy of that version held elsewhere.
func nextVersion(clock Clock, previous time.Time) time.Time {
	now := Truncate(clock.Now())
	if floor := previous.Add(time.Second); now.Before(floor) {
		return floor
	}
	return now
}
