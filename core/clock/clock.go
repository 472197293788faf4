// Package clock provides the timestamp source for a sender session's
// outgoing packets: spec.md requires timestampMicros to be "monotonic
// within a sender session," which plain time.Now().UnixMicro() doesn't
// guarantee on its own (two sends can land in the same microsecond, and
// a truncating uint32 cast can make a later wall-clock read compare
// lower than an earlier one after wraparound).
package clock

import (
	"sync"
	"time"
)

// SessionClock hands out strictly increasing uint32 microsecond
// timestamps for the lifetime of one sender session, bumping the
// counter by one whenever the wall clock hasn't advanced past the
// last value returned.
type SessionClock struct {
	mu       sync.Mutex
	last     uint32
	microsFn func() uint32 // overridable for testing
}

// New creates a SessionClock driven by the system clock.
func New() *SessionClock {
	return &SessionClock{
		microsFn: func() uint32 {
			return uint32(time.Now().UnixMicro())
		},
	}
}

// Now returns the current time, stamped with a strictly increasing
// microsecond value relative to every prior call on this clock.
// Satisfies device/router.Config's NowFn seam.
func (c *SessionClock) Now() time.Time {
	return time.UnixMicro(int64(c.nextMicros()))
}

func (c *SessionClock) nextMicros() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.microsFn()
	if t <= c.last {
		c.last++
		return c.last
	}
	c.last = t
	return t
}
