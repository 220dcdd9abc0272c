// Package ratelimit implements the rate limit decision pipeline: windowed
// counters, descriptor identity, rule matching, and the local and
// mesh-backed limiters that answer Envoy rate limit checks.
package ratelimit

import (
	"math"
	"sync/atomic"
	"time"
)

// TimeWindow is the fixed duration over which hits are counted before reset.
type TimeWindow int

const (
	// WindowSecond counts hits per second.
	WindowSecond TimeWindow = iota
	// WindowMinute counts hits per minute.
	WindowMinute
	// WindowHour counts hits per hour.
	WindowHour
	// WindowDay counts hits per day.
	WindowDay
)

// Duration returns the length of the window.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Second
	}
}

func (w TimeWindow) String() string {
	switch w {
	case WindowMinute:
		return "minute"
	case WindowHour:
		return "hour"
	case WindowDay:
		return "day"
	default:
		return "second"
	}
}

// WindowFromProto maps the wire enum value (1=second .. 4=day) to a window.
// The bool reports whether the value was recognized.
func WindowFromProto(unit int32) (TimeWindow, bool) {
	switch unit {
	case 1:
		return WindowSecond, true
	case 2:
		return WindowMinute, true
	case 3:
		return WindowHour, true
	case 4:
		return WindowDay, true
	default:
		return WindowSecond, false
	}
}

// ToProto returns the wire enum value for the window (1=second .. 4=day).
func (w TimeWindow) ToProto() int32 {
	switch w {
	case WindowMinute:
		return 2
	case WindowHour:
		return 3
	case WindowDay:
		return 4
	default:
		return 1
	}
}

// Counter tracks hits within fixed time windows, counted from the counter's
// creation, without locks.
//
// The window epoch and the count are packed into a single atomic uint64
// (upper 32 bits epoch, lower 32 bits count) so that window rollover never
// needs a separately synchronized timestamp: a stored epoch that differs
// from the current one is equivalent to a zero count, and the next writer
// installs the fresh epoch. All mutation happens in a CAS loop.
//
// The count saturates at math.MaxUint32 per window. A saturating increment
// is reported as over limit regardless of the configured limit, so the
// representation ceiling fails closed.
type Counter struct {
	state  atomic.Uint64
	limit  uint64
	window TimeWindow
	birth  time.Time
}

// NewCounter returns a counter allowing limit hits per window.
func NewCounter(limit uint64, window TimeWindow) *Counter {
	return &Counter{
		limit:  limit,
		window: window,
		birth:  time.Now(),
	}
}

// currentEpoch is the number of whole windows elapsed since birth. The birth
// instant carries Go's monotonic clock reading, so wall clock adjustments do
// not move the window boundary.
func (c *Counter) currentEpoch() uint32 {
	return uint32(time.Since(c.birth).Nanoseconds() / c.window.Duration().Nanoseconds())
}

func pack(epoch, count uint32) uint64 {
	return uint64(epoch)<<32 | uint64(count)
}

func unpack(state uint64) (epoch, count uint32) {
	return uint32(state >> 32), uint32(state)
}

// Increment adds hits to the current window and reports whether the counter
// is still within its limit. Lock-free; retries only on concurrent updates.
func (c *Counter) Increment(hits uint32) bool {
	epoch := c.currentEpoch()

	for {
		state := c.state.Load()
		storedEpoch, count := unpack(state)

		var newCount uint32
		saturated := false
		if storedEpoch == epoch {
			sum := uint64(count) + uint64(hits)
			if sum > math.MaxUint32 {
				sum = math.MaxUint32
				saturated = true
			}
			newCount = uint32(sum)
		} else {
			// Window rolled over, start fresh.
			newCount = hits
		}

		if c.state.CompareAndSwap(state, pack(epoch, newCount)) {
			if saturated {
				return false
			}
			return uint64(newCount) <= c.limit
		}
	}
}

// WouldExceed reports whether adding hits would push the counter over its
// limit, without incrementing.
func (c *Counter) WouldExceed(hits uint32) bool {
	return c.CurrentCount()+uint64(hits) > c.limit
}

// CurrentCount returns the count within the current window. A stored state
// from a previous window reads as zero.
func (c *Counter) CurrentCount() uint64 {
	storedEpoch, count := unpack(c.state.Load())
	if storedEpoch != c.currentEpoch() {
		return 0
	}
	return uint64(count)
}

// Remaining returns the quota left in the current window.
func (c *Counter) Remaining() uint64 {
	count := c.CurrentCount()
	if count >= c.limit {
		return 0
	}
	return c.limit - count
}

// Limit returns the configured limit.
func (c *Counter) Limit() uint64 {
	return c.limit
}

// Window returns the configured time window.
func (c *Counter) Window() TimeWindow {
	return c.window
}

// DurationUntilReset returns the time left before the current window rolls
// over.
func (c *Counter) DurationUntilReset() time.Duration {
	window := c.window.Duration()
	return window - time.Since(c.birth)%window
}
