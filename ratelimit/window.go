package ratelimit

import (
	"math"
	"time"
)

// windowCounter keeps the request counts of the current and the previous fixed
// window. The sliding estimate blends them by the fraction of the current
// window that has elapsed, so no per-request log is needed.
//
// start is always origin + k*Window for some k >= 0.
type windowCounter struct {
	limit    RateWindow
	current  int
	previous int
	start    time.Time
}

func newWindowCounter(limit RateWindow, origin time.Time) *windowCounter {
	return &windowCounter{limit: limit, start: origin}
}

// roll advances start by whole windows until now falls inside the current one.
func (c *windowCounter) roll(now time.Time) {
	elapsed := now.Sub(c.start)
	if elapsed < c.limit.Window {
		return
	}
	n := elapsed / c.limit.Window
	if n == 1 {
		c.previous = c.current
	} else {
		c.previous = 0
	}
	c.current = 0
	c.start = c.start.Add(n * c.limit.Window)
}

// elapsed is the time spent in the current window, clamped to [0, Window].
func (c *windowCounter) elapsed(now time.Time) time.Duration {
	e := now.Sub(c.start)
	if e < 0 {
		return 0
	}
	if e > c.limit.Window {
		return c.limit.Window
	}
	return e
}

// estimate is the interpolated number of requests in the sliding window
// ending at now.
func (c *windowCounter) estimate(now time.Time) float64 {
	window := c.limit.Window.Seconds()
	remaining := window - c.elapsed(now).Seconds()
	return float64(c.previous)*remaining/window + float64(c.current)
}

// check decides whether one more request fits. roll must have been called for
// now. factor scales MaxRequests during warm-up; safety stretches the wait
// while the limiter is cold.
func (c *windowCounter) check(now time.Time, factor, safety float64) (bool, time.Duration) {
	effective := float64(c.limit.MaxRequests) * factor
	estimated := c.estimate(now)
	if estimated < effective {
		return true, 0
	}
	window := c.limit.Window.Seconds()
	remaining := window - c.elapsed(now).Seconds()
	wait := math.Min(window*0.5, remaining/math.Max(1, effective-estimated))
	if safety > 1 {
		wait *= safety
	}
	return false, time.Duration(wait * float64(time.Second))
}

func (c *windowCounter) record() {
	c.current++
}

func (c *windowCounter) snapshot(now time.Time) WindowSnapshot {
	return WindowSnapshot{
		Limit:     c.limit,
		Current:   c.current,
		Previous:  c.previous,
		Start:     c.start,
		Estimated: c.estimate(now),
	}
}
