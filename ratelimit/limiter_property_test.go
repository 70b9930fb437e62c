package ratelimit

import (
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"market-access-go/clock"
)

// admittedTimes replays offsets (ms from t0) against l and returns the
// admitted ones.
func admittedTimes(l *Limiter, offsets []int) []int {
	sort.Ints(offsets)
	var out []int
	for _, off := range offsets {
		if l.Admit(at(off)).Allowed {
			out = append(out, off)
		}
	}
	return out
}

func TestLimiterProperty_AlignedWindowNeverOverAdmits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "max")
		windowMs := rapid.IntRange(100, 2000).Draw(rt, "window_ms")
		warm := rapid.Bool().Draw(rt, "warmup")
		offsets := rapid.SliceOfN(rapid.IntRange(0, windowMs*6), 1, 200).Draw(rt, "offsets")

		cfg := DefaultWarmupConfig()
		cfg.Enabled = warm
		l, err := NewLimiter(Rule{
			Category: CategoryQuotation,
			Windows:  []RateWindow{{MaxRequests: n, Window: time.Duration(windowMs) * time.Millisecond}},
		}, Options{Warmup: cfg, Clock: clock.NewFake(t0)})
		if err != nil {
			rt.Fatalf("new limiter: %v", err)
		}

		admitted := admittedTimes(l, offsets)

		perWindow := map[int]int{}
		for _, off := range admitted {
			perWindow[off/windowMs]++
		}
		for w, c := range perWindow {
			if c > n {
				rt.Fatalf("window %d admitted %d > %d", w, c, n)
			}
		}

		// the interpolated estimate may under-count the previous window's
		// tail, but never by more than one full window
		for i := range admitted {
			c := 0
			for j := i; j < len(admitted) && admitted[j]-admitted[i] < windowMs; j++ {
				c++
			}
			if c > 2*n {
				rt.Fatalf("sliding window from %dms admitted %d > %d", admitted[i], c, 2*n)
			}
		}
	})
}

func TestLimiterProperty_WarmupMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		windowMs := rapid.IntRange(200, 2000).Draw(rt, "window_ms")
		gaps := rapid.SliceOfN(rapid.IntRange(0, windowMs/40), 1, 60).Draw(rt, "gaps")

		l, err := NewLimiter(Rule{
			Category: CategoryQuotation,
			Windows:  []RateWindow{{MaxRequests: 10000, Window: time.Duration(windowMs) * time.Millisecond}},
		}, Options{Warmup: DefaultWarmupConfig(), Clock: clock.NewFake(t0)})
		if err != nil {
			rt.Fatalf("new limiter: %v", err)
		}

		// all samples stay inside the 2x horizon, so the factor may only grow
		now, prev := 0, 0.5
		for _, g := range gaps {
			now += g
			l.Admit(at(now))
			f := l.Snapshot(at(now)).WarmupFactor
			if f < prev || f < 0.5 || f > 1 {
				rt.Fatalf("factor went from %v to %v", prev, f)
			}
			prev = f
		}

		idle := now + 2*windowMs + 1
		if f := l.Snapshot(at(idle)).WarmupFactor; f != 0.5 {
			rt.Fatalf("factor after idle gap = %v, want 0.5", f)
		}
	})
}
