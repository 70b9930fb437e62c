package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"market-access-go/clock"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type price struct{ Price int }

func TestCache_TTLScenario(t *testing.T) {
	fake := clock.NewFake(t0)
	c := New[string, price](Options{Capacity: 10, Clock: fake})

	c.Set("BTC", price{Price: 100}, 200*time.Millisecond)

	fake.Advance(150 * time.Millisecond)
	e, ok := c.Lookup("BTC")
	require.True(t, ok)
	assert.Equal(t, 100, e.Value.Price)
	assert.Equal(t, 150*time.Millisecond, e.Age(fake.Now()))
	assert.Equal(t, 1, e.AccessCount)

	fake.Advance(100 * time.Millisecond)
	_, ok = c.Get("BTC")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Expirations)
}

func TestCache_LRUEvictsLeastRecentlyAccessed(t *testing.T) {
	fake := clock.NewFake(t0)
	c := New[string, int](Options{Capacity: 3, Clock: fake})

	c.Set("a", 1, time.Minute)
	fake.Advance(time.Millisecond)
	c.Set("b", 2, time.Minute)
	fake.Advance(time.Millisecond)
	c.Set("c", 3, time.Minute)
	fake.Advance(time.Millisecond)

	// "a" was inserted first but read last, so "b" is now the oldest access
	_, ok := c.Get("a")
	require.True(t, ok)
	fake.Advance(time.Millisecond)

	c.Set("d", 4, time.Minute)

	_, ok = c.Peek("b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Peek(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, []string{"d", "a", "c"}, c.Keys())
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c := New[string, int](Options{Capacity: 2, Clock: clock.NewFake(t0)})
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("a", 10, time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().Evictions)
}

func TestCache_NonPositiveTTLIsNotStored(t *testing.T) {
	c := New[string, int](Options{Clock: clock.NewFake(t0)})
	c.Set("a", 1, time.Minute)
	c.Set("a", 2, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
	c.Set("b", 1, -time.Second)
	assert.Equal(t, 0, c.Len())
}

func TestCache_PeekLeavesStatsAlone(t *testing.T) {
	fake := clock.NewFake(t0)
	c := New[string, int](Options{Clock: fake})
	c.Set("a", 1, time.Second)
	fake.Advance(300 * time.Millisecond)

	e, ok := c.Peek("a")
	require.True(t, ok)
	assert.Zero(t, e.AccessCount)
	assert.Equal(t, Stats{Size: 1, Capacity: DefaultCapacity}, c.Stats())

	age, ttl, ok := c.EntryAge("a")
	require.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, age)
	assert.Equal(t, time.Second, ttl)
}

func TestCache_ReturnedEntryIsACopy(t *testing.T) {
	c := New[string, price](Options{Clock: clock.NewFake(t0)})
	c.Set("a", price{Price: 1}, time.Second)
	e, _ := c.Lookup("a")
	e.Value.Price = 99
	e.AccessCount = 42

	again, _ := c.Lookup("a")
	assert.Equal(t, 1, again.Value.Price)
	assert.Equal(t, 2, again.AccessCount)
}

func TestCache_DeleteClearResetStats(t *testing.T) {
	c := New[string, int](Options{Clock: clock.NewFake(t0)})
	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Second)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	c.Get("a")
	c.Get("b")

	c.ResetStats()
	assert.Zero(t, c.Stats().Hits)
	assert.Zero(t, c.Stats().Misses)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	fake := clock.NewFake(t0)
	c := New[string, int](Options{Clock: fake})
	c.Set("short", 1, 100*time.Millisecond)
	c.Set("long", 2, time.Hour)

	assert.Zero(t, c.Sweep())
	fake.Advance(time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"long"}, c.Keys())
}

func TestCache_SweepVisitsEveryEntry(t *testing.T) {
	fake := clock.NewFake(t0)
	c := New[string, int](Options{Clock: fake})
	for i := 0; i < 10; i++ {
		ttl := time.Hour
		if i%2 == 0 {
			ttl = 100 * time.Millisecond
		}
		c.Set(fmt.Sprintf("k%d", i), i, ttl)
	}
	// recency order no longer matches insertion order
	c.Get("k4")
	c.Get("k1")

	fake.Advance(time.Second)
	assert.Equal(t, 5, c.Sweep())
	assert.ElementsMatch(t, []string{"k1", "k3", "k5", "k7", "k9"}, c.Keys())
	assert.Equal(t, uint64(5), c.Stats().Expirations)
	assert.Zero(t, New[string, int](Options{}).Sweep())
}

func TestCache_SweepWithConcurrentWriters(t *testing.T) {
	c := New[string, int](Options{Capacity: 64})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				k := fmt.Sprintf("k%d", (w*13+i)%100)
				switch i % 3 {
				case 0:
					c.Set(k, i, time.Microsecond)
				case 1:
					c.Get(k)
				default:
					c.Delete(k)
				}
			}
		}(w)
	}
	for i := 0; i < 50; i++ {
		c.Sweep()
	}
	close(stop)
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}

func TestCache_AccessLeavesCountingToCaller(t *testing.T) {
	fake := clock.NewFake(t0)
	c := New[string, int](Options{Clock: fake})
	c.Set("a", 1, time.Second)

	e, ok := c.Access("a")
	require.True(t, ok)
	assert.Equal(t, 1, e.AccessCount)
	_, ok = c.Access("missing")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Hits)
	assert.Zero(t, c.Stats().Misses)

	c.CountLookup(true)
	c.CountLookup(false)
	assert.Equal(t, uint64(1), c.Stats().Hits)
	assert.Equal(t, uint64(1), c.Stats().Misses)

	fake.Advance(2 * time.Second)
	_, ok = c.Access("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_RunSweeperStopsOnCancel(t *testing.T) {
	c := New[string, int](Options{Capacity: 4})
	c.Set("x", 1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[string, int](Options{Capacity: 16})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k%d", (w*7+i)%40)
				if i%3 == 0 {
					c.Set(k, i, time.Minute)
				} else {
					c.Get(k)
				}
			}
		}(w)
	}
	wg.Wait()

	st := c.Stats()
	assert.LessOrEqual(t, st.Size, 16)
	assert.Equal(t, uint64(8*500-8*167), st.Hits+st.Misses)
}

func TestCacheProperty_HitsPlusMissesEqualsGets(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		fake := clock.NewFake(t0)
		capacity := rapid.IntRange(1, 8).Draw(rt, "capacity")
		c := New[int, int](Options{Capacity: capacity, Clock: fake})

		gets := 0
		ops := rapid.IntRange(1, 200).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			key := rapid.IntRange(0, 12).Draw(rt, "key")
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				c.Set(key, i, time.Duration(rapid.IntRange(1, 500).Draw(rt, "ttl_ms"))*time.Millisecond)
			case 1:
				c.Get(key)
				gets++
			case 2:
				c.Delete(key)
			case 3:
				fake.Advance(time.Duration(rapid.IntRange(0, 200).Draw(rt, "advance_ms")) * time.Millisecond)
			}
			if c.Len() > capacity {
				rt.Fatalf("len %d exceeds capacity %d", c.Len(), capacity)
			}
		}
		st := c.Stats()
		if int(st.Hits+st.Misses) != gets {
			rt.Fatalf("hits+misses = %d, gets = %d", st.Hits+st.Misses, gets)
		}
	})
}

func TestCacheProperty_SetThenGetHitsUntilTTL(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		fake := clock.NewFake(t0)
		c := New[string, int](Options{Clock: fake})
		ttl := time.Duration(rapid.IntRange(1, 10_000).Draw(rt, "ttl_ms")) * time.Millisecond
		v := rapid.Int().Draw(rt, "value")

		c.Set("k", v, ttl)
		got, ok := c.Get("k")
		if !ok || got != v {
			rt.Fatalf("immediate get = (%v, %v), want (%v, true)", got, ok, v)
		}
		fake.Advance(ttl + time.Millisecond)
		if _, ok := c.Get("k"); ok {
			rt.Fatalf("entry still present after ttl %s", ttl)
		}
	})
}
