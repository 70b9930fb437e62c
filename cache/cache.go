// Package cache is a capacity-bounded, per-entry TTL memory cache with LRU
// eviction, plus the per-data-type policy table that decides how long market
// data stays fresh.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"market-access-go/clock"
)

const DefaultCapacity = 1000

// ErrCorrupt marks a stored value that can no longer be served. Callers treat
// it as a miss and drop the entry.
var ErrCorrupt = errors.New("corrupt cache entry")

// Entry is a copy of a stored value and its bookkeeping. Mutating it never
// affects the cache.
type Entry[V any] struct {
	Value        V
	CreatedAt    time.Time
	TTL          time.Duration
	AccessCount  int
	LastAccessed time.Time
}

func (e Entry[V]) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// Expired reports now - CreatedAt > TTL.
func (e Entry[V]) Expired(now time.Time) bool { return now.Sub(e.CreatedAt) > e.TTL }

type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	Capacity    int
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Observer receives cache events; metrics.Recorder implements it. Calls are
// made outside the cache lock.
type Observer interface {
	ObserveCacheHit()
	ObserveCacheMiss()
	ObserveCacheEviction()
	ObserveCacheExpiration()
	ObserveCacheSize(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveCacheHit()        {}
func (nopObserver) ObserveCacheMiss()       {}
func (nopObserver) ObserveCacheEviction()   {}
func (nopObserver) ObserveCacheExpiration() {}
func (nopObserver) ObserveCacheSize(int)    {}

type Options struct {
	Capacity int
	Clock    clock.Clock
	Observer Observer
}

// Cache is safe for concurrent use. Expiry is evaluated lazily on Get; Sweep
// and RunSweeper only reclaim memory.
type Cache[K comparable, V any] struct {
	capacity int
	clock    clock.Clock
	observer Observer

	mu          sync.Mutex
	items       map[K]*list.Element
	order       *list.List // front is the most recently accessed
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

type node[K comparable, V any] struct {
	key   K
	entry Entry[V]
}

func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Cache[K, V]{
		capacity: opts.Capacity,
		clock:    clock.OrSystem(opts.Clock),
		observer: obs,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	e, ok := c.Lookup(key)
	return e.Value, ok
}

// Lookup is Get returning the entry metadata as well. A hit bumps the access
// count and recency; an expired entry is removed and counted as a miss.
func (c *Cache[K, V]) Lookup(key K) (Entry[V], bool) {
	return c.lookup(key, true)
}

// Access is Lookup without the hit/miss counters. Callers that assemble one
// answer from several entries record the outcome once with CountLookup.
func (c *Cache[K, V]) Access(key K) (Entry[V], bool) {
	return c.lookup(key, false)
}

// CountLookup records one hit or one miss.
func (c *Cache[K, V]) CountLookup(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if hit {
		c.observer.ObserveCacheHit()
	} else {
		c.observer.ObserveCacheMiss()
	}
}

func (c *Cache[K, V]) lookup(key K, count bool) (Entry[V], bool) {
	now := c.clock.Now()
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		if count {
			c.misses++
		}
		c.mu.Unlock()
		if count {
			c.observer.ObserveCacheMiss()
		}
		return Entry[V]{}, false
	}
	n := elem.Value.(*node[K, V])
	if n.entry.Expired(now) {
		c.removeElement(elem)
		if count {
			c.misses++
		}
		c.expirations++
		size := len(c.items)
		c.mu.Unlock()
		c.observer.ObserveCacheExpiration()
		if count {
			c.observer.ObserveCacheMiss()
		}
		c.observer.ObserveCacheSize(size)
		return Entry[V]{}, false
	}
	n.entry.AccessCount++
	n.entry.LastAccessed = now
	c.order.MoveToFront(elem)
	if count {
		c.hits++
	}
	out := n.entry
	c.mu.Unlock()
	if count {
		c.observer.ObserveCacheHit()
	}
	return out, true
}

// Peek returns the entry without touching stats, recency or expiry.
func (c *Cache[K, V]) Peek(key K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	return elem.Value.(*node[K, V]).entry, true
}

// EntryAge reports how old a live entry is and the TTL it was stored with.
func (c *Cache[K, V]) EntryAge(key K) (age, ttl time.Duration, ok bool) {
	e, found := c.Peek(key)
	if !found {
		return 0, 0, false
	}
	now := c.clock.Now()
	if e.Expired(now) {
		return 0, 0, false
	}
	return e.Age(now), e.TTL, true
}

// Set stores value for ttl. A ttl <= 0 stores nothing and drops any existing
// entry. When the cache is full the least recently accessed entry is evicted
// first.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(key)
		return
	}
	now := c.clock.Now()
	entry := Entry[V]{Value: value, CreatedAt: now, TTL: ttl, LastAccessed: now}

	evicted := false
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*node[K, V]).entry = entry
		c.order.MoveToFront(elem)
	} else {
		if len(c.items) >= c.capacity {
			if oldest := c.order.Back(); oldest != nil {
				c.removeElement(oldest)
				c.evictions++
				evicted = true
			}
		}
		c.items[key] = c.order.PushFront(&node[K, V]{key: key, entry: entry})
	}
	size := len(c.items)
	c.mu.Unlock()

	if evicted {
		c.observer.ObserveCacheEviction()
	}
	c.observer.ObserveCacheSize(size)
}

func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	elem, ok := c.items[key]
	if ok {
		c.removeElement(elem)
	}
	size := len(c.items)
	c.mu.Unlock()
	if ok {
		c.observer.ObserveCacheSize(size)
	}
	return ok
}

// DeleteFunc removes every entry whose key matches and returns the count.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if match(elem.Value.(*node[K, V]).key) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	size := len(c.items)
	c.mu.Unlock()
	if removed > 0 {
		c.observer.ObserveCacheSize(size)
	}
	return removed
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	c.observer.ObserveCacheSize(0)
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns keys from most to least recently accessed.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*node[K, V]).key)
	}
	return keys
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.items),
		Capacity:    c.capacity,
	}
}

func (c *Cache[K, V]) ResetStats() {
	c.mu.Lock()
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many it removed. It walks
// from the least recently accessed entry and holds the lock for one entry at
// a time. When the entry it would visit next is removed concurrently the walk
// stops; the next sweep and lazy expiry on reads cover the rest.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	back := c.order.Back()
	if back == nil {
		c.mu.Unlock()
		return 0
	}
	key := back.Value.(*node[K, V]).key
	c.mu.Unlock()

	removed := 0
	for {
		now := c.clock.Now()
		c.mu.Lock()
		elem, ok := c.items[key]
		if !ok {
			c.mu.Unlock()
			break
		}
		prev := elem.Prev()
		if elem.Value.(*node[K, V]).entry.Expired(now) {
			c.removeElement(elem)
			c.expirations++
			removed++
		}
		if prev == nil {
			c.mu.Unlock()
			break
		}
		key = prev.Value.(*node[K, V]).key
		c.mu.Unlock()
	}
	if removed > 0 {
		c.observer.ObserveCacheSize(c.Len())
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache[K, V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*node[K, V]).key)
}
