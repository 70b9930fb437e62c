package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DataType tags the kind of market data stored under a key.
type DataType string

const (
	DataTicker    DataType = "ticker"
	DataOrderbook DataType = "orderbook"
	DataTrade     DataType = "trade"
	DataCandle    DataType = "candle"
)

var ErrUnknownDataType = errors.New("unknown data type")

func ParseDataType(s string) (DataType, error) {
	d := DataType(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DataTicker, DataOrderbook, DataTrade, DataCandle:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataType, s)
}

// Policy is how long a data type stays fresh and how far into its lifetime
// an entry must be before it is worth refreshing ahead of expiry.
type Policy struct {
	TTL               time.Duration
	PrefetchThreshold float64
}

func (p Policy) Validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be > 0, got %s", p.TTL)
	}
	if p.PrefetchThreshold <= 0 || p.PrefetchThreshold > 1 {
		return fmt.Errorf("prefetch threshold must be in (0, 1], got %v", p.PrefetchThreshold)
	}
	return nil
}

func DefaultPolicies() map[DataType]Policy {
	return map[DataType]Policy{
		DataTicker:    {TTL: 30 * time.Second, PrefetchThreshold: 0.8},
		DataOrderbook: {TTL: 10 * time.Second, PrefetchThreshold: 0.7},
		DataTrade:     {TTL: 60 * time.Second, PrefetchThreshold: 0.9},
		DataCandle:    {TTL: 300 * time.Second, PrefetchThreshold: 0.95},
	}
}

// Keyspace is the part of the cache the policy manager needs. *Cache[string, V]
// satisfies it for any V.
type Keyspace interface {
	EntryAge(key string) (age, ttl time.Duration, ok bool)
	DeleteFunc(match func(string) bool) int
}

// PolicyManager owns the data-type policy table. Reads are lock-free over an
// immutable snapshot; updates copy the table and swap it in.
type PolicyManager struct {
	keys  Keyspace
	table atomic.Pointer[map[DataType]Policy]
	write sync.Mutex
}

// NewPolicyManager validates policies and binds them to keys. Data types
// missing from policies get their defaults.
func NewPolicyManager(keys Keyspace, policies map[DataType]Policy) (*PolicyManager, error) {
	table := DefaultPolicies()
	for dt, p := range policies {
		if _, err := ParseDataType(string(dt)); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", dt, err)
		}
		table[dt] = p
	}
	m := &PolicyManager{keys: keys}
	m.table.Store(&table)
	return m, nil
}

// Policy returns the policy for dt; ok is false for unknown types.
func (m *PolicyManager) Policy(dt DataType) (Policy, bool) {
	p, ok := (*m.table.Load())[dt]
	return p, ok
}

// TTL is the configured TTL of dt, or 0 (do not cache) for unknown types.
func (m *PolicyManager) TTL(dt DataType) time.Duration {
	p, _ := m.Policy(dt)
	return p.TTL
}

// Policies returns a copy of the current table.
func (m *PolicyManager) Policies() map[DataType]Policy {
	cur := *m.table.Load()
	out := make(map[DataType]Policy, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// UpdatePolicy replaces the policy of one data type. Entries already cached
// keep the TTL they were stored with.
func (m *PolicyManager) UpdatePolicy(dt DataType, p Policy) error {
	return m.ReplacePolicies(map[DataType]Policy{dt: p})
}

// ReplacePolicies applies several updates atomically: either all of them
// validate and become visible together, or none do.
func (m *PolicyManager) ReplacePolicies(updates map[DataType]Policy) error {
	for dt, p := range updates {
		if _, err := ParseDataType(string(dt)); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", dt, err)
		}
	}
	m.write.Lock()
	defer m.write.Unlock()
	next := m.Policies()
	for dt, p := range updates {
		next[dt] = p
	}
	m.table.Store(&next)
	return nil
}

// ShouldPrefetch is true when key has no live entry, or when the entry has
// used up at least the data type's prefetch threshold of its TTL.
func (m *PolicyManager) ShouldPrefetch(key string, dt DataType) bool {
	age, ttl, ok := m.keys.EntryAge(key)
	if !ok || ttl <= 0 {
		return true
	}
	p, known := m.Policy(dt)
	if !known {
		return true
	}
	return age.Seconds()/ttl.Seconds() >= p.PrefetchThreshold
}

// Invalidate removes every cached key that mentions symbol, limited to
// dataTypes when any are given, and returns the number removed.
func (m *PolicyManager) Invalidate(symbol string, dataTypes ...DataType) int {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0
	}
	types := make(map[DataType]struct{}, len(dataTypes))
	for _, dt := range dataTypes {
		types[dt] = struct{}{}
	}
	return m.keys.DeleteFunc(func(key string) bool {
		dt, symbols, ok := ParseKey(key)
		if !ok {
			return false
		}
		if len(types) > 0 {
			if _, want := types[dt]; !want {
				return false
			}
		}
		for _, s := range symbols {
			if s == symbol {
				return true
			}
		}
		return false
	})
}
