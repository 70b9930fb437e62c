package ratelimit

import (
	"context"
	"fmt"
	"sort"

	"market-access-go/clock"
)

// Registry owns one Limiter per category. It is immutable after construction;
// each limiter carries its own lock so unrelated categories never contend.
type Registry struct {
	limiters map[Category]*Limiter
	fallback Category
	clock    clock.Clock
}

// NewRegistry builds limiters for rules. The quotation category must be present
// because unknown categories fall back to it.
func NewRegistry(rules []Rule, opts Options) (*Registry, error) {
	r := &Registry{
		limiters: make(map[Category]*Limiter, len(rules)),
		fallback: CategoryQuotation,
		clock:    clock.OrSystem(opts.Clock),
	}
	for _, rule := range rules {
		if _, dup := r.limiters[rule.Category]; dup {
			return nil, fmt.Errorf("%w: duplicate rule for %s", ErrInvalidRule, rule.Category)
		}
		l, err := NewLimiter(rule, opts)
		if err != nil {
			return nil, err
		}
		r.limiters[rule.Category] = l
	}
	if _, ok := r.limiters[r.fallback]; !ok {
		return nil, fmt.Errorf("%w: a %s rule is required", ErrInvalidRule, r.fallback)
	}
	return r, nil
}

// Limiter returns the limiter for c, or the fallback limiter when c has no
// rule of its own.
func (r *Registry) Limiter(c Category) *Limiter {
	if l, ok := r.limiters[c]; ok {
		return l
	}
	return r.limiters[r.fallback]
}

func (r *Registry) Acquire(ctx context.Context, c Category, policy RetryPolicy) (Decision, error) {
	return r.Limiter(c).Acquire(ctx, policy)
}

// Snapshots returns the state of every limiter ordered by category.
func (r *Registry) Snapshots() []Snapshot {
	now := r.clock.Now()
	out := make([]Snapshot, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.Snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
