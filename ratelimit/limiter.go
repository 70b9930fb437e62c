// Package ratelimit keeps outbound exchange traffic under the published
// per-category quotas.
//
// Each category owns a Limiter holding one sliding-window counter per
// configured window ("10/s AND 600/min"). The admission check, the counter
// increments and the warm-up bookkeeping run in one critical section per
// limiter, so two callers can never both believe they were the Nth request of
// a window. Waiting between retries happens outside that lock.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-access-go/clock"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// ExceededError is returned by Acquire after the retry budget is spent.
type ExceededError struct {
	Category   Category
	RetryAfter time.Duration
	Attempts   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s after %d attempts, retry after %s", e.Category, e.Attempts, e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Wait is the binding (largest) per-window wait when denied.
	Wait time.Duration
}

// RetryPolicy bounds Acquire. Sleeps between attempts are
// min(Wait*BackoffFactor, MaxWait).
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor float64
	MaxWait       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffFactor: 1.1, MaxWait: 2 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 1.1
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 2 * time.Second
	}
	return p
}

// Backoff returns the sleep applied after a denial that asked for wait.
func (p RetryPolicy) Backoff(wait time.Duration) time.Duration {
	p = p.normalized()
	d := time.Duration(float64(wait) * p.BackoffFactor)
	if d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// Observer receives limiter events; metrics.Recorder implements it.
type Observer interface {
	ObserveDecision(category Category, d Decision, warmupFactor float64)
	ObserveExhausted(category Category, retryAfter time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(Category, Decision, float64) {}
func (nopObserver) ObserveExhausted(Category, time.Duration)     {}

// Options configures a Limiter. Zero values select defaults.
type Options struct {
	Warmup   WarmupConfig
	Clock    clock.Clock
	Observer Observer
	Logger   *zap.Logger
}

// Limiter is the sliding-window admission controller of one category.
type Limiter struct {
	rule     Rule
	clock    clock.Clock
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	windows []*windowCounter
	warm    warmup
}

// NewLimiter validates rule and builds a limiter whose windows start now.
func NewLimiter(rule Rule, opts Options) (*Limiter, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	clk := clock.OrSystem(opts.Clock)
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := clk.Now()
	windows := make([]*windowCounter, len(rule.Windows))
	for i, w := range rule.Windows {
		windows[i] = newWindowCounter(w, origin)
	}
	return &Limiter{
		rule:     rule,
		clock:    clk,
		observer: obs,
		logger:   logger.With(zap.String("category", string(rule.Category))),
		windows:  windows,
		warm:     newWarmup(opts.Warmup, 2*rule.longestWindow()),
	}, nil
}

func (l *Limiter) Category() Category { return l.rule.Category }

func (l *Limiter) Rule() Rule { return l.rule }

// Admit checks every window at now and, if all of them have room, records the
// request. The check and the increments are atomic.
func (l *Limiter) Admit(now time.Time) Decision {
	l.mu.Lock()
	for _, w := range l.windows {
		w.roll(now)
	}
	l.warm.update(now)
	factor, safety := l.warm.factor, l.warm.safety()

	d := Decision{Allowed: true}
	for _, w := range l.windows {
		ok, wait := w.check(now, factor, safety)
		if !ok {
			d.Allowed = false
			if wait > d.Wait {
				d.Wait = wait
			}
		}
	}
	if d.Allowed {
		for _, w := range l.windows {
			w.record()
		}
		l.warm.record(now)
	}
	l.mu.Unlock()

	l.observer.ObserveDecision(l.rule.Category, d, factor)
	return d
}

// Acquire admits one request, sleeping between attempts as the limiter asks.
// It makes at most policy.MaxRetries attempts and returns *ExceededError
// carrying the last wait as RetryAfter when none succeeds. A done ctx aborts
// the wait with ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, policy RetryPolicy) (Decision, error) {
	policy = policy.normalized()
	var last Decision
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		last = l.Admit(l.clock.Now())
		if last.Allowed {
			return last, nil
		}
		if attempt == policy.MaxRetries {
			break
		}
		sleep := policy.Backoff(last.Wait)
		l.logger.Debug("rate limited, waiting",
			zap.Int("attempt", attempt),
			zap.Duration("wait", last.Wait),
			zap.Duration("sleep", sleep))
		if err := l.clock.Sleep(ctx, sleep); err != nil {
			return last, err
		}
	}
	l.observer.ObserveExhausted(l.rule.Category, last.Wait)
	l.logger.Warn("rate limit retries exhausted",
		zap.Int("attempts", policy.MaxRetries),
		zap.Duration("retry_after", last.Wait))
	return last, &ExceededError{Category: l.rule.Category, RetryAfter: last.Wait, Attempts: policy.MaxRetries}
}

// WindowSnapshot is a read-only view of one window.
type WindowSnapshot struct {
	Limit     RateWindow
	Current   int
	Previous  int
	Start     time.Time
	Estimated float64
}

// Snapshot is a read-only view of a limiter.
type Snapshot struct {
	Category     Category
	Rule         string
	WarmupFactor float64
	Cold         bool
	Windows      []WindowSnapshot
}

// Snapshot reports the limiter state as of now without recording a request.
func (l *Limiter) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windows {
		w.roll(now)
	}
	l.warm.update(now)
	s := Snapshot{
		Category:     l.rule.Category,
		Rule:         l.rule.String(),
		WarmupFactor: l.warm.factor,
		Cold:         l.warm.cold,
		Windows:      make([]WindowSnapshot, len(l.windows)),
	}
	for i, w := range l.windows {
		s.Windows[i] = w.snapshot(now)
	}
	return s
}
