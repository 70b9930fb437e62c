package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"market-access-go/cache"
)

// PrefetchConfig lists what the Prefetcher keeps warm.
type PrefetchConfig struct {
	Interval  time.Duration
	Symbols   []string
	DataTypes []cache.DataType
}

// Prefetcher refreshes watched ticker and orderbook entries once they have
// used up their prefetch threshold, so readers keep hitting the cache.
type Prefetcher struct {
	svc    *Service
	cfg    PrefetchConfig
	logger *zap.Logger
}

func NewPrefetcher(svc *Service, cfg PrefetchConfig, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if len(cfg.DataTypes) == 0 {
		cfg.DataTypes = []cache.DataType{cache.DataTicker}
	}
	cfg.Symbols = cache.NormalizeSymbols(cfg.Symbols)
	return &Prefetcher{svc: svc, cfg: cfg, logger: logger}
}

// RunOnce refreshes every stale watched entry, one batched call per data type,
// and returns the number of symbols refreshed.
func (p *Prefetcher) RunOnce(ctx context.Context) int {
	refreshed := 0
	for _, dt := range p.cfg.DataTypes {
		var stale []string
		for _, sym := range p.cfg.Symbols {
			if p.svc.policies.ShouldPrefetch(cache.Key(dt, []string{sym}, nil), dt) {
				stale = append(stale, sym)
			}
		}
		if len(stale) == 0 {
			continue
		}
		resp := p.svc.Refresh(ctx, dt, stale...)
		if !resp.Success {
			p.logger.Warn("prefetch failed",
				zap.String("data_type", string(dt)),
				zap.Strings("symbols", stale),
				zap.Error(resp.Err()))
			continue
		}
		refreshed += len(stale)
	}
	return refreshed
}

// Run calls RunOnce every Interval until ctx is done.
func (p *Prefetcher) Run(ctx context.Context) {
	if len(p.cfg.Symbols) == 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if n := p.RunOnce(ctx); n > 0 {
			p.logger.Debug("prefetched", zap.Int("symbols", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
