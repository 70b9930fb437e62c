package ratelimit

import "time"

const (
	warmupFloor          = 0.5
	defaultWarmupSamples = 30
	defaultColdSafety    = 1.2
)

// WarmupConfig tunes the cold-start throttle.
type WarmupConfig struct {
	Enabled bool
	// Samples is the number of admissions inside the horizon at which the
	// limiter is considered warm.
	Samples int
	// SafetyFactor (>= 1) stretches computed waits while cold.
	SafetyFactor float64
}

func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{Enabled: true, Samples: defaultWarmupSamples, SafetyFactor: defaultColdSafety}
}

func (c WarmupConfig) normalized() WarmupConfig {
	if c.Samples <= 0 {
		c.Samples = defaultWarmupSamples
	}
	if c.SafetyFactor < 1 {
		c.SafetyFactor = 1
	}
	return c
}

// warmup tracks recent admissions in a bounded queue. The factor rises from
// 0.5 to 1.0 as the queue fills and falls back as samples age out.
type warmup struct {
	cfg     WarmupConfig
	horizon time.Duration
	samples []time.Time
	factor  float64
	cold    bool
}

func newWarmup(cfg WarmupConfig, horizon time.Duration) warmup {
	cfg = cfg.normalized()
	w := warmup{cfg: cfg, horizon: horizon, factor: 1}
	if cfg.Enabled {
		w.samples = make([]time.Time, 0, cfg.Samples)
		w.factor = warmupFloor
		w.cold = true
	}
	return w
}

// update prunes samples older than the horizon and recomputes the factor.
func (w *warmup) update(now time.Time) {
	if !w.cfg.Enabled {
		return
	}
	cutoff := now.Add(-w.horizon)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		n := copy(w.samples, w.samples[drop:])
		w.samples = w.samples[:n]
	}
	ratio := float64(len(w.samples)) / float64(w.cfg.Samples)
	if ratio > 1 {
		ratio = 1
	}
	w.factor = warmupFloor + (1-warmupFloor)*ratio
	w.cold = w.factor < 1
}

func (w *warmup) record(now time.Time) {
	if !w.cfg.Enabled {
		return
	}
	if len(w.samples) == w.cfg.Samples {
		n := copy(w.samples, w.samples[1:])
		w.samples = w.samples[:n]
	}
	w.samples = append(w.samples, now)
}

// safety is the wait multiplier for the current state.
func (w *warmup) safety() float64 {
	if w.cold {
		return w.cfg.SafetyFactor
	}
	return 1
}
