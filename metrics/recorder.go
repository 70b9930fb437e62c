// Package metrics exposes limiter, cache, transport and stream activity as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market-access-go/market"
	"market-access-go/ratelimit"
)

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

func DefaultConfig() Config {
	return Config{Namespace: "mdg", Subsystem: "access"}
}

// Recorder implements ratelimit.Observer, cache.Observer and market.Observer
// on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	// 限流
	limiterDecisions *prometheus.CounterVec
	limiterWait      *prometheus.HistogramVec
	limiterExhausted *prometheus.CounterVec
	warmupFactor     *prometheus.GaugeVec

	// 缓存
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	cacheExpirations prometheus.Counter
	cacheSize        prometheus.Gauge

	// 响应与传输
	responses        *prometheus.CounterVec
	responseLatency  *prometheus.HistogramVec
	transportLatency *prometheus.HistogramVec
	transportErrors  *prometheus.CounterVec

	// 行情推送
	streamMessages prometheus.Counter
	streamConnects prometheus.Counter
}

func New(cfg Config) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Recorder{
		registry: reg,

		limiterDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "limiter_decisions_total",
				Help:      "Admission decisions by category and result.",
			},
			[]string{"category", "result"},
		),
		limiterWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "limiter_wait_seconds",
				Help:      "Wait requested by denied admissions.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"category"},
		),
		limiterExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "limiter_exhausted_total",
				Help:      "Acquire calls that ran out of retries.",
			},
			[]string{"category"},
		),
		warmupFactor: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "limiter_warmup_factor",
				Help:      "Current warm-up capacity factor (0.5 cold .. 1 warm).",
			},
			[]string{"category"},
		),

		cacheHits:        counter("cache_hits_total", "Cache lookups that hit."),
		cacheMisses:      counter("cache_misses_total", "Cache lookups that missed."),
		cacheEvictions:   counter("cache_evictions_total", "Entries evicted at capacity."),
		cacheExpirations: counter("cache_expirations_total", "Entries removed after their TTL."),
		cacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cache_entries",
			Help:      "Entries currently cached.",
		}),

		responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "responses_total",
				Help:      "Responses by data type, channel and error kind.",
			},
			[]string{"data_type", "channel", "error"},
		),
		responseLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "response_latency_seconds",
				Help:      "End-to-end query latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"data_type", "channel"},
		),
		transportLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "transport_latency_seconds",
				Help:      "Exchange round-trip latency by category.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		transportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "transport_errors_total",
				Help:      "Failed exchange calls by category.",
			},
			[]string{"category"},
		),

		streamMessages: counter("stream_messages_total", "Ticker updates received from the live stream."),
		streamConnects: counter("stream_connects_total", "Live stream connection attempts."),
	}
}

func (r *Recorder) ObserveDecision(c ratelimit.Category, d ratelimit.Decision, warmupFactor float64) {
	result := "admitted"
	if !d.Allowed {
		result = "denied"
		r.limiterWait.WithLabelValues(string(c)).Observe(d.Wait.Seconds())
	}
	r.limiterDecisions.WithLabelValues(string(c), result).Inc()
	r.warmupFactor.WithLabelValues(string(c)).Set(warmupFactor)
}

func (r *Recorder) ObserveExhausted(c ratelimit.Category, _ time.Duration) {
	r.limiterExhausted.WithLabelValues(string(c)).Inc()
}

func (r *Recorder) ObserveCacheHit()        { r.cacheHits.Inc() }
func (r *Recorder) ObserveCacheMiss()       { r.cacheMisses.Inc() }
func (r *Recorder) ObserveCacheEviction()   { r.cacheEvictions.Inc() }
func (r *Recorder) ObserveCacheExpiration() { r.cacheExpirations.Inc() }
func (r *Recorder) ObserveCacheSize(n int)  { r.cacheSize.Set(float64(n)) }

func (r *Recorder) ObserveResponse(dataType string, src market.DataSource, kind market.ErrorKind) {
	errLabel := string(kind)
	if errLabel == "" {
		errLabel = "none"
	}
	r.responses.WithLabelValues(dataType, string(src.Channel), errLabel).Inc()
	if kind == "" {
		r.responseLatency.WithLabelValues(dataType, string(src.Channel)).Observe(src.LatencyMs / 1000)
	}
}

func (r *Recorder) ObserveFetch(c ratelimit.Category, latency time.Duration, err error) {
	r.transportLatency.WithLabelValues(string(c)).Observe(latency.Seconds())
	if err != nil {
		r.transportErrors.WithLabelValues(string(c)).Inc()
	}
}

// RecordStreamConnect counts a live stream connection attempt.
func (r *Recorder) RecordStreamConnect() { r.streamConnects.Inc() }

// RecordStreamMessage counts one forwarded ticker update.
func (r *Recorder) RecordStreamMessage() { r.streamMessages.Inc() }

// Handler 返回HTTP handler用于暴露指标
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
