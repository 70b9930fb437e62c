package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"market-access-go/cache"
	"market-access-go/infrastructure/logger"
	"market-access-go/ratelimit"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string            `yaml:"env"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	RateLimits []RateLimitConfig `yaml:"rateLimits"`
	Warmup     WarmupConfig      `yaml:"warmup"`
	Acquire    AcquireConfig     `yaml:"acquire"`
	Cache      CacheConfig       `yaml:"cache"`
	Prefetch   PrefetchConfig    `yaml:"prefetch"`
	Stream     StreamConfig      `yaml:"stream"`
	Server     ServerConfig      `yaml:"server"`
	Alerts     AlertConfig       `yaml:"alerts"`
	Log        logger.Config     `yaml:"log"`
}

type GatewayConfig struct {
	AccessKey  string        `yaml:"accessKey"`
	SecretKey  string        `yaml:"secretKey"`
	BaseURL    string        `yaml:"baseURL"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retryCount"`
}

// RateLimitConfig 是某一类接口的限流规则，多个窗口需同时满足。
type RateLimitConfig struct {
	Category string         `yaml:"category"`
	Windows  []WindowConfig `yaml:"windows"`
}

type WindowConfig struct {
	MaxRequests int           `yaml:"maxRequests"`
	Window      time.Duration `yaml:"window"`
}

type WarmupConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Samples      int     `yaml:"samples"`
	SafetyFactor float64 `yaml:"safetyFactor"`
}

type AcquireConfig struct {
	MaxRetries    int           `yaml:"maxRetries"`
	BackoffFactor float64       `yaml:"backoffFactor"`
	MaxWait       time.Duration `yaml:"maxWait"`
}

type CacheConfig struct {
	Capacity      int                     `yaml:"capacity"`
	SweepInterval time.Duration           `yaml:"sweepInterval"`
	Policies      map[string]PolicyConfig `yaml:"policies"`
}

type PolicyConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	PrefetchThreshold float64       `yaml:"prefetchThreshold"`
}

type PrefetchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Symbols   []string      `yaml:"symbols"`
	DataTypes []string      `yaml:"dataTypes"`
}

type StreamConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Symbols    []string      `yaml:"symbols"`
	MinBackoff time.Duration `yaml:"minBackoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	MetricsPath  string        `yaml:"metricsPath"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// AlertConfig 告警配置；WebhookURL 为空时只写日志
type AlertConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Throttle   time.Duration `yaml:"throttle"`
}

// Default returns a configuration that runs against the public exchange
// endpoints with the published quotas.
func Default() AppConfig {
	rules := ratelimit.DefaultRules()
	limits := make([]RateLimitConfig, len(rules))
	for i, r := range rules {
		windows := make([]WindowConfig, len(r.Windows))
		for j, w := range r.Windows {
			windows[j] = WindowConfig{MaxRequests: w.MaxRequests, Window: w.Window}
		}
		limits[i] = RateLimitConfig{Category: string(r.Category), Windows: windows}
	}
	policies := make(map[string]PolicyConfig)
	for dt, p := range cache.DefaultPolicies() {
		policies[string(dt)] = PolicyConfig{TTL: p.TTL, PrefetchThreshold: p.PrefetchThreshold}
	}
	wu := ratelimit.DefaultWarmupConfig()
	retry := ratelimit.DefaultRetryPolicy()
	return AppConfig{
		Env: "dev",
		Gateway: GatewayConfig{
			Timeout:    10 * time.Second,
			RetryCount: 0,
		},
		RateLimits: limits,
		Warmup:     WarmupConfig{Enabled: wu.Enabled, Samples: wu.Samples, SafetyFactor: wu.SafetyFactor},
		Acquire:    AcquireConfig{MaxRetries: retry.MaxRetries, BackoffFactor: retry.BackoffFactor, MaxWait: retry.MaxWait},
		Cache: CacheConfig{
			Capacity:      cache.DefaultCapacity,
			SweepInterval: time.Minute,
			Policies:      policies,
		},
		Prefetch: PrefetchConfig{Interval: 5 * time.Second, DataTypes: []string{"ticker"}},
		Stream:   StreamConfig{MinBackoff: time.Second, MaxBackoff: 30 * time.Second},
		Server: ServerConfig{
			Addr:         ":8080",
			MetricsPath:  "/metrics",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Alerts: AlertConfig{Throttle: 5 * time.Minute},
		Log:    logger.DefaultConfig(),
	}
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(raw []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// LoadWithEnvOverrides loads config then overrides credentials and the base
// URL from MDG_ACCESS_KEY, MDG_SECRET_KEY and MDG_BASE_URL when set.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv("MDG_ACCESS_KEY"); v != "" {
		cfg.Gateway.AccessKey = v
	}
	if v := os.Getenv("MDG_SECRET_KEY"); v != "" {
		cfg.Gateway.SecretKey = v
	}
	if v := os.Getenv("MDG_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
}

// Rules converts the rateLimits section.
func (c AppConfig) Rules() ([]ratelimit.Rule, error) {
	rules := make([]ratelimit.Rule, 0, len(c.RateLimits))
	for _, rl := range c.RateLimits {
		cat, err := ratelimit.ParseCategory(rl.Category)
		if err != nil {
			return nil, err
		}
		r := ratelimit.Rule{Category: cat, Name: rl.Category}
		for _, w := range rl.Windows {
			r.Windows = append(r.Windows, ratelimit.RateWindow{MaxRequests: w.MaxRequests, Window: w.Window})
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// CachePolicies converts the cache.policies section.
func (c AppConfig) CachePolicies() (map[cache.DataType]cache.Policy, error) {
	out := make(map[cache.DataType]cache.Policy, len(c.Cache.Policies))
	for name, p := range c.Cache.Policies {
		dt, err := cache.ParseDataType(name)
		if err != nil {
			return nil, err
		}
		pol := cache.Policy{TTL: p.TTL, PrefetchThreshold: p.PrefetchThreshold}
		if err := pol.Validate(); err != nil {
			return nil, fmt.Errorf("cache.policies.%s: %w", name, err)
		}
		out[dt] = pol
	}
	return out, nil
}

// PrefetchDataTypes converts prefetch.dataTypes.
func (c AppConfig) PrefetchDataTypes() ([]cache.DataType, error) {
	out := make([]cache.DataType, 0, len(c.Prefetch.DataTypes))
	for _, name := range c.Prefetch.DataTypes {
		dt, err := cache.ParseDataType(name)
		if err != nil {
			return nil, err
		}
		if dt != cache.DataTicker && dt != cache.DataOrderbook {
			return nil, fmt.Errorf("prefetch.dataTypes: %s cannot be prefetched", dt)
		}
		out = append(out, dt)
	}
	return out, nil
}

func (c AppConfig) WarmupOptions() ratelimit.WarmupConfig {
	return ratelimit.WarmupConfig{Enabled: c.Warmup.Enabled, Samples: c.Warmup.Samples, SafetyFactor: c.Warmup.SafetyFactor}
}

func (c AppConfig) RetryPolicy() ratelimit.RetryPolicy {
	return ratelimit.RetryPolicy{MaxRetries: c.Acquire.MaxRetries, BackoffFactor: c.Acquire.BackoffFactor, MaxWait: c.Acquire.MaxWait}
}
