package config

import (
	"errors"
	"fmt"
	"net/url"

	"market-access-go/ratelimit"
)

// ErrInvalid 用于参数验证错误。
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate ensures the configuration can build every component.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if cfg.Gateway.BaseURL != "" {
		if u, err := url.Parse(cfg.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("gateway.baseURL %q is not an absolute URL", cfg.Gateway.BaseURL)
		}
	}
	if (cfg.Gateway.AccessKey == "") != (cfg.Gateway.SecretKey == "") {
		return invalid("gateway.accessKey and gateway.secretKey must be set together")
	}
	if cfg.Gateway.Timeout < 0 || cfg.Gateway.RetryCount < 0 {
		return invalid("gateway.timeout and gateway.retryCount must be >= 0")
	}

	rules, err := cfg.Rules()
	if err != nil {
		return invalid("rateLimits: %v", err)
	}
	seen := make(map[ratelimit.Category]bool, len(rules))
	for _, r := range rules {
		if seen[r.Category] {
			return invalid("rateLimits: duplicate category %s", r.Category)
		}
		seen[r.Category] = true
	}
	if !seen[ratelimit.CategoryQuotation] {
		return invalid("rateLimits: a %s rule is required", ratelimit.CategoryQuotation)
	}

	if cfg.Warmup.Enabled && (cfg.Warmup.Samples < 1 || cfg.Warmup.SafetyFactor < 1) {
		return invalid("warmup.samples must be >= 1 and warmup.safetyFactor >= 1")
	}
	if cfg.Acquire.MaxRetries < 1 {
		return invalid("acquire.maxRetries must be >= 1")
	}
	if cfg.Acquire.BackoffFactor <= 0 || cfg.Acquire.MaxWait <= 0 {
		return invalid("acquire.backoffFactor and acquire.maxWait must be > 0")
	}

	if cfg.Cache.Capacity < 1 {
		return invalid("cache.capacity must be >= 1")
	}
	if cfg.Cache.SweepInterval < 0 {
		return invalid("cache.sweepInterval must be >= 0")
	}
	if _, err := cfg.CachePolicies(); err != nil {
		return invalid("%v", err)
	}

	if cfg.Prefetch.Enabled {
		if len(cfg.Prefetch.Symbols) == 0 || cfg.Prefetch.Interval <= 0 {
			return invalid("prefetch needs symbols and a positive interval")
		}
		if _, err := cfg.PrefetchDataTypes(); err != nil {
			return invalid("%v", err)
		}
	}
	if cfg.Stream.Enabled && len(cfg.Stream.Symbols) == 0 {
		return invalid("stream.symbols is required when the stream is enabled")
	}
	if cfg.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if cfg.Alerts.WebhookURL != "" {
		if u, err := url.Parse(cfg.Alerts.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("alerts.webhookURL %q is not an absolute URL", cfg.Alerts.WebhookURL)
		}
	}
	if cfg.Alerts.Throttle < 0 {
		return invalid("alerts.throttle must be >= 0")
	}
	if err := cfg.Log.Validate(); err != nil {
		return invalid("log: %v", err)
	}
	return nil
}
