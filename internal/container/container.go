// Package container builds every component from configuration and owns their
// start/stop order.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"market-access-go/cache"
	"market-access-go/clock"
	"market-access-go/config"
	"market-access-go/gateway"
	"market-access-go/infrastructure/alert"
	"market-access-go/infrastructure/logger"
	"market-access-go/internal/httpapi"
	"market-access-go/market"
	"market-access-go/metrics"
	"market-access-go/ratelimit"
)

// Options override parts of the wiring. The zero value builds everything from
// the configuration.
type Options struct {
	// ConfigPath enables hot reload of the cache policy table.
	ConfigPath string
	// Transport replaces the REST client.
	Transport gateway.Transport
	Clock     clock.Clock
	// Logger replaces the logger built from the log section; the caller
	// keeps ownership of it.
	Logger *logger.Logger
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg  config.AppConfig
	opts Options

	// 基础设施
	logger    *logger.Logger
	ownLogger bool
	recorder  *metrics.Recorder
	alerts    *alert.Manager

	// 数据访问层
	limiters  *ratelimit.Registry
	cache     *market.PayloadCache
	policies  *cache.PolicyManager
	transport gateway.Transport
	service   *market.Service

	// 后台组件
	prefetcher *market.Prefetcher
	stream     *gateway.TickerStream
	watcher    *config.PolicyWatcher
	api        *httpServerComponent

	lifecycle *LifecycleManager
}

// New loads the configuration at configPath, applies environment overrides
// and returns an unbuilt container that hot-reloads cache policies from it.
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, Options{ConfigPath: configPath}), nil
}

func NewWithConfig(cfg config.AppConfig, opts Options) *Container {
	return &Container{
		cfg:       cfg,
		opts:      opts,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := config.Validate(c.cfg); err != nil {
		return err
	}
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildAccessLayer(); err != nil {
		return fmt.Errorf("build access layer failed: %w", err)
	}
	if err := c.buildBackground(); err != nil {
		return fmt.Errorf("build background components failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("container built", zap.String("env", c.cfg.Env), zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.opts.Logger != nil {
		c.logger = c.opts.Logger
	} else {
		l, err := logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
		c.logger = l
		c.ownLogger = true
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"env": c.cfg.Env})

	c.recorder = metrics.New(metrics.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Component("alert"))}
	if c.cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alerts.WebhookURL, 0))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alerts.Throttle, c.opts.Clock)
	return nil
}

func (c *Container) buildAccessLayer() error {
	rules, err := c.cfg.Rules()
	if err != nil {
		return err
	}
	c.limiters, err = ratelimit.NewRegistry(rules, ratelimit.Options{
		Warmup:   c.cfg.WarmupOptions(),
		Clock:    c.opts.Clock,
		Observer: &limiterAlerts{next: c.recorder, alerts: c.alerts},
		Logger:   c.logger.Component("ratelimit"),
	})
	if err != nil {
		return fmt.Errorf("create limiters failed: %w", err)
	}

	c.cache = cache.New[string, market.Payload](cache.Options{
		Capacity: c.cfg.Cache.Capacity,
		Clock:    c.opts.Clock,
		Observer: c.recorder,
	})
	policies, err := c.cfg.CachePolicies()
	if err != nil {
		return err
	}
	c.policies, err = cache.NewPolicyManager(c.cache, policies)
	if err != nil {
		return fmt.Errorf("create policy manager failed: %w", err)
	}

	resolver := ratelimit.DefaultResolver()
	c.transport = c.opts.Transport
	if c.transport == nil {
		rest, err := gateway.NewRESTClient(gateway.RESTConfig{
			BaseURL:    c.cfg.Gateway.BaseURL,
			AccessKey:  c.cfg.Gateway.AccessKey,
			SecretKey:  c.cfg.Gateway.SecretKey,
			Timeout:    c.cfg.Gateway.Timeout,
			RetryCount: c.cfg.Gateway.RetryCount,
			Readmit:    c.readmit(resolver),
		}, c.logger.Component("gateway"))
		if err != nil {
			return fmt.Errorf("create rest client failed: %w", err)
		}
		c.transport = rest
	}

	c.service, err = market.NewService(market.Deps{
		Cache:     c.cache,
		Policies:  c.policies,
		Limiters:  c.limiters,
		Resolver:  resolver,
		Transport: c.transport,
		Retry:     c.cfg.RetryPolicy(),
		Clock:     c.opts.Clock,
		Observer:  &queryLog{next: c.recorder, logger: c.logger},
		Logger:    c.logger.Component("market"),
	})
	return err
}

// readmit sends transport retries back through the limiter of their category.
func (c *Container) readmit(resolver *ratelimit.Resolver) gateway.Readmit {
	policy := c.cfg.RetryPolicy()
	return func(ctx context.Context, path, verb string) error {
		_, err := c.limiters.Acquire(ctx, resolver.Resolve(path, verb), policy)
		return err
	}
}

func (c *Container) buildBackground() error {
	if c.cfg.Prefetch.Enabled {
		dts, err := c.cfg.PrefetchDataTypes()
		if err != nil {
			return err
		}
		c.prefetcher = market.NewPrefetcher(c.service, market.PrefetchConfig{
			Interval:  c.cfg.Prefetch.Interval,
			Symbols:   c.cfg.Prefetch.Symbols,
			DataTypes: dts,
		}, c.logger.Component("prefetch"))
	}

	if c.cfg.Stream.Enabled {
		c.stream = gateway.NewTickerStream(gateway.StreamConfig{
			URL:        c.cfg.Stream.URL,
			Symbols:    c.cfg.Stream.Symbols,
			MinBackoff: c.cfg.Stream.MinBackoff,
			MaxBackoff: c.cfg.Stream.MaxBackoff,
		}, c.ingestTicker, c.logger.Component("stream"))
		c.stream.SetClock(c.opts.Clock)
		retry := c.cfg.RetryPolicy()
		c.stream.SetAdmit(func(ctx context.Context) error {
			_, err := c.limiters.Acquire(ctx, ratelimit.CategoryWebsocket, retry)
			return err
		})
		c.stream.SetHooks(c.recorder.RecordStreamConnect, func(err error, messages uint64) {
			// 没收到任何消息就断开才告警，正常重连不打扰
			if messages == 0 {
				_ = c.alerts.Warning("ticker stream unavailable", map[string]any{"error": errString(err)})
			}
		})
	}

	if c.opts.ConfigPath != "" {
		path := c.opts.ConfigPath
		w, err := config.NewPolicyWatcher(path, 0, func(p map[cache.DataType]cache.Policy) error {
			err := c.policies.ReplacePolicies(p)
			c.logger.LogConfigReload(path, err)
			return err
		}, c.logger.Component("config"))
		if err != nil {
			return err
		}
		c.watcher = w
	}

	handler := httpapi.NewRouter(c.service, httpapi.RouterConfig{
		MetricsHandler: c.recorder.Handler(),
		MetricsPath:    c.cfg.Server.MetricsPath,
		Health:         c.HealthCheck,
		RequestTimeout: c.cfg.Server.WriteTimeout,
		Logger:         c.logger.Component("http"),
	})
	c.api = &httpServerComponent{
		name: "api_server",
		server: &http.Server{
			Addr:         c.cfg.Server.Addr,
			Handler:      handler,
			ReadTimeout:  c.cfg.Server.ReadTimeout,
			WriteTimeout: c.cfg.Server.WriteTimeout,
		},
		logger: c.logger.Logger,
	}
	return nil
}

func (c *Container) ingestTicker(symbol string, payload json.RawMessage) {
	c.recorder.RecordStreamMessage()
	if err := c.service.Ingest(cache.DataTicker, symbol, payload); err != nil {
		c.logger.Debug("drop live ticker", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (c *Container) registerLifecycleComponents() {
	log := c.logger.Logger
	c.lifecycle.Register(newRunner("cache_sweeper", func(ctx context.Context) error {
		c.cache.RunSweeper(ctx, c.cfg.Cache.SweepInterval)
		return ctx.Err()
	}, log))
	if c.watcher != nil {
		c.lifecycle.Register(newRunner("policy_watcher", c.watcher.Run, log))
	}
	if c.stream != nil {
		c.lifecycle.Register(newRunner("ticker_stream", c.stream.Run, log))
	}
	if c.prefetcher != nil {
		c.lifecycle.Register(newRunner("prefetcher", func(ctx context.Context) error {
			c.prefetcher.Run(ctx)
			return ctx.Err()
		}, log))
	}
	c.lifecycle.Register(c.api)
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop stops every component in reverse start order and closes the logger
// when the container created it.
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.Error("stop failed", zap.Error(err))
	}
	sent, dropped := c.alerts.Counts()
	c.logger.Info("container stopped", zap.Int("alerts_sent", sent), zap.Int("alerts_throttled", dropped))
	if c.ownLogger {
		_ = c.logger.Close()
	}
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() config.AppConfig      { return c.cfg }
func (c *Container) Logger() *logger.Logger        { return c.logger }
func (c *Container) Service() *market.Service      { return c.service }
func (c *Container) Recorder() *metrics.Recorder   { return c.recorder }
func (c *Container) Alerts() *alert.Manager        { return c.alerts }
func (c *Container) Stream() *gateway.TickerStream { return c.stream }

// APIAddr is the address the API server is bound to, or nil before Start.
func (c *Container) APIAddr() net.Addr {
	if c.api == nil {
		return nil
	}
	return c.api.Addr()
}

// limiterAlerts forwards limiter events to the metrics recorder and raises an
// alert whenever a caller runs out of admission attempts.
type limiterAlerts struct {
	next   ratelimit.Observer
	alerts *alert.Manager
}

func (o *limiterAlerts) ObserveDecision(cat ratelimit.Category, d ratelimit.Decision, warmupFactor float64) {
	o.next.ObserveDecision(cat, d, warmupFactor)
}

func (o *limiterAlerts) ObserveExhausted(cat ratelimit.Category, retryAfter time.Duration) {
	o.next.ObserveExhausted(cat, retryAfter)
	_ = o.alerts.Warning("rate limiter exhausted", map[string]any{
		"category":    string(cat),
		"retry_after": retryAfter.String(),
	})
}

// queryLog forwards service events to the metrics recorder and writes one
// query_event per response.
type queryLog struct {
	next   market.Observer
	logger *logger.Logger
}

func (q *queryLog) ObserveResponse(dataType string, src market.DataSource, kind market.ErrorKind) {
	q.next.ObserveResponse(dataType, src, kind)
	var err error
	if kind != "" {
		err = errors.New(string(kind))
	}
	q.logger.LogQuery(dataType, string(src.Channel), time.Duration(src.LatencyMs*float64(time.Millisecond)), err)
}

func (q *queryLog) ObserveFetch(cat ratelimit.Category, latency time.Duration, err error) {
	q.next.ObserveFetch(cat, latency, err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}
