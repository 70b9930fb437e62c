package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-access-go/cache"
	"market-access-go/config"
	"market-access-go/infrastructure/logger"
	"market-access-go/market"
	"market-access-go/ratelimit"
)

type stubTransport struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTransport) FetchSingle(_ context.Context, _, _ string, params map[string]string) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	m := params["markets"]
	if m == "" {
		m = params["market"]
	}
	return []byte(fmt.Sprintf(`[{"market":%q,"trade_price":100}]`, m)), nil
}

func (s *stubTransport) FetchBatch(_ context.Context, _, _ string, symbols []string, _ map[string]string) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	parts := make([]string, len(symbols))
	for i, sym := range symbols {
		parts[i] = fmt.Sprintf(`{"market":%q,"trade_price":100}`, sym)
	}
	return []byte("[" + strings.Join(parts, ",") + "]"), nil
}

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Env = "test"
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Warmup.Enabled = false
	return cfg
}

func startContainer(t *testing.T, cfg config.AppConfig, opts Options) *Container {
	t.Helper()
	if opts.Transport == nil {
		opts.Transport = &stubTransport{}
	}
	opts.Logger = logger.Nop()
	c := NewWithConfig(cfg, opts)
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestContainerServesQueries(t *testing.T) {
	tr := &stubTransport{}
	c := startContainer(t, testConfig(), Options{Transport: tr})
	base := "http://" + c.APIAddr().String()

	resp, err := http.Get(base + "/v1/ticker?markets=KRW-BTC")
	require.NoError(t, err)
	var body market.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.True(t, body.Success)
	assert.Equal(t, market.ChannelRequest, body.Source.Channel)

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"cache_sweeper", "api_server"}, c.lifecycle.Names())
	require.NoError(t, c.HealthCheck())

	require.NoError(t, c.Stop())
	assert.Error(t, c.HealthCheck())
}

func TestContainerTransportRetriesAreRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[{"market":"KRW-BTC","trade_price":100}]`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Gateway.BaseURL = srv.URL
	cfg.Gateway.RetryCount = 1
	c := NewWithConfig(cfg, Options{Logger: logger.Nop()})
	require.NoError(t, c.Build())

	resp := c.Service().GetTicker(context.Background(), "KRW-BTC")
	require.True(t, resp.Success, "%v", resp.Err())
	assert.Equal(t, int32(2), hits.Load())

	snap := c.limiters.Limiter(ratelimit.CategoryQuotation).Snapshot(time.Now())
	w := snap.Windows[0]
	assert.Equal(t, 2, w.Current+w.Previous)
}

func TestContainerBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Capacity = 0
	c := NewWithConfig(cfg, Options{Logger: logger.Nop()})
	err := c.Build()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestContainerStartFailsOnBusyPort(t *testing.T) {
	first := startContainer(t, testConfig(), Options{})
	cfg := testConfig()
	cfg.Server.Addr = first.APIAddr().String()
	c := NewWithConfig(cfg, Options{Transport: &stubTransport{}, Logger: logger.Nop()})
	require.NoError(t, c.Build())
	assert.Error(t, c.Start(context.Background()))
}

func TestLiveTickersReachTheCache(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub []map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"ticker","code":"KRW-BTC","trade_price":123}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Stream = config.StreamConfig{
		Enabled:    true,
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:    []string{"KRW-BTC"},
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}
	tr := &stubTransport{}
	c := startContainer(t, cfg, Options{Transport: tr})

	require.Eventually(t, func() bool { return c.Stream().Received() == 1 }, 5*time.Second, 10*time.Millisecond)
	resp := c.Service().GetTicker(context.Background(), "KRW-BTC")
	require.True(t, resp.Success)
	assert.Equal(t, market.ChannelCache, resp.Source.Channel)
	assert.JSONEq(t, `{"market":"KRW-BTC","trade_price":123}`, string(resp.Data["KRW-BTC"]))
	assert.InDelta(t, 0.99, resp.Source.Reliability, 0.01)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Zero(t, tr.calls)
}

func TestPolicyHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: test\nserver:\n  addr: 127.0.0.1:0\n"), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	c := startContainer(t, cfg, Options{ConfigPath: path})
	assert.Contains(t, c.lifecycle.Names(), "policy_watcher")

	require.NoError(t, os.WriteFile(path, []byte(`
env: test
server:
  addr: 127.0.0.1:0
cache:
  policies:
    ticker: {ttl: 3s, prefetchThreshold: 0.5}
`), 0o644))
	require.Eventually(t, func() bool {
		return c.Service().Stats().Policies[cache.DataTicker].TTL == 3*time.Second
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLimiterExhaustionRaisesAlert(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimits = []config.RateLimitConfig{{
		Category: "quotation",
		Windows:  []config.WindowConfig{{MaxRequests: 1, Window: time.Hour}},
	}}
	cfg.Acquire = config.AcquireConfig{MaxRetries: 1, BackoffFactor: 1.1, MaxWait: time.Millisecond}
	c := startContainer(t, cfg, Options{})

	ctx := context.Background()
	require.True(t, c.Service().GetTicker(ctx, "KRW-BTC").Success)
	resp := c.Service().GetTicker(ctx, "KRW-ETH")
	require.False(t, resp.Success)
	assert.Equal(t, market.KindRateLimited, resp.Error.Kind)
	c.Service().GetTicker(ctx, "KRW-XRP")

	// 同一告警在限流窗口内只发一次
	sent, dropped := c.Alerts().Counts()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, ratelimit.CategoryQuotation, c.limiters.Limiter(ratelimit.CategoryOrder).Category())
}
