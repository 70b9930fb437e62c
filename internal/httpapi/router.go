// Package httpapi exposes the market data service over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"market-access-go/cache"
	"market-access-go/market"
)

// MarketService is the part of market.Service the API serves.
type MarketService interface {
	GetTicker(ctx context.Context, symbols ...string) market.Response
	GetOrderbook(ctx context.Context, symbols ...string) market.Response
	GetCandles(ctx context.Context, symbols []string, timeframe string, count int) market.Response
	GetTrades(ctx context.Context, symbol string, count int) market.Response
	Invalidate(symbol string, dataTypes ...cache.DataType) int
	Stats() market.Stats
	Publisher() *market.Publisher
}

// RouterConfig holds router configuration.
type RouterConfig struct {
	// MetricsHandler is mounted at MetricsPath when both are set.
	MetricsHandler http.Handler
	MetricsPath    string

	// Health reports readiness; nil means always healthy.
	Health func() error

	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter creates the HTTP router.
func NewRouter(svc MarketService, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil && cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}
	r.Get("/stats", h.Stats)

	r.Route("/v1", func(r chi.Router) {
		// 推送连接不受请求超时限制
		r.Get("/stream", h.Stream)

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			r.Get("/ticker", h.Ticker)
			r.Get("/orderbook", h.Orderbook)
			r.Get("/trades", h.Trades)
			r.Get("/candles/minutes/{n}", h.Candles)
			r.Get("/candles/{unit}", h.Candles)
			r.Post("/cache/invalidate", h.Invalidate)
		})
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
