package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"market-access-go/cache"
)

// Handler provides the HTTP handlers.
type Handler struct {
	svc    MarketService
	logger *zap.Logger
}

func NewHandler(svc MarketService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// InvalidateRequest is the body of POST /v1/cache/invalidate.
type InvalidateRequest struct {
	Symbol    string   `json:"symbol"`
	DataTypes []string `json:"data_types,omitempty"`
}

type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// Ticker handles GET /v1/ticker?markets=KRW-BTC,KRW-ETH
func (h *Handler) Ticker(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.svc.GetTicker(r.Context(), marketsParam(r)...))
}

// Orderbook handles GET /v1/orderbook?markets=KRW-BTC
func (h *Handler) Orderbook(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.svc.GetOrderbook(r.Context(), marketsParam(r)...))
}

// Trades handles GET /v1/trades?market=KRW-BTC&count=50
func (h *Handler) Trades(w http.ResponseWriter, r *http.Request) {
	count, ok := countParam(w, r)
	if !ok {
		return
	}
	writeResponse(w, h.svc.GetTrades(r.Context(), r.URL.Query().Get("market"), count))
}

// Candles handles GET /v1/candles/{unit} and /v1/candles/minutes/{n}.
func (h *Handler) Candles(w http.ResponseWriter, r *http.Request) {
	count, ok := countParam(w, r)
	if !ok {
		return
	}
	timeframe := chi.URLParam(r, "unit")
	if n := chi.URLParam(r, "n"); n != "" {
		timeframe = "minutes/" + n
	}
	writeResponse(w, h.svc.GetCandles(r.Context(), marketsParam(r), timeframe, count))
}

// Invalidate handles POST /v1/cache/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		writeBadRequest(w, "symbol is required")
		return
	}
	dts := make([]cache.DataType, 0, len(req.DataTypes))
	for _, name := range req.DataTypes {
		dt, err := cache.ParseDataType(name)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		dts = append(dts, dt)
	}
	writeJSON(w, http.StatusOK, InvalidateResponse{Removed: h.svc.Invalidate(req.Symbol, dts...)})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// marketsParam accepts markets=A,B as well as repeated market=A&market=B.
func marketsParam(r *http.Request) []string {
	q := r.URL.Query()
	var out []string
	for _, key := range []string{"markets", "market"} {
		for _, v := range q[key] {
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// countParam returns 0 when count is absent so the service default applies.
func countParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("count")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeBadRequest(w, "count must be an integer")
		return 0, false
	}
	return n, true
}
