package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-access-go/cache"
	"market-access-go/market"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Stream handles GET /v1/stream?markets=KRW-BTC&types=ticker. It pushes every
// published update matching the filters as one JSON text frame. A client
// that falls behind loses updates rather than slowing the publisher.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	symbols := make(map[string]bool)
	for _, s := range marketsParam(r) {
		symbols[strings.ToUpper(s)] = true
	}
	types := make(map[cache.DataType]bool)
	for _, v := range strings.Split(r.URL.Query().Get("types"), ",") {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		dt, err := cache.ParseDataType(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		types[dt] = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, cancel := h.svc.Publisher().Subscribe(streamBuffer)
	defer cancel()

	// 读循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !match(u, symbols, types) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func match(u market.Update, symbols map[string]bool, types map[cache.DataType]bool) bool {
	if len(symbols) > 0 && !symbols[u.Symbol] {
		return false
	}
	if len(types) > 0 && !types[u.DataType] {
		return false
	}
	return true
}
