package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-access-go/clock"
)

func TestNormalizeTicker(t *testing.T) {
	sym, payload, err := NormalizeTicker([]byte(`{"type":"ticker","code":"krw-btc","trade_price":"101.5","stream_type":"REALTIME","change":"RISE"}`))
	require.NoError(t, err)
	assert.Equal(t, "KRW-BTC", sym)
	assert.JSONEq(t, `{"market":"KRW-BTC","trade_price":"101.5","change":"RISE"}`, string(payload))

	_, _, err = NormalizeTicker([]byte(`{"type":"trade","code":"KRW-BTC","trade_price":1}`))
	assert.ErrorIs(t, err, ErrNotTicker)

	_, _, err = NormalizeTicker([]byte(`{"status":"UP"}`))
	assert.ErrorIs(t, err, ErrNotTicker)

	_, _, err = NormalizeTicker([]byte(`{"type":"ticker","code":"KRW-BTC","trade_price":0}`))
	assert.Error(t, err)

	_, _, err = NormalizeTicker([]byte(`not json`))
	assert.Error(t, err)
}

func TestTickerStreamForwardsTickers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []map[string]any, 1)
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
		subscribed <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"UP"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"ticker","code":"KRW-BTC","trade_price":100,"stream_type":"SNAPSHOT"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	type update struct {
		symbol  string
		payload json.RawMessage
	}
	got := make(chan update, 4)
	stream := NewTickerStream(StreamConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols: []string{"krw-btc"},
	}, func(symbol string, payload json.RawMessage) {
		got <- update{symbol, payload}
	}, nil)
	admitted := 0
	stream.SetAdmit(func(context.Context) error {
		admitted++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case sub := <-subscribed:
		require.Len(t, sub, 3)
		assert.NotEmpty(t, sub[0]["ticket"])
		assert.Equal(t, "ticker", sub[1]["type"])
		assert.Equal(t, []any{"KRW-BTC"}, sub[1]["codes"])
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case u := <-got:
		assert.Equal(t, "KRW-BTC", u.symbol)
		assert.JSONEq(t, `{"market":"KRW-BTC","trade_price":100}`, string(u.payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no ticker forwarded")
	}
	assert.Equal(t, uint64(1), stream.Received())
	assert.Equal(t, 1, admitted)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.False(t, stream.Connected())
}

func TestTickerStreamBacksOffWhenNotAdmitted(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	stream := NewTickerStream(StreamConfig{
		URL:        "ws://127.0.0.1:1/unused",
		Symbols:    []string{"KRW-BTC"},
		MinBackoff: time.Second,
		MaxBackoff: 4 * time.Second,
	}, nil, nil)
	stream.SetClock(fake)
	stream.SetAdmit(func(context.Context) error { return errors.New("denied") })
	disconnects := 0
	stream.SetHooks(func() { t.Error("no session should open") }, func(err error, messages uint64) {
		disconnects++
		assert.ErrorContains(t, err, "admit connect")
		assert.Zero(t, messages)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.OnSleep(func(time.Duration) {
		if len(fake.Sleeps()) == 5 {
			cancel()
		}
	})

	err := stream.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, fake.Sleeps())
	assert.Equal(t, 5, disconnects)
}

func TestTickerStreamRequiresSymbols(t *testing.T) {
	err := NewTickerStream(StreamConfig{}, nil, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSymbols)
}
