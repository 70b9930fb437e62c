package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-access-go/clock"
)

const DefaultStreamURL = "wss://api.upbit.com/websocket/v1"

var (
	ErrNotTicker     = errors.New("not a ticker message")
	ErrNoSymbols     = errors.New("no symbols subscribed")
	errStreamSession = errors.New("stream session ended")
)

// StreamConfig configures TickerStream.
type StreamConfig struct {
	URL         string
	Symbols     []string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	ReadTimeout time.Duration
}

// TickerSink receives one normalized ticker payload per message.
type TickerSink func(symbol string, payload json.RawMessage)

// TickerStream keeps a websocket ticker subscription alive and forwards
// every update, rewritten to the REST ticker field names, to a sink.
type TickerStream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	sink   TickerSink
	admit  func(ctx context.Context) error
	clock  clock.Clock
	logger *zap.Logger

	onConnect    func()
	onDisconnect func(err error, messages uint64)

	mu        sync.Mutex
	connected bool
	received  uint64
}

func NewTickerStream(cfg StreamConfig, sink TickerSink, logger *zap.Logger) *TickerStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &TickerStream{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		sink:   sink,
		clock:  clock.System,
		logger: logger,
	}
}

// SetAdmit installs the hook consulted before every connection attempt.
// A non-nil error skips the attempt.
func (s *TickerStream) SetAdmit(fn func(ctx context.Context) error) { s.admit = fn }

// SetHooks installs callbacks for session open and session end. Either may
// be nil. They run on the Run goroutine.
func (s *TickerStream) SetHooks(onConnect func(), onDisconnect func(err error, messages uint64)) {
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
}

// SetClock replaces the clock used for reconnect backoff.
func (s *TickerStream) SetClock(c clock.Clock) { s.clock = clock.OrSystem(c) }

// Connected reports whether a session is currently open.
func (s *TickerStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Received is the number of ticker updates forwarded so far.
func (s *TickerStream) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Run blocks until ctx is done, reconnecting with exponential backoff.
func (s *TickerStream) Run(ctx context.Context) error {
	if len(s.cfg.Symbols) == 0 {
		return ErrNoSymbols
	}
	backoff := s.cfg.MinBackoff
	for {
		got, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if got > 0 {
			backoff = s.cfg.MinBackoff
		}
		if s.onDisconnect != nil {
			s.onDisconnect(err, got)
		}
		s.logger.Warn("ticker stream disconnected",
			zap.Error(err),
			zap.Uint64("messages", got),
			zap.Duration("retry_in", backoff))
		if err := s.clock.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *TickerStream) session(ctx context.Context) (uint64, error) {
	if s.admit != nil {
		if err := s.admit(ctx); err != nil {
			return 0, fmt.Errorf("admit connect: %w", err)
		}
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscription(uuid.NewString(), s.cfg.Symbols)); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	s.setConnected(true)
	defer s.setConnected(false)
	s.logger.Info("ticker stream connected", zap.Strings("symbols", s.cfg.Symbols))
	if s.onConnect != nil {
		s.onConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var got uint64
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return got, fmt.Errorf("%w: %v", errStreamSession, err)
		}
		symbol, payload, err := NormalizeTicker(msg)
		if err != nil {
			if !errors.Is(err, ErrNotTicker) {
				s.logger.Debug("drop stream message", zap.Error(err))
			}
			continue
		}
		got++
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		if s.sink != nil {
			s.sink(symbol, payload)
		}
	}
}

func (s *TickerStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func subscription(ticket string, symbols []string) []map[string]any {
	codes := make([]string, len(symbols))
	for i, sym := range symbols {
		codes[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	return []map[string]any{
		{"ticket": ticket},
		{"type": "ticker", "codes": codes},
		{"format": "DEFAULT"},
	}
}

type streamTicker struct {
	Type       string          `json:"type"`
	Code       string          `json:"code"`
	TradePrice decimal.Decimal `json:"trade_price"`
}

// NormalizeTicker rewrites a stream ticker into the REST ticker shape:
// "code" becomes "market", stream-only fields are dropped.
func NormalizeTicker(raw []byte) (string, json.RawMessage, error) {
	var head streamTicker
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", nil, fmt.Errorf("decode stream ticker: %w", err)
	}
	if head.Type != "" && head.Type != "ticker" {
		return "", nil, ErrNotTicker
	}
	if head.Code == "" {
		return "", nil, ErrNotTicker
	}
	if !head.TradePrice.IsPositive() {
		return "", nil, fmt.Errorf("ticker %s: invalid trade_price %s", head.Code, head.TradePrice)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", nil, err
	}
	symbol := strings.ToUpper(head.Code)
	delete(fields, "code")
	delete(fields, "type")
	delete(fields, "stream_type")
	market, _ := json.Marshal(symbol)
	fields["market"] = market
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return symbol, payload, nil
}
