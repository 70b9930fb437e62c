// Package market is the data-access layer in front of the exchange: every
// query is validated, looked up in the memory cache, admitted by the
// category's rate limiter and only then sent to the transport.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"market-access-go/cache"
	"market-access-go/clock"
	"market-access-go/gateway"
	"market-access-go/ratelimit"
)

const (
	MaxCandleCount     = 200
	DefaultCandleCount = MaxCandleCount
	MaxTradeCount      = 500
	DefaultTradeCount  = 50

	defaultFetchTimeout = 30 * time.Second
)

// Payload is what the service keeps in the cache for one key.
type Payload struct {
	Data   map[string]json.RawMessage
	Origin Channel
}

// PayloadCache is the cache type the service reads and writes.
type PayloadCache = cache.Cache[string, Payload]

// Observer receives per-response and per-fetch events; metrics.Recorder
// implements it.
type Observer interface {
	ObserveResponse(dataType string, src DataSource, kind ErrorKind)
	ObserveFetch(category ratelimit.Category, latency time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveResponse(string, DataSource, ErrorKind)         {}
func (nopObserver) ObserveFetch(ratelimit.Category, time.Duration, error) {}

// Deps are the collaborators of a Service. Cache, Policies, Limiters and
// Transport are required.
type Deps struct {
	Cache     *PayloadCache
	Policies  *cache.PolicyManager
	Limiters  *ratelimit.Registry
	Resolver  *ratelimit.Resolver
	Transport gateway.Transport
	Retry     ratelimit.RetryPolicy
	Clock     clock.Clock
	Observer  Observer
	Publisher *Publisher
	Logger    *zap.Logger

	// FetchTimeout bounds a shared fetch, which outlives the caller that
	// started it. Defaults to 30s.
	FetchTimeout time.Duration
}

// Service 市场数据访问入口：缓存 → 限流 → 批量分发。
type Service struct {
	cache      *PayloadCache
	policies   *cache.PolicyManager
	limiters   *ratelimit.Registry
	resolver   *ratelimit.Resolver
	dispatcher *gateway.Dispatcher
	retry      ratelimit.RetryPolicy
	timeout    time.Duration
	clock      clock.Clock
	observer   Observer
	pub        *Publisher
	logger     *zap.Logger
	flight     singleflight.Group
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Cache == nil:
		return nil, errors.New("market: cache is required")
	case d.Policies == nil:
		return nil, errors.New("market: policy manager is required")
	case d.Limiters == nil:
		return nil, errors.New("market: limiter registry is required")
	case d.Transport == nil:
		return nil, errors.New("market: transport is required")
	}
	if d.Resolver == nil {
		d.Resolver = ratelimit.DefaultResolver()
	}
	if d.Retry == (ratelimit.RetryPolicy{}) {
		d.Retry = ratelimit.DefaultRetryPolicy()
	}
	if d.FetchTimeout <= 0 {
		d.FetchTimeout = defaultFetchTimeout
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Publisher == nil {
		d.Publisher = NewPublisher()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		cache:      d.Cache,
		policies:   d.Policies,
		limiters:   d.Limiters,
		resolver:   d.Resolver,
		dispatcher: gateway.NewDispatcher(d.Transport),
		retry:      d.Retry,
		timeout:    d.FetchTimeout,
		clock:      clock.OrSystem(d.Clock),
		observer:   d.Observer,
		pub:        d.Publisher,
		logger:     d.Logger,
	}, nil
}

// Publisher returns the update feed of this service.
func (s *Service) Publisher() *Publisher { return s.pub }

// query is one cacheable market-data request.
type query struct {
	dataType cache.DataType
	endpoint gateway.Endpoint
	symbols  []string
	// params are sent to the exchange; keyParams additionally distinguish
	// cache entries (e.g. the candle timeframe lives in the path).
	params    map[string]string
	keyParams map[string]string
}

func (q query) key() string { return cache.Key(q.dataType, q.symbols, q.keyParams) }

// perSymbol reports whether each symbol's part of the result is also cached
// under its own single-symbol key.
func (q query) perSymbol() bool { return q.endpoint.Batch && len(q.keyParams) == 0 }

func (s *Service) GetTicker(ctx context.Context, symbols ...string) Response {
	return s.get(ctx, cache.DataTicker, symbols, func(syms []string) (query, *Failure) {
		return query{dataType: cache.DataTicker, endpoint: gateway.TickerEndpoint, symbols: syms}, nil
	}, false)
}

func (s *Service) GetOrderbook(ctx context.Context, symbols ...string) Response {
	return s.get(ctx, cache.DataOrderbook, symbols, func(syms []string) (query, *Failure) {
		return query{dataType: cache.DataOrderbook, endpoint: gateway.OrderbookEndpoint, symbols: syms}, nil
	}, false)
}

// GetCandles fetches count candles of timeframe per symbol. count 0 selects
// DefaultCandleCount.
func (s *Service) GetCandles(ctx context.Context, symbols []string, timeframe string, count int) Response {
	return s.get(ctx, cache.DataCandle, symbols, func(syms []string) (query, *Failure) {
		timeframe = strings.TrimSpace(timeframe)
		if !gateway.ValidTimeframe(timeframe) {
			return query{}, validation("unknown timeframe %q", timeframe)
		}
		if count == 0 {
			count = DefaultCandleCount
		}
		if count < 1 || count > MaxCandleCount {
			return query{}, validation("count must be in 1..%d, got %d", MaxCandleCount, count)
		}
		n := strconv.Itoa(count)
		return query{
			dataType:  cache.DataCandle,
			endpoint:  gateway.CandleEndpoint(timeframe),
			symbols:   syms,
			params:    map[string]string{"count": n},
			keyParams: map[string]string{"unit": timeframe, "count": n},
		}, nil
	}, false)
}

// GetTrades fetches the most recent trades of one symbol. count 0 selects
// DefaultTradeCount.
func (s *Service) GetTrades(ctx context.Context, symbol string, count int) Response {
	return s.get(ctx, cache.DataTrade, []string{symbol}, func(syms []string) (query, *Failure) {
		if count == 0 {
			count = DefaultTradeCount
		}
		if count < 1 || count > MaxTradeCount {
			return query{}, validation("count must be in 1..%d, got %d", MaxTradeCount, count)
		}
		n := strconv.Itoa(count)
		return query{
			dataType:  cache.DataTrade,
			endpoint:  gateway.TradesEndpoint,
			symbols:   syms,
			params:    map[string]string{"count": n},
			keyParams: map[string]string{"count": n},
		}, nil
	}, false)
}

// Refresh fetches ticker or orderbook data without reading the cache first.
// The result still goes through the limiter and is cached.
func (s *Service) Refresh(ctx context.Context, dt cache.DataType, symbols ...string) Response {
	return s.get(ctx, dt, symbols, func(syms []string) (query, *Failure) {
		switch dt {
		case cache.DataTicker:
			return query{dataType: dt, endpoint: gateway.TickerEndpoint, symbols: syms}, nil
		case cache.DataOrderbook:
			return query{dataType: dt, endpoint: gateway.OrderbookEndpoint, symbols: syms}, nil
		}
		return query{}, validation("refresh is not supported for %q", dt)
	}, true)
}

func validation(format string, args ...any) *Failure {
	return &Failure{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func validateSymbols(symbols []string) ([]string, *Failure) {
	if len(symbols) == 0 {
		return nil, validation("at least one symbol is required")
	}
	for _, sym := range symbols {
		if strings.TrimSpace(sym) == "" {
			return nil, validation("symbols must not be blank")
		}
	}
	return cache.NormalizeSymbols(symbols), nil
}

func (s *Service) get(ctx context.Context, dt cache.DataType, symbols []string, build func([]string) (query, *Failure), skipCache bool) Response {
	start := s.clock.Now()
	syms, f := validateSymbols(symbols)
	var q query
	if f == nil {
		q, f = build(syms)
	}
	if f != nil {
		resp := failed(f, DataSource{Channel: ChannelRequest})
		s.observer.ObserveResponse(string(dt), resp.Source, f.Kind)
		return resp
	}

	key := q.key()
	if !skipCache {
		if resp, ok := s.lookup(q, key, start); ok {
			s.observer.ObserveResponse(string(q.dataType), resp.Source, "")
			return resp
		}
	}

	// 共享请求不随任何一个调用方取消；每个调用方只等待自己的 ctx
	var res singleflight.Result
	if res.Err = ctx.Err(); res.Err == nil {
		ch := s.flight.DoChan(key, func() (any, error) {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			return s.fetch(fctx, q, key)
		})
		select {
		case res = <-ch:
		case <-ctx.Done():
			res.Err = ctx.Err()
		}
	}
	v, err, shared := res.Val, res.Err, res.Shared
	src := DataSource{
		Channel:     ChannelRequest,
		Reliability: requestReliability,
		LatencyMs:   millis(s.clock.Now().Sub(start)),
	}
	if err != nil {
		f := s.failure(err)
		s.logger.Debug("query failed",
			zap.String("key", key),
			zap.String("kind", string(f.Kind)),
			zap.Error(err))
		src.Reliability = 0
		s.observer.ObserveResponse(string(q.dataType), src, f.Kind)
		return failed(f, src)
	}
	if shared {
		s.logger.Debug("coalesced fetch", zap.String("key", key))
	}
	s.observer.ObserveResponse(string(q.dataType), src, "")
	return Response{Success: true, Data: cloneData(v.(map[string]json.RawMessage)), Source: src}
}

// lookup serves key from the cache. Multi-symbol batchable queries that miss
// are assembled from single-symbol entries when every symbol is present; the
// assembly counts as one cache read.
func (s *Service) lookup(q query, key string, start time.Time) (Response, bool) {
	if !q.perSymbol() || len(q.symbols) < 2 {
		e, ok := s.entry(key, s.cache.Lookup)
		if !ok {
			return Response{}, false
		}
		return s.hit(e.Value.Data, e.Value.Origin, e.Age(s.clock.Now()), e.TTL, start), true
	}
	resp, ok := s.assemble(q, key, start)
	s.cache.CountLookup(ok)
	return resp, ok
}

func (s *Service) assemble(q query, key string, start time.Time) (Response, bool) {
	if e, ok := s.entry(key, s.cache.Access); ok {
		return s.hit(e.Value.Data, e.Value.Origin, e.Age(s.clock.Now()), e.TTL, start), true
	}
	data := make(map[string]json.RawMessage, len(q.symbols))
	var oldest time.Duration
	origin := ChannelLive
	now := s.clock.Now()
	for _, sym := range q.symbols {
		e, ok := s.entry(cache.Key(q.dataType, []string{sym}, nil), s.cache.Access)
		if !ok {
			return Response{}, false
		}
		part, ok := e.Value.Data[sym]
		if !ok {
			return Response{}, false
		}
		if age := e.Age(now); age > oldest {
			oldest = age
		}
		if e.Value.Origin != ChannelLive {
			origin = ChannelRequest
		}
		data[sym] = part
	}
	return s.hit(data, origin, oldest, s.policies.TTL(q.dataType), start), true
}

func (s *Service) hit(data map[string]json.RawMessage, origin Channel, age, ttl time.Duration, start time.Time) Response {
	ageMs := millis(age)
	return Response{
		Success: true,
		Data:    cloneData(data),
		Source: DataSource{
			Channel:     ChannelCache,
			Reliability: cacheReliability(origin, age, ttl),
			LatencyMs:   millis(s.clock.Now().Sub(start)),
			CacheAgeMs:  &ageMs,
		},
	}
}

// entry reads key with read; corrupt entries are dropped and reported as a
// miss.
func (s *Service) entry(key string, read func(string) (cache.Entry[Payload], bool)) (cache.Entry[Payload], bool) {
	e, ok := read(key)
	if !ok {
		return e, false
	}
	if err := checkPayload(e.Value); err != nil {
		s.logger.Warn("dropping cache entry", zap.String("key", key), zap.Error(err))
		s.cache.Delete(key)
		return e, false
	}
	return e, true
}

func checkPayload(p Payload) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: empty payload", cache.ErrCorrupt)
	}
	for sym, raw := range p.Data {
		if !json.Valid(raw) {
			return fmt.Errorf("%w: invalid json for %s", cache.ErrCorrupt, sym)
		}
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, q query, key string) (map[string]json.RawMessage, error) {
	calls := s.dispatcher.Plan(q.endpoint, q.symbols, q.params)
	data := make(map[string]json.RawMessage, len(q.symbols))
	for _, call := range calls {
		cat := s.resolver.Resolve(call.Endpoint.Path, call.Endpoint.Verb)
		if err := s.admit(ctx, cat); err != nil {
			return nil, err
		}
		start := s.clock.Now()
		raw, err := s.dispatcher.Do(ctx, call)
		s.observer.ObserveFetch(cat, s.clock.Now().Sub(start), err)
		if err != nil {
			return nil, err
		}
		parts, err := split(q, call, raw)
		if err != nil {
			return nil, &gateway.TransportError{Message: "decode " + call.Endpoint.Path, Err: err}
		}
		for sym, part := range parts {
			data[sym] = part
		}
	}

	ttl := s.policies.TTL(q.dataType)
	s.cache.Set(key, Payload{Data: data, Origin: ChannelRequest}, ttl)
	if q.perSymbol() && len(q.symbols) > 1 {
		for sym, part := range data {
			s.cache.Set(cache.Key(q.dataType, []string{sym}, nil), Payload{Data: map[string]json.RawMessage{sym: part}, Origin: ChannelRequest}, ttl)
		}
	}
	now := s.clock.Now()
	for sym, part := range data {
		s.pub.Publish(Update{DataType: q.dataType, Symbol: sym, Channel: ChannelRequest, Payload: part, At: now})
	}
	return data, nil
}

// admit acquires one slot of cat. A caller deadline that expires while the
// limiter is making it wait counts as limiter exhaustion.
func (s *Service) admit(ctx context.Context, cat ratelimit.Category) error {
	d, err := s.limiters.Acquire(ctx, cat, s.retry)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && d.Wait > 0 {
		return &ratelimit.ExceededError{Category: cat, RetryAfter: d.Wait}
	}
	return err
}

// split keys a raw reply by symbol. Batchable endpoints return an array of
// objects carrying "market"; single-market endpoints return the symbol's array.
func split(q query, call gateway.Call, raw []byte) (map[string]json.RawMessage, error) {
	if q.endpoint.Batch {
		parts, err := gateway.SplitBySymbol(raw, "market")
		if err != nil {
			return nil, err
		}
		for _, sym := range call.Symbols {
			if _, ok := parts[sym]; !ok {
				return nil, fmt.Errorf("no data for %s", sym)
			}
		}
		return parts, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("invalid json")
	}
	return map[string]json.RawMessage{call.Symbols[0]: json.RawMessage(raw)}, nil
}

func (s *Service) failure(err error) *Failure {
	var exceeded *ratelimit.ExceededError
	var te *gateway.TransportError
	switch {
	case errors.As(err, &exceeded):
		return &Failure{Kind: KindRateLimited, Message: exceeded.Error(), RetryAfter: exceeded.RetryAfter}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: KindCanceled, Message: err.Error()}
	case errors.As(err, &te):
		return &Failure{Kind: KindTransport, Message: te.Error(), Status: te.Status}
	default:
		return &Failure{Kind: KindTransport, Message: err.Error()}
	}
}

// Call is the rate-limited, uncached pass-through for order and account
// endpoints. The raw reply is returned under the "result" key.
func (s *Service) Call(ctx context.Context, path, verb string, params map[string]string) Response {
	start := s.clock.Now()
	src := DataSource{Channel: ChannelRequest}
	if strings.TrimSpace(path) == "" {
		f := validation("path is required")
		s.observer.ObserveResponse("call", src, f.Kind)
		return failed(f, src)
	}
	if verb == "" {
		verb = "GET"
	}
	cat := s.resolver.Resolve(path, verb)
	var raw []byte
	err := s.admit(ctx, cat)
	if err == nil {
		fetchStart := s.clock.Now()
		raw, err = s.dispatcher.Do(ctx, gateway.Call{Endpoint: gateway.Endpoint{Path: path, Verb: strings.ToUpper(verb)}, Params: params})
		s.observer.ObserveFetch(cat, s.clock.Now().Sub(fetchStart), err)
	}
	src.LatencyMs = millis(s.clock.Now().Sub(start))
	if err != nil {
		f := s.failure(err)
		s.observer.ObserveResponse("call", src, f.Kind)
		return failed(f, src)
	}
	if !json.Valid(raw) {
		raw, _ = json.Marshal(string(raw))
	}
	src.Reliability = requestReliability
	s.observer.ObserveResponse("call", src, "")
	return Response{Success: true, Data: map[string]json.RawMessage{"result": raw}, Source: src}
}

// Ingest stores a live-stream payload for symbol under its single-symbol key.
func (s *Service) Ingest(dt cache.DataType, symbol string, payload json.RawMessage) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errors.New("ingest: blank symbol")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("ingest %s: %w", symbol, cache.ErrCorrupt)
	}
	ttl := s.policies.TTL(dt)
	if ttl <= 0 {
		return fmt.Errorf("ingest %s: %w: %q", symbol, cache.ErrUnknownDataType, dt)
	}
	s.cache.Set(cache.Key(dt, []string{symbol}, nil), Payload{
		Data:   map[string]json.RawMessage{symbol: cloneRaw(payload)},
		Origin: ChannelLive,
	}, ttl)
	s.pub.Publish(Update{DataType: dt, Symbol: symbol, Channel: ChannelLive, Payload: payload, At: s.clock.Now()})
	return nil
}

// Invalidate drops cached data mentioning symbol; see PolicyManager.Invalidate.
func (s *Service) Invalidate(symbol string, dataTypes ...cache.DataType) int {
	n := s.policies.Invalidate(symbol, dataTypes...)
	if n > 0 {
		s.logger.Info("cache invalidated", zap.String("symbol", symbol), zap.Int("removed", n))
	}
	return n
}

// Stats is a point-in-time view of the cache and every limiter.
type Stats struct {
	Cache    cache.Stats                     `json:"cache"`
	Policies map[cache.DataType]cache.Policy `json:"policies"`
	Limiters []ratelimit.Snapshot            `json:"limiters"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Cache:    s.cache.Stats(),
		Policies: s.policies.Policies(),
		Limiters: s.limiters.Snapshots(),
	}
}
