package gateway

import (
	"context"
	"net/http"
)

// Endpoint describes how a market-data resource is addressed.
type Endpoint struct {
	Path string
	Verb string
	// SymbolParam names the query parameter carrying a single symbol.
	SymbolParam string
	// Batch is true when the endpoint accepts a comma-joined symbol list.
	Batch bool
}

var (
	TickerEndpoint    = Endpoint{Path: "/v1/ticker", Verb: http.MethodGet, SymbolParam: "markets", Batch: true}
	OrderbookEndpoint = Endpoint{Path: "/v1/orderbook", Verb: http.MethodGet, SymbolParam: "markets", Batch: true}
	TradesEndpoint    = Endpoint{Path: "/v1/trades/ticks", Verb: http.MethodGet, SymbolParam: "market"}
)

// CandleEndpoint addresses candles of one timeframe, e.g. "minutes/15" or "days".
func CandleEndpoint(timeframe string) Endpoint {
	return Endpoint{Path: "/v1/candles/" + timeframe, Verb: http.MethodGet, SymbolParam: "market"}
}

// Call is one planned transport invocation.
type Call struct {
	Endpoint Endpoint
	Symbols  []string
	Params   map[string]string
}

// Batched reports whether the call goes through FetchBatch.
func (c Call) Batched() bool { return len(c.Symbols) > 1 }

// Dispatcher chooses between the single-item and the multi-item form of the
// transport.
type Dispatcher struct {
	transport Transport
}

func NewDispatcher(t Transport) *Dispatcher {
	return &Dispatcher{transport: t}
}

// Plan returns the calls needed to cover symbols: one call for a single
// symbol or a batchable endpoint, one call per symbol otherwise.
func (d *Dispatcher) Plan(ep Endpoint, symbols []string, params map[string]string) []Call {
	if len(symbols) == 0 {
		return nil
	}
	if len(symbols) == 1 || ep.Batch {
		return []Call{{Endpoint: ep, Symbols: symbols, Params: params}}
	}
	calls := make([]Call, len(symbols))
	for i, s := range symbols {
		calls[i] = Call{Endpoint: ep, Symbols: []string{s}, Params: params}
	}
	return calls
}

// Do executes one planned call. Symbol lists are passed through unchanged.
func (d *Dispatcher) Do(ctx context.Context, call Call) ([]byte, error) {
	if call.Batched() {
		return d.transport.FetchBatch(ctx, call.Endpoint.Path, call.Endpoint.Verb, call.Symbols, call.Params)
	}
	params := make(map[string]string, len(call.Params)+1)
	for k, v := range call.Params {
		params[k] = v
	}
	if len(call.Symbols) == 1 && call.Endpoint.SymbolParam != "" {
		params[call.Endpoint.SymbolParam] = call.Symbols[0]
	}
	return d.transport.FetchSingle(ctx, call.Endpoint.Path, call.Endpoint.Verb, params)
}
