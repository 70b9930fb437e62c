package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Ticker is the REST ticker shape. Live-stream tickers are normalized into
// the same field names before they reach the cache.
type Ticker struct {
	Market            string          `json:"market"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	PrevClosingPrice  decimal.Decimal `json:"prev_closing_price"`
	Change            string          `json:"change"`
	SignedChangeRate  decimal.Decimal `json:"signed_change_rate"`
	AccTradeVolume24h decimal.Decimal `json:"acc_trade_volume_24h"`
	AccTradePrice24h  decimal.Decimal `json:"acc_trade_price_24h"`
	TradeTimestamp    int64           `json:"trade_timestamp"`
	Timestamp         int64           `json:"timestamp"`
}

type Candle struct {
	Market               string          `json:"market"`
	CandleDateTimeUTC    string          `json:"candle_date_time_utc"`
	OpeningPrice         decimal.Decimal `json:"opening_price"`
	HighPrice            decimal.Decimal `json:"high_price"`
	LowPrice             decimal.Decimal `json:"low_price"`
	TradePrice           decimal.Decimal `json:"trade_price"`
	CandleAccTradeVolume decimal.Decimal `json:"candle_acc_trade_volume"`
	Timestamp            int64           `json:"timestamp"`
}

type OrderbookUnit struct {
	AskPrice decimal.Decimal `json:"ask_price"`
	BidPrice decimal.Decimal `json:"bid_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	BidSize  decimal.Decimal `json:"bid_size"`
}

type Orderbook struct {
	Market         string          `json:"market"`
	Timestamp      int64           `json:"timestamp"`
	TotalAskSize   decimal.Decimal `json:"total_ask_size"`
	TotalBidSize   decimal.Decimal `json:"total_bid_size"`
	OrderbookUnits []OrderbookUnit `json:"orderbook_units"`
}

// Spread is best ask minus best bid, zero when either side is empty.
func (o Orderbook) Spread() decimal.Decimal {
	if len(o.OrderbookUnits) == 0 {
		return decimal.Zero
	}
	top := o.OrderbookUnits[0]
	if top.AskPrice.IsZero() || top.BidPrice.IsZero() {
		return decimal.Zero
	}
	return top.AskPrice.Sub(top.BidPrice)
}

type Trade struct {
	Market       string          `json:"market"`
	TradePrice   decimal.Decimal `json:"trade_price"`
	TradeVolume  decimal.Decimal `json:"trade_volume"`
	AskBid       string          `json:"ask_bid"`
	Timestamp    int64           `json:"timestamp"`
	SequentialID int64           `json:"sequential_id"`
}

// Timeframes accepted by CandleEndpoint.
var Timeframes = map[string]struct{}{
	"seconds":     {},
	"minutes/1":   {},
	"minutes/3":   {},
	"minutes/5":   {},
	"minutes/10":  {},
	"minutes/15":  {},
	"minutes/30":  {},
	"minutes/60":  {},
	"minutes/240": {},
	"days":        {},
	"weeks":       {},
	"months":      {},
	"years":       {},
}

func ValidTimeframe(tf string) bool {
	_, ok := Timeframes[tf]
	return ok
}

// SplitBySymbol splits a JSON array of objects keyed by field (e.g. "market")
// into one raw payload per symbol.
func SplitBySymbol(raw []byte, field string) (map[string]json.RawMessage, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}
	out := make(map[string]json.RawMessage, len(items))
	for i, item := range items {
		var sym string
		if err := json.Unmarshal(item[field], &sym); err != nil || sym == "" {
			return nil, fmt.Errorf("item %d: missing %q", i, field)
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(sym)] = payload
	}
	return out, nil
}

// DecodeTickers decodes the per-symbol payloads produced by SplitBySymbol.
func DecodeTickers(data map[string]json.RawMessage) (map[string]Ticker, error) {
	out := make(map[string]Ticker, len(data))
	for sym, raw := range data {
		var t Ticker
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("ticker %s: %w", sym, err)
		}
		out[sym] = t
	}
	return out, nil
}

// DecodeCandles decodes one symbol's candle array.
func DecodeCandles(raw json.RawMessage) ([]Candle, error) {
	var cs []Candle
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("candles: %w", err)
	}
	return cs, nil
}

// DecodeOrderbooks decodes the per-symbol orderbook payloads.
func DecodeOrderbooks(data map[string]json.RawMessage) (map[string]Orderbook, error) {
	out := make(map[string]Orderbook, len(data))
	for sym, raw := range data {
		var ob Orderbook
		if err := json.Unmarshal(raw, &ob); err != nil {
			return nil, fmt.Errorf("orderbook %s: %w", sym, err)
		}
		out[sym] = ob
	}
	return out, nil
}

// DecodeTrades decodes one symbol's trade array, newest first.
func DecodeTrades(raw json.RawMessage) ([]Trade, error) {
	var ts []Trade
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}
	return ts, nil
}
