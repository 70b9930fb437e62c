// Command ticker_probe fetches tickers through the full access layer
// (limiter, cache, transport) and prints what it got and where it came from.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"market-access-go/config"
	"market-access-go/gateway"
	"market-access-go/infrastructure/logger"
	"market-access-go/internal/container"
	"market-access-go/market"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空使用默认配置")
	markets := flag.String("markets", "KRW-BTC", "逗号分隔的交易对")
	repeat := flag.Int("repeat", 2, "查询次数，第二次起应命中缓存")
	timeout := flag.Duration("timeout", 10*time.Second, "单次查询超时")
	raw := flag.Bool("raw", false, "输出完整响应而不是摘要")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadWithEnvOverrides(*cfgPath); err != nil {
			fatal(err)
		}
	} else {
		config.ApplyEnv(&cfg)
	}
	// 探针不需要后台组件
	cfg.Prefetch.Enabled = false
	cfg.Stream.Enabled = false

	log, err := logger.New(logger.Config{Level: "warn", Outputs: []string{"stderr"}, Format: "console"})
	if err != nil {
		fatal(err)
	}
	defer log.Close()

	c := container.NewWithConfig(cfg, container.Options{Logger: log})
	if err := c.Build(); err != nil {
		fatal(err)
	}
	svc := c.Service()

	symbols := strings.Split(*markets, ",")
	query := func(fn func(ctx context.Context) market.Response) market.Response {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		return fn(ctx)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	var last market.Response
	for i := 0; i < *repeat; i++ {
		last = query(func(ctx context.Context) market.Response { return svc.GetTicker(ctx, symbols...) })
		if *raw {
			_ = enc.Encode(last)
			continue
		}
		fmt.Printf("#%d channel=%s reliability=%.3f latency=%.1fms\n",
			i+1, last.Source.Channel, last.Source.Reliability, last.Source.LatencyMs)
	}
	if !last.Success {
		log.Close()
		fatal(last.Err())
	}
	if !*raw {
		summarize(svc, query, last)
	}
	stats, _ := json.Marshal(svc.Stats().Cache)
	fmt.Fprintf(os.Stderr, "cache: %s\n", stats)
}

// summarize prints last price, top-of-book spread and the latest trade per market.
func summarize(svc *market.Service, query func(func(context.Context) market.Response) market.Response, tickers market.Response) {
	decoded, err := gateway.DecodeTickers(tickers.Data)
	if err != nil {
		fatal(err)
	}
	symbols := make([]string, 0, len(decoded))
	for sym := range decoded {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	books := map[string]gateway.Orderbook{}
	if resp := query(func(ctx context.Context) market.Response { return svc.GetOrderbook(ctx, symbols...) }); resp.Success {
		if books, err = gateway.DecodeOrderbooks(resp.Data); err != nil {
			fatal(err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "orderbook:", resp.Err())
	}

	for _, sym := range symbols {
		line := fmt.Sprintf("%-10s last=%s", sym, decoded[sym].TradePrice)
		if ob, ok := books[sym]; ok {
			line += " spread=" + ob.Spread().String()
		}
		resp := query(func(ctx context.Context) market.Response { return svc.GetTrades(ctx, sym, 1) })
		if resp.Success {
			if trades, err := gateway.DecodeTrades(resp.Data[sym]); err == nil && len(trades) > 0 {
				line += fmt.Sprintf(" last_trade=%s@%s", trades[0].TradeVolume, trades[0].TradePrice)
			}
		}
		fmt.Println(line)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "ticker_probe:", err)
	os.Exit(1)
}
