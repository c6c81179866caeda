package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tradebot/pkg/market/binance"
)

// Replay emits historical klines as ticks in close-time order without
// pacing, for backtests against the simulated exchange.
type Replay struct {
	Klines []binance.Kline
}

// Stream implements Source.
func (r *Replay) Stream(ctx context.Context) (<-chan Tick, error) {
	klines := make([]binance.Kline, len(r.Klines))
	copy(klines, r.Klines)
	sort.SliceStable(klines, func(i, j int) bool { return klines[i].CloseTime < klines[j].CloseTime })

	out := make(chan Tick)
	go func() {
		defer close(out)
		for _, k := range klines {
			if !emit(ctx, out, klineTick(k)) {
				return
			}
		}
	}()
	return out, nil
}

// LoadHistory pages through klines for each symbol between from and to.
func LoadHistory(ctx context.Context, client *binance.Client, symbols []string, interval string, from, to time.Time) ([]binance.Kline, error) {
	const pageLimit = 1000
	var all []binance.Kline
	for _, sym := range symbols {
		start := from.UnixMilli()
		end := to.UnixMilli()
		for start < end {
			page, err := client.GetKlines(ctx, sym, interval, pageLimit, start, end)
			if err != nil {
				return nil, fmt.Errorf("load %s history: %w", sym, err)
			}
			if len(page) == 0 {
				break
			}
			all = append(all, page...)
			next := page[len(page)-1].CloseTime + 1
			if next <= start {
				break
			}
			start = next
		}
	}
	return all, nil
}
