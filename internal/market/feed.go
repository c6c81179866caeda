package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebot/pkg/market/binance"
)

// Feed streams Binance klines for the configured symbols as ticks. Dropped
// websocket connections are redialed with capped backoff; while a symbol's
// stream is down the latest kline is polled over REST.
type Feed struct {
	Client   *binance.Client
	Klines   *binance.StreamClient
	Symbols  []string
	Interval string
	Log      *zap.Logger

	PollInterval time.Duration
}

// Stream implements Source.
func (f *Feed) Stream(ctx context.Context) (<-chan Tick, error) {
	if f.Log == nil {
		f.Log = zap.NewNop()
	}
	if f.PollInterval <= 0 {
		f.PollInterval = 30 * time.Second
	}
	out := make(chan Tick, 256)

	var wg sync.WaitGroup
	for _, sym := range f.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			f.runSymbol(ctx, symbol, out)
		}(sym)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (f *Feed) runSymbol(ctx context.Context, symbol string, out chan<- Tick) {
	backoff := time.Second
	for ctx.Err() == nil {
		ch, stop, err := f.Klines.SubscribeKlines(ctx, symbol, f.Interval)
		if err != nil {
			f.Log.Warn("kline subscribe failed", zap.String("symbol", symbol), zap.Error(err))
			if !f.pollUntil(ctx, symbol, backoff, out) {
				return
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second
		for k := range ch {
			if !emit(ctx, out, klineTick(k)) {
				stop()
				return
			}
		}
		stop()
		f.Log.Info("kline stream closed, redialing", zap.String("symbol", symbol))
	}
}

// pollUntil fetches the latest kline once and waits d. It returns false when ctx ends.
func (f *Feed) pollUntil(ctx context.Context, symbol string, d time.Duration, out chan<- Tick) bool {
	if f.Client != nil {
		klines, err := f.Client.GetKlines(ctx, symbol, f.Interval, 1, 0, 0)
		if err != nil {
			f.Log.Warn("kline snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		} else if len(klines) > 0 {
			if !emit(ctx, out, klineTick(klines[len(klines)-1])) {
				return false
			}
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func emit(ctx context.Context, out chan<- Tick, t Tick) bool {
	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

func klineTick(k binance.Kline) Tick {
	ts := k.CloseTime
	if !k.Closed {
		ts = time.Now().UnixMilli()
	}
	return Tick{
		Symbol: k.Symbol,
		Price:  k.Close,
		Volume: k.Volume,
		Time:   time.UnixMilli(ts).UTC(),
	}
}
