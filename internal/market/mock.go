package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// MockFeed generates a seeded random walk for local development. The same
// seed always yields the same price path.
type MockFeed struct {
	Symbols    []string
	StartPrice decimal.Decimal
	Step       decimal.Decimal
	Interval   time.Duration
	Seed       int64
	Limit      int // ticks per symbol, 0 = unbounded
}

// Stream implements Source.
func (m *MockFeed) Stream(ctx context.Context) (<-chan Tick, error) {
	symbols := m.Symbols
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	start := m.StartPrice
	if !start.IsPositive() {
		start = decimal.NewFromInt(100)
	}
	step := m.Step
	if step.IsZero() {
		step = decimal.RequireFromString("0.5")
	}

	rng := rand.New(rand.NewSource(m.Seed))
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		prices[s] = start
	}

	out := make(chan Tick, len(symbols))
	go func() {
		defer close(out)
		var ticker *time.Ticker
		if m.Interval > 0 {
			ticker = time.NewTicker(m.Interval)
			defer ticker.Stop()
		}
		clock := time.Unix(0, 0).UTC()
		for n := 0; m.Limit == 0 || n < m.Limit; n++ {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			clock = clock.Add(time.Second)
			for _, sym := range symbols {
				delta := step.Mul(decimal.NewFromFloat(rng.Float64()*2 - 1)).Round(8)
				p := prices[sym].Add(delta)
				if !p.IsPositive() {
					p = step
				}
				prices[sym] = p
				ts := clock
				if ticker != nil {
					ts = time.Now().UTC()
				}
				t := Tick{Symbol: sym, Price: p, Volume: decimal.NewFromInt(1), Time: ts}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
