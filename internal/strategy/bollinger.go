package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebot/internal/indicators"
	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

// BollingerStrategy is mean reversion on Bollinger bands: buy when price
// breaks below the lower band, sell the position once price is back above
// the middle band. One buy per excursion below the band.
type BollingerStrategy struct {
	period    int
	numStdDev decimal.Decimal
	size      sizing

	prices *indicators.Window
	below  bool
}

func newBollinger(cfg Config) (Strategy, error) {
	period, err := cfg.Parameters.Int("period", 20)
	if err != nil {
		return nil, err
	}
	if period < 2 {
		return nil, fmt.Errorf("period must be >= 2, got %d", period)
	}
	k, err := cfg.Parameters.Decimal("std_dev", decimal.NewFromInt(2))
	if err != nil {
		return nil, err
	}
	size, err := parseSizing(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return &BollingerStrategy{
		period:    period,
		numStdDev: k,
		size:      size,
		prices:    indicators.NewWindow(period),
	}, nil
}

func (s *BollingerStrategy) Name() string {
	return fmt.Sprintf("Bollinger_%d_%s", s.period, s.numStdDev)
}

func (s *BollingerStrategy) Evaluate(t market.Tick, pos ledger.Position) Signal {
	sig := Hold(t)
	s.prices.Push(t.Price)
	if !s.prices.Full() {
		return sig
	}
	bands := indicators.Bollinger(s.prices.Values(), s.period, s.numStdDev)

	held := pos.Quantity()
	if held.IsPositive() && t.Price.GreaterThanOrEqual(bands.Middle) {
		s.below = false
		sig = s.size.sellAll(sig, held)
		sig.Note = fmt.Sprintf("BB reverted: price %s >= middle %s", t.Price, bands.Middle.StringFixed(2))
		return sig
	}

	if t.Price.LessThanOrEqual(bands.Lower) {
		if s.below {
			return sig
		}
		s.below = true
		sig = s.size.buy(sig)
		sig.Note = fmt.Sprintf("BB lower breakout: price %s <= lower %s", t.Price, bands.Lower.StringFixed(2))
		return sig
	}
	s.below = false
	return sig
}
