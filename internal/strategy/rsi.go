package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebot/internal/indicators"
	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

// RSIStrategy implements RSI overbought/oversold trading.
// BUY when RSI < oversold (default 30), SELL the position when RSI > overbought (default 70).
type RSIStrategy struct {
	period     int
	oversold   decimal.Decimal
	overbought decimal.Decimal
	size       sizing

	prices   *indicators.Window
	oversell bool
}

func newRSI(cfg Config) (Strategy, error) {
	period, err := cfg.Parameters.Int("period", 14)
	if err != nil {
		return nil, err
	}
	if period < 1 {
		return nil, fmt.Errorf("period must be positive")
	}
	oversold, err := cfg.Parameters.Decimal("oversold", decimal.NewFromInt(30))
	if err != nil {
		return nil, err
	}
	overbought, err := cfg.Parameters.Decimal("overbought", decimal.NewFromInt(70))
	if err != nil {
		return nil, err
	}
	if !oversold.LessThan(overbought) {
		return nil, fmt.Errorf("oversold %s must be below overbought %s", oversold, overbought)
	}
	size, err := parseSizing(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return &RSIStrategy{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		size:       size,
		prices:     indicators.NewWindow(period + 1),
	}, nil
}

func (s *RSIStrategy) Name() string {
	return fmt.Sprintf("RSI_%d", s.period)
}

func (s *RSIStrategy) Evaluate(t market.Tick, pos ledger.Position) Signal {
	sig := Hold(t)
	s.prices.Push(t.Price)
	if !s.prices.Full() {
		return sig
	}
	rsi := indicators.RSI(s.prices.Values(), s.period)

	held := pos.Quantity()
	switch {
	case rsi.GreaterThan(s.overbought) && held.IsPositive():
		sig = s.size.sellAll(sig, held)
		sig.Note = fmt.Sprintf("RSI overbought: %s > %s", rsi.StringFixed(2), s.overbought)
	case rsi.LessThan(s.oversold):
		if !s.oversell {
			s.oversell = true
			sig = s.size.buy(sig)
			sig.Note = fmt.Sprintf("RSI oversold: %s < %s", rsi.StringFixed(2), s.oversold)
		}
	default:
		s.oversell = false
	}
	return sig
}
