package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebot/internal/indicators"
	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

// MACrossStrategy implements a simple moving average crossover strategy.
// Buys on a golden cross while flat and sells the position on a death cross.
type MACrossStrategy struct {
	fastPeriod int
	slowPeriod int
	size       sizing

	prices *indicators.Window
	fastMA decimal.Decimal
	slowMA decimal.Decimal
	primed bool
}

func newMACross(cfg Config) (Strategy, error) {
	fast, err := cfg.Parameters.Int("fast", 10)
	if err != nil {
		return nil, err
	}
	slow, err := cfg.Parameters.Int("slow", 30)
	if err != nil {
		return nil, err
	}
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("need 0 < fast < slow, got %d/%d", fast, slow)
	}
	size, err := parseSizing(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return &MACrossStrategy{
		fastPeriod: fast,
		slowPeriod: slow,
		size:       size,
		prices:     indicators.NewWindow(slow),
	}, nil
}

func (s *MACrossStrategy) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACrossStrategy) Evaluate(t market.Tick, pos ledger.Position) Signal {
	sig := Hold(t)
	s.prices.Push(t.Price)
	if !s.prices.Full() {
		return sig
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.prices.Values(), s.fastPeriod)
	s.slowMA = indicators.SMA(s.prices.Values(), s.slowPeriod)
	if !s.primed {
		s.primed = true
		return sig
	}

	held := pos.Quantity()
	switch {
	case oldFast.LessThanOrEqual(oldSlow) && s.fastMA.GreaterThan(s.slowMA) && held.IsZero():
		sig = s.size.buy(sig)
		sig.Note = fmt.Sprintf("golden cross: MA%d %s > MA%d %s", s.fastPeriod, s.fastMA.StringFixed(2), s.slowPeriod, s.slowMA.StringFixed(2))
	case oldFast.GreaterThanOrEqual(oldSlow) && s.fastMA.LessThan(s.slowMA) && held.IsPositive():
		sig = s.size.sellAll(sig, held)
		sig.Note = fmt.Sprintf("death cross: MA%d %s < MA%d %s", s.fastPeriod, s.fastMA.StringFixed(2), s.slowPeriod, s.slowMA.StringFixed(2))
	}
	return sig
}
