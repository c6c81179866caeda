package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

// PriceTrendStrategy buys dips against the previous period close and takes
// profit on lots that gained more than the threshold.
//
// Ticks are bucketed into periods. A buy is signalled at most once per period
// when price*(1+dip) is below both the previous period close and the cheapest
// open lot. Lots whose unit_cost*(1+take_profit) is below the price are sold;
// sells win over buys.
type PriceTrendStrategy struct {
	symbol     string
	size       sizing
	dip        decimal.Decimal
	takeProfit decimal.Decimal
	period     time.Duration

	bucket    time.Time
	close     decimal.Decimal
	prevClose decimal.Decimal
	lastBuy   time.Time
}

func newPriceTrend(cfg Config) (Strategy, error) {
	p := cfg.Parameters
	if _, ok := p["invest_quote"]; !ok && p["quantity"] == nil && p["fraction"] == nil {
		p = copyParams(p)
		p["invest_quote"] = "50"
	}
	size, err := parseSizing(p)
	if err != nil {
		return nil, err
	}
	s := &PriceTrendStrategy{symbol: cfg.Symbol, size: size}
	if s.dip, err = p.Decimal("dip", decimal.RequireFromString("0.01")); err != nil {
		return nil, err
	}
	if s.takeProfit, err = p.Decimal("take_profit", decimal.RequireFromString("0.01")); err != nil {
		return nil, err
	}
	if s.period, err = p.Duration("period", 24*time.Hour); err != nil {
		return nil, err
	}
	if s.period <= 0 {
		return nil, fmt.Errorf("period must be positive")
	}
	return s, nil
}

func (s *PriceTrendStrategy) Name() string {
	return fmt.Sprintf("PriceTrend_%s_%s", s.dip, s.takeProfit)
}

func (s *PriceTrendStrategy) Evaluate(t market.Tick, pos ledger.Position) Signal {
	sig := Hold(t)

	bucket := t.Time.Truncate(s.period)
	if !bucket.Equal(s.bucket) {
		if !s.bucket.IsZero() {
			s.prevClose = s.close
		}
		s.bucket = bucket
	}
	s.close = t.Price

	// Take profit first.
	sellQty := decimal.Zero
	for _, lot := range pos.Lots {
		if lot.UnitCost.Mul(one.Add(s.takeProfit)).LessThan(t.Price) {
			sellQty = sellQty.Add(lot.Quantity)
		}
	}
	if sellQty.IsPositive() {
		sig = s.size.sellAll(sig, sellQty)
		sig.Note = fmt.Sprintf("take profit: %s above cost*(1+%s)", t.Price, s.takeProfit)
		return sig
	}

	if s.prevClose.IsZero() || s.lastBuy.Equal(bucket) {
		return sig
	}
	dipped := t.Price.Mul(one.Add(s.dip))
	if !dipped.LessThan(s.prevClose) {
		return sig
	}
	if len(pos.Lots) > 0 && !dipped.LessThan(minUnitCost(pos.Lots)) {
		return sig
	}
	s.lastBuy = bucket
	sig = s.size.buy(sig)
	sig.Note = fmt.Sprintf("dip: %s below previous close %s", t.Price, s.prevClose)
	return sig
}

func minUnitCost(lots []ledger.Lot) decimal.Decimal {
	m := lots[0].UnitCost
	for _, l := range lots[1:] {
		m = decimal.Min(m, l.UnitCost)
	}
	return m
}

func copyParams(p Params) Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
