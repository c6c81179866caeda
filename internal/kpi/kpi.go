// Package kpi derives trading performance figures from the ledger.
package kpi

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// Snapshot holds the performance figures at one point in time. A trade is
// one realized entry, i.e. one lot (or lot slice) closed by a sell.
type Snapshot struct {
	TakenAt            time.Time       `json:"taken_at"`
	TotalProfit        decimal.Decimal `json:"total_profit"`
	TotalInvestment    decimal.Decimal `json:"total_investment"`
	Operations         int             `json:"operations"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	AvgProfitPerTrade  decimal.Decimal `json:"avg_profit_per_trade"`
	ROIPercent         decimal.Decimal `json:"roi_percent"`
	WinRatePercent     decimal.Decimal `json:"win_rate_percent"`
	TotalReturnPercent decimal.Decimal `json:"total_return_percent"`
	MaxDrawdown        decimal.Decimal `json:"max_drawdown"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedLosses   decimal.Decimal `json:"unrealized_losses"`
	LosingLots         int             `json:"losing_lots"`
}

// Compute builds a snapshot. Positions without a price in prices are left
// out of the unrealized figures.
func Compute(realized []ledger.RealizedEntry, positions []ledger.Position, prices map[string]decimal.Decimal, at time.Time) Snapshot {
	s := Snapshot{TakenAt: at}

	entries := append([]ledger.RealizedEntry(nil), realized...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].RealizedAt.Before(entries[j].RealizedAt) })

	proceeds := decimal.Zero
	equity, peak := decimal.Zero, decimal.Zero
	for _, e := range entries {
		profit := e.PnL().Sub(e.Fee)
		s.TotalProfit = s.TotalProfit.Add(profit)
		s.TotalInvestment = s.TotalInvestment.Add(e.CostBasis)
		proceeds = proceeds.Add(e.Proceeds)
		s.Operations++
		if profit.IsPositive() {
			s.WinningTrades++
		} else {
			s.LosingTrades++
		}

		equity = equity.Add(profit)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}

	if s.Operations > 0 {
		ops := decimal.NewFromInt(int64(s.Operations))
		s.AvgProfitPerTrade = s.TotalProfit.Div(ops)
		s.WinRatePercent = decimal.NewFromInt(int64(s.WinningTrades)).Div(ops).Mul(hundred).Round(4)
	}
	if s.TotalInvestment.IsPositive() {
		s.ROIPercent = s.TotalProfit.Div(s.TotalInvestment).Mul(hundred).Round(4)
		s.TotalReturnPercent = proceeds.Sub(s.TotalInvestment).Div(s.TotalInvestment).Mul(hundred).Round(4)
	}

	for _, p := range positions {
		price, ok := prices[p.Asset]
		if !ok {
			continue
		}
		s.UnrealizedPnL = s.UnrealizedPnL.Add(p.Unrealized(price))
		for _, lot := range p.Lots {
			loss := lot.UnitCost.Sub(price).Mul(lot.Quantity)
			if loss.IsPositive() {
				s.UnrealizedLosses = s.UnrealizedLosses.Add(loss)
				s.LosingLots++
			}
		}
	}
	return s
}
