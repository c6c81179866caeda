package kpi

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebot/internal/ledger"
	"tradebot/pkg/db"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(h int) time.Time { return time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC) }

func entry(cost, proceeds, fee string, h int) ledger.RealizedEntry {
	return ledger.RealizedEntry{Asset: "BTC", Quantity: d("1"), CostBasis: d(cost), Proceeds: d(proceeds), Fee: d(fee), RealizedAt: at(h)}
}

func TestCompute(t *testing.T) {
	realized := []ledger.RealizedEntry{
		entry("100", "130", "0", 3), // +30
		entry("100", "80", "0", 1),  // -20
		entry("100", "110", "0", 2), // +10
		entry("100", "150", "0", 4), // +50
	}
	positions := []ledger.Position{{Asset: "BTC", Lots: []ledger.Lot{
		{Asset: "BTC", Quantity: d("2"), UnitCost: d("50")},
		{Asset: "BTC", Quantity: d("1"), UnitCost: d("40")},
	}}}

	s := Compute(realized, positions, map[string]decimal.Decimal{"BTC": d("45")}, at(5))

	require.True(t, s.TotalProfit.Equal(d("70")))
	require.True(t, s.TotalInvestment.Equal(d("400")))
	require.Equal(t, 4, s.Operations)
	require.Equal(t, 3, s.WinningTrades)
	require.Equal(t, 1, s.LosingTrades)
	require.True(t, s.AvgProfitPerTrade.Equal(d("17.5")))
	require.True(t, s.ROIPercent.Equal(d("17.5")))
	require.True(t, s.WinRatePercent.Equal(d("75")))
	require.True(t, s.TotalReturnPercent.Equal(d("17.5")))
	// Ordered by time the curve is -20, -10, +20, +70: worst drop is 20 from the zero start.
	require.True(t, s.MaxDrawdown.Equal(d("20")), s.MaxDrawdown.String())
	require.True(t, s.UnrealizedLosses.Equal(d("10")))
	require.Equal(t, 1, s.LosingLots)
	require.True(t, s.UnrealizedPnL.Equal(d("-5")))
}

func TestComputeEmpty(t *testing.T) {
	s := Compute(nil, nil, nil, at(0))
	require.Zero(t, s.Operations)
	require.True(t, s.ROIPercent.IsZero())
}

func TestFeesCountAgainstProfit(t *testing.T) {
	s := Compute([]ledger.RealizedEntry{entry("100", "100.5", "1", 1)}, nil, nil, at(2))
	require.True(t, s.TotalProfit.Equal(d("-0.5")))
	require.Equal(t, 1, s.LosingTrades)
}

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) LastPrices() map[string]decimal.Decimal { return f }

func TestReporterRecordsAndLoads(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	led := ledger.New(database)
	_, err = led.ApplyFill(ctx, ledger.Fill{FillID: "b1", OrderID: "o1", Symbol: "BTCUSDT", Asset: "BTC", Quantity: d("1"), Price: d("10"), Time: at(1)}, "BUY")
	require.NoError(t, err)
	_, err = led.ApplyFill(ctx, ledger.Fill{FillID: "s1", OrderID: "o2", Symbol: "BTCUSDT", Asset: "BTC", Quantity: d("1"), Price: d("12"), Time: at(2)}, "SELL")
	require.NoError(t, err)

	r := NewReporter(led, fixedPrices{}, database, nil, 0, zap.NewNop())
	recorded, err := r.Record(ctx)
	require.NoError(t, err)
	require.True(t, recorded.TotalProfit.Equal(d("2")))

	latest, err := r.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, latest.Operations)
	require.True(t, latest.TotalProfit.Equal(d("2")))
}
