package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Unix(1700000000, 0).UTC()

func fill(id, qty, price string, at int) Fill {
	return Fill{
		FillID:   id,
		OrderID:  "ord-" + id,
		Symbol:   "BTCUSDT",
		Asset:    "BTC",
		Quantity: d(qty),
		Price:    d(price),
		Time:     t0.Add(time.Duration(at) * time.Second),
	}
}

func TestSellConsumesOldestLotsFirst(t *testing.T) {
	ctx := context.Background()
	l := New(nil)

	_, err := l.ApplyFill(ctx, fill("b1", "5", "10", 1), common.SideBuy)
	require.NoError(t, err)
	_, err = l.ApplyFill(ctx, fill("b2", "5", "20", 2), common.SideBuy)
	require.NoError(t, err)

	delta, err := l.ApplyFill(ctx, fill("s1", "7", "30", 3), common.SideSell)
	require.NoError(t, err)
	require.Len(t, delta.Realized, 2)

	cost := decimal.Zero
	for _, e := range delta.Realized {
		cost = cost.Add(e.CostBasis)
	}
	require.True(t, cost.Equal(d("90")), "cost basis %s", cost)
	require.True(t, delta.RealizedPnL().Equal(d("120")), "pnl %s", delta.RealizedPnL())
	require.Equal(t, "ord-b1", delta.Realized[0].LotOrderID)
	require.Equal(t, "ord-b2", delta.Realized[1].LotOrderID)

	pos := l.Position("BTC")
	require.Len(t, pos.Lots, 1)
	require.True(t, pos.Lots[0].Quantity.Equal(d("3")))
	require.True(t, pos.Lots[0].UnitCost.Equal(d("20")))
	require.True(t, pos.Unrealized(d("25")).Equal(d("15")))
}

func TestSellFeeIsSplitAcrossLots(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	_, _ = l.ApplyFill(ctx, fill("b1", "1", "10", 1), common.SideBuy)
	_, _ = l.ApplyFill(ctx, fill("b2", "2", "10", 2), common.SideBuy)

	f := fill("s1", "3", "12", 3)
	f.Fee = d("0.1")
	delta, err := l.ApplyFill(ctx, f, common.SideSell)
	require.NoError(t, err)

	total := decimal.Zero
	for _, e := range delta.Realized {
		total = total.Add(e.Fee)
	}
	require.True(t, total.Equal(d("0.1")), "fee shares must add up, got %s", total)
}

func TestInsufficientLotsLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	_, _ = l.ApplyFill(ctx, fill("b1", "1", "10", 1), common.SideBuy)

	_, err := l.ApplyFill(ctx, fill("s1", "2", "12", 2), common.SideSell)
	var insufficient *InsufficientLotsError
	require.True(t, errors.As(err, &insufficient))
	require.True(t, insufficient.Held.Equal(d("1")))

	pos := l.Position("BTC")
	require.Len(t, pos.Lots, 1)
	require.True(t, pos.Quantity().Equal(d("1")))
	require.Empty(t, l.Realized("", time.Time{}, time.Time{}))
}

func TestDuplicateFillIsRejected(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	f := fill("b1", "1", "10", 1)
	_, err := l.ApplyFill(ctx, f, common.SideBuy)
	require.NoError(t, err)
	_, err = l.ApplyFill(ctx, f, common.SideBuy)
	require.ErrorIs(t, err, ErrDuplicateFill)
	require.True(t, l.Position("BTC").Quantity().Equal(d("1")))
}

func TestRealizedRange(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	_, _ = l.ApplyFill(ctx, fill("b1", "4", "10", 1), common.SideBuy)
	_, _ = l.ApplyFill(ctx, fill("s1", "1", "11", 10), common.SideSell)
	_, _ = l.ApplyFill(ctx, fill("s2", "1", "12", 20), common.SideSell)

	got := l.Realized("BTC", t0.Add(5*time.Second), t0.Add(20*time.Second))
	require.Len(t, got, 1)
	require.Equal(t, "s1", got[0].FillID)
	require.Len(t, l.Realized("", time.Time{}, time.Time{}), 2)
}

// Quantity bought equals quantity held plus quantity realized, and realized
// cost basis plus open cost basis equals total purchase cost, for any
// sequence of valid fills.
func TestConservation(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	l := New(nil)

	bought := decimal.Zero
	spent := decimal.Zero
	for i := 0; i < 500; i++ {
		held := l.Position("BTC").Quantity()
		qty := decimal.New(int64(rng.Intn(1000)+1), -3)
		price := decimal.New(int64(rng.Intn(50000)+1), -2)
		id := fmt.Sprintf("f%d", i)

		if rng.Intn(2) == 0 || held.IsZero() {
			_, err := l.ApplyFill(ctx, fill(id, qty.String(), price.String(), i), common.SideBuy)
			require.NoError(t, err)
			bought = bought.Add(qty)
			spent = spent.Add(qty.Mul(price))
			continue
		}
		qty = decimal.Min(qty, held)
		_, err := l.ApplyFill(ctx, fill(id, qty.String(), price.String(), i), common.SideSell)
		require.NoError(t, err)
	}

	realizedQty, realizedCost := decimal.Zero, decimal.Zero
	for _, e := range l.Realized("BTC", time.Time{}, time.Time{}) {
		realizedQty = realizedQty.Add(e.Quantity)
		realizedCost = realizedCost.Add(e.CostBasis)
	}
	pos := l.Position("BTC")
	require.True(t, bought.Equal(pos.Quantity().Add(realizedQty)))
	require.True(t, spent.Equal(pos.CostBasis().Add(realizedCost)))
	for _, lot := range pos.Lots {
		require.True(t, lot.Quantity.IsPositive())
	}
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	l := New(database)
	_, err = l.ApplyFill(ctx, fill("b1", "5", "10", 1), common.SideBuy)
	require.NoError(t, err)
	_, err = l.ApplyFill(ctx, fill("b2", "5", "20", 2), common.SideBuy)
	require.NoError(t, err)
	_, err = l.ApplyFill(ctx, fill("s1", "7", "30", 3), common.SideSell)
	require.NoError(t, err)

	restored := New(database)
	require.NoError(t, restored.Restore(ctx))
	pos := restored.Position("BTC")
	require.Len(t, pos.Lots, 1)
	require.True(t, pos.Lots[0].Quantity.Equal(d("3")))
	require.True(t, pos.Lots[0].UnitCost.Equal(d("20")))
	require.Equal(t, "ord-b2", pos.Lots[0].SourceOrderID)
	require.True(t, pos.Lots[0].AcquiredAt.Equal(t0.Add(2*time.Second)))
	require.Len(t, restored.Realized("BTC", time.Time{}, time.Time{}), 2)

	// The fill table still knows b2 after a restart.
	_, err = restored.ApplyFill(ctx, fill("b2", "5", "20", 2), common.SideBuy)
	require.ErrorIs(t, err, ErrDuplicateFill)
	require.True(t, restored.Position("BTC").Quantity().Equal(d("3")))
}
