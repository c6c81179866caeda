package balance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/order"
	"tradebot/pkg/config"
	"tradebot/pkg/exchanges/common"
)

type staticSource map[string]decimal.Decimal

func (s staticSource) Holdings(context.Context) (map[string]decimal.Decimal, error) { return s, nil }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFillsMoveBalances(t *testing.T) {
	m := NewManager(nil, "USDT", 0, zap.NewNop())
	m.SetInitialBalance(d("1000"))
	pair := config.Pair{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"}

	m.OnFill(order.AppliedFill{Pair: pair, Fill: common.Fill{Side: common.SideBuy, Qty: d("2"), Price: d("100"), Fee: d("0.2"), FeeAsset: "USDT"}})
	if got := m.Quote(); !got.Equal(d("799.8")) {
		t.Fatalf("quote after buy=%s, expected 799.8", got)
	}
	if got := m.Get("BTC"); !got.Equal(d("2")) {
		t.Fatalf("BTC after buy=%s", got)
	}

	m.OnFill(order.AppliedFill{Pair: pair, Fill: common.Fill{Side: common.SideSell, Qty: d("1"), Price: d("150")}})
	if got := m.Quote(); !got.Equal(d("949.8")) {
		t.Fatalf("quote after sell=%s, expected 949.8", got)
	}
}

func TestSyncReplacesBalances(t *testing.T) {
	m := NewManager(staticSource{"USDT": d("42"), "ETH": d("1.5")}, "USDT", 0, zap.NewNop())
	m.SetInitialBalance(d("1000"))
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	b := m.GetBalance()
	if !b.Assets["USDT"].Equal(d("42")) || !b.Assets["ETH"].Equal(d("1.5")) {
		t.Fatalf("unexpected balances %+v", b.Assets)
	}
	if b.LastSync.IsZero() {
		t.Fatalf("LastSync not set")
	}
}
