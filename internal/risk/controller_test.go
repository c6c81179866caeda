package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/ledger"
	"tradebot/internal/strategy"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/common"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticHalts map[string]bool

func (s staticHalts) IsHalted(asset string) bool { return s[asset] }

func testController(halted ...string) *Controller {
	h := staticHalts{}
	for _, a := range halted {
		h[a] = true
	}
	limits := config.RiskLimits{
		MaxPositionPerAsset:        dec("2"),
		MaxPositionOverrides:       map[string]decimal.Decimal{"ETH": dec("50")},
		MaxAccountExposureFraction: dec("0.5"),
		MaxOrderNotional:           dec("5000"),
	}
	pairs := []config.Pair{
		{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", StepSize: dec("0.001")},
		{Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT", StepSize: dec("0.01")},
	}
	return NewController(limits, pairs, h)
}

func position(asset, qty string) ledger.Position {
	if qty == "0" {
		return ledger.Position{Asset: asset}
	}
	return ledger.Position{Asset: asset, Lots: []ledger.Lot{{Asset: asset, Quantity: dec(qty), UnitCost: dec("100")}}}
}

func TestReview(t *testing.T) {
	rich := Account{FreeQuote: dec("10000"), Equity: dec("10000"), Exposure: decimal.Zero}

	tests := []struct {
		name     string
		halted   []string
		sig      strategy.Signal
		pos      ledger.Position
		acct     Account
		wantVeto VetoReason
		wantQty  string
	}{
		{
			name:     "hold",
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionHold, RefPrice: dec("1000")},
			wantVeto: VetoHold,
		},
		{
			name:     "halted asset",
			halted:   []string{"BTC"},
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Quantity: dec("1"), RefPrice: dec("1000")},
			acct:     rich,
			wantVeto: VetoAssetHalted,
		},
		{
			name:     "no reference price",
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Quantity: dec("1")},
			acct:     rich,
			wantVeto: VetoNoReferencePrice,
		},
		{
			name:     "rounds to zero",
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Quantity: dec("0.0009"), RefPrice: dec("1000")},
			acct:     rich,
			wantVeto: VetoInvalidQuantity,
		},
		{
			name:     "sell more than held",
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionSell, Quantity: dec("1.5"), RefPrice: dec("1000")},
			pos:      position("BTC", "1"),
			acct:     rich,
			wantVeto: VetoInsufficientPosition,
		},
		{
			name:     "buy above free quote",
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Quantity: dec("1"), RefPrice: dec("1000")},
			acct:     Account{FreeQuote: dec("999"), Equity: dec("10000")},
			wantVeto: VetoInsufficientBalance,
		},
		{
			name:     "position limit",
			sig:      strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Quantity: dec("1.5"), RefPrice: dec("1000")},
			pos:      position("BTC", "1"),
			acct:     rich,
			wantVeto: VetoPositionLimit,
		},
		{
			name:     "order notional",
			sig:      strategy.Signal{Symbol: "ETHUSDT", Action: strategy.ActionBuy, Quantity: dec("3"), RefPrice: dec("2000")},
			acct:     Account{FreeQuote: dec("100000"), Equity: dec("100000")},
			wantVeto: VetoOrderNotional,
		},
		{
			name:     "account exposure",
			sig:      strategy.Signal{Symbol: "ETHUSDT", Action: strategy.ActionBuy, Quantity: dec("2"), RefPrice: dec("2000")},
			acct:     Account{FreeQuote: dec("5000"), Equity: dec("10000"), Exposure: dec("2000")},
			wantVeto: VetoAccountExposure,
		},
		{
			name:    "quote amount rounded down to step",
			sig:     strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, QuoteAmount: dec("50"), RefPrice: dec("30000")},
			acct:    rich,
			wantQty: "0.001",
		},
		{
			name:    "sell fraction of held",
			sig:     strategy.Signal{Symbol: "ETHUSDT", Action: strategy.ActionSell, Fraction: dec("0.5"), RefPrice: dec("2000")},
			pos:     position("ETH", "1.25"),
			acct:    rich,
			wantQty: "0.62",
		},
		{
			name:    "buy fraction of equity",
			sig:     strategy.Signal{Symbol: "ETHUSDT", Action: strategy.ActionBuy, Fraction: dec("0.1"), RefPrice: dec("2000")},
			acct:    rich,
			wantQty: "0.5",
		},
		{
			name:    "sell is not bound by exposure",
			sig:     strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionSell, Quantity: dec("1"), RefPrice: dec("1000")},
			pos:     position("BTC", "1"),
			acct:    Account{Equity: dec("1000"), Exposure: dec("1000")},
			wantQty: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testController(tt.halted...)
			pos := tt.pos
			if pos.Asset == "" {
				pos = ledger.Position{Asset: "BTC"}
			}
			got := c.Review(tt.sig, pos, tt.acct)

			if tt.wantVeto != "" {
				if got.Approved || got.Veto != tt.wantVeto {
					t.Fatalf("decision=%+v, expected veto %s", got, tt.wantVeto)
				}
				return
			}
			if !got.Approved {
				t.Fatalf("unexpected veto %s: %s", got.Veto, got.Detail)
			}
			if !got.Request.Quantity.Equal(dec(tt.wantQty)) {
				t.Fatalf("Quantity=%s, expected %s", got.Request.Quantity, tt.wantQty)
			}
		})
	}
}

func TestLimitSignalBecomesLimitOrder(t *testing.T) {
	c := testController()
	sig := strategy.Signal{Symbol: "BTCUSDT", Action: strategy.ActionBuy, Quantity: dec("1"), LimitPrice: dec("990"), RefPrice: dec("1000"), Tag: "s1"}
	got := c.Review(sig, ledger.Position{Asset: "BTC"}, Account{FreeQuote: dec("10000"), Equity: dec("10000")})
	if !got.Approved {
		t.Fatalf("veto %s", got.Veto)
	}
	r := got.Request
	if r.Type != common.OrderTypeLimit || !r.LimitPrice.Equal(dec("990")) || r.Side != common.SideBuy || r.Asset != "BTC" || r.Tag != "s1" {
		t.Fatalf("unexpected request %+v", r)
	}
	if !r.Notional().Equal(dec("990")) {
		t.Fatalf("Notional=%s", r.Notional())
	}
}

func TestHaltsPersistUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(4, events.EventHalt, events.EventHaltCleared)
	defer unsub()

	h := NewHalts(database, bus, zap.NewNop())
	if err := h.Halt(ctx, Halt{Asset: "BTC", Kind: HaltInsufficientLots, Reason: "sell 2 > held 1"}); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := h.Halt(ctx, Halt{Asset: "BTC", Kind: HaltAmbiguousOrder, Reason: "second"}); err != nil {
		t.Fatalf("Halt again: %v", err)
	}
	if msg := <-ch; msg.Topic != events.EventHalt {
		t.Fatalf("topic=%s", msg.Topic)
	}

	restarted := NewHalts(database, nil, zap.NewNop())
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !restarted.IsHalted("BTC") || restarted.Active()[0].Kind != HaltInsufficientLots {
		t.Fatalf("halt not restored: %+v", restarted.Active())
	}

	if _, err := h.Acknowledge(ctx, "BTC", "ops"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if h.IsHalted("BTC") {
		t.Fatalf("BTC still halted")
	}
	select {
	case msg := <-ch:
		if msg.Topic != events.EventHaltCleared {
			t.Fatalf("topic=%s", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("no halt_cleared event")
	}
	if _, err := h.Acknowledge(ctx, "BTC", "ops"); !errors.Is(err, ErrNotHalted) {
		t.Fatalf("expected ErrNotHalted, got %v", err)
	}

	again := NewHalts(database, nil, zap.NewNop())
	_ = again.Load(ctx)
	if again.IsHalted("BTC") {
		t.Fatalf("acknowledged halt came back after restart")
	}
}
