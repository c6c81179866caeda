package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tickAt(price string, at time.Time) market.Tick {
	return market.Tick{Symbol: "BTCUSDT", Price: dec(price), Time: at}
}

func lots(costs ...string) ledger.Position {
	pos := ledger.Position{Asset: "BTC"}
	for _, c := range costs {
		pos.Lots = append(pos.Lots, ledger.Lot{Asset: "BTC", Quantity: dec("1"), UnitCost: dec(c)})
	}
	return pos
}

func TestPriceTrendBuysDipOncePerPeriod(t *testing.T) {
	s, err := Build(Config{ID: "t", Type: "price_trend", Symbol: "BTCUSDT", Parameters: Params{"invest_quote": 100}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	day := 24 * time.Hour
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	if sig := s.Evaluate(tickAt("100", start), ledger.Position{}); sig.Action != ActionHold {
		t.Fatalf("first period has no previous close, got %s", sig.Action)
	}
	// 98 * 1.01 = 98.98 < 100
	sig := s.Evaluate(tickAt("98", start.Add(day)), ledger.Position{})
	if sig.Action != ActionBuy || !sig.QuoteAmount.Equal(dec("100")) {
		t.Fatalf("expected quote buy, got %+v", sig)
	}
	if sig := s.Evaluate(tickAt("97", start.Add(day+time.Hour)), ledger.Position{}); sig.Action != ActionHold {
		t.Fatalf("second buy in the same period: %s", sig.Action)
	}
	// Next period dips again but not below the cheapest lot.
	if sig := s.Evaluate(tickAt("96", start.Add(2*day)), lots("95.5")); sig.Action != ActionHold {
		t.Fatalf("buy above cheapest lot: %s", sig.Action)
	}
}

func TestPriceTrendTakesProfitFirst(t *testing.T) {
	s, err := Build(Config{ID: "t", Type: "price_trend", Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// 100*1.01 = 101 < 102 sells; 110*1.01 does not.
	sig := s.Evaluate(tickAt("102", time.Unix(0, 0)), lots("100", "110", "100"))
	if sig.Action != ActionSell || !sig.Quantity.Equal(dec("2")) {
		t.Fatalf("expected sell of 2, got %+v", sig)
	}
}

func TestMACrossSignalsOnCross(t *testing.T) {
	s, err := Build(Config{Type: "ma_cross", Parameters: Params{"fast": 2, "slow": 3, "quantity": "0.5"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	at := time.Unix(0, 0)
	var got []Action
	pos := ledger.Position{}
	for i, p := range []string{"10", "9", "8", "12", "13", "5", "4"} {
		sig := s.Evaluate(tickAt(p, at.Add(time.Duration(i)*time.Minute)), pos)
		if sig.Action == ActionBuy {
			pos = lots("12")
		}
		if sig.Action == ActionSell {
			pos = ledger.Position{}
		}
		got = append(got, sig.Action)
	}
	want := []Action{ActionHold, ActionHold, ActionHold, ActionBuy, ActionHold, ActionSell, ActionHold}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: got %s, expected %s (all %v)", i, got[i], want[i], got)
		}
	}
}

func TestRSIBuysOncePerOversoldRunAndSellsOverbought(t *testing.T) {
	s, err := Build(Config{Type: "rsi", Parameters: Params{"period": 2, "quantity": 1}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	at := time.Unix(0, 0)
	var got []Action
	pos := ledger.Position{}
	for i, p := range []string{"10", "9", "8", "7", "8", "9", "10"} {
		sig := s.Evaluate(tickAt(p, at.Add(time.Duration(i)*time.Minute)), pos)
		switch sig.Action {
		case ActionBuy:
			pos = lots(p)
		case ActionSell:
			if !sig.Quantity.Equal(dec("1")) {
				t.Fatalf("sell quantity %s, expected the whole position", sig.Quantity)
			}
			pos = ledger.Position{}
		}
		got = append(got, sig.Action)
	}
	// 8: RSI 0 buys; 7 stays oversold; 8 resets at RSI 50; 9 sells at RSI 100; 10 is flat.
	want := []Action{ActionHold, ActionHold, ActionBuy, ActionHold, ActionHold, ActionSell, ActionHold}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: got %s, expected %s (all %v)", i, got[i], want[i], got)
		}
	}
}

func TestBuildRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown type", Config{Type: "martingale"}},
		{"ma without size", Config{Type: "ma_cross", Parameters: Params{}}},
		{"ma slow <= fast", Config{Type: "ma_cross", Parameters: Params{"fast": 5, "slow": 5, "quantity": 1}}},
		{"bad decimal", Config{Type: "price_trend", Parameters: Params{"dip": "abc"}}},
		{"rsi inverted", Config{Type: "rsi", Parameters: Params{"oversold": 80, "overbought": 20, "quantity": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

const doc = `
strategies:
  - id: btc-trend
    type: price_trend
    symbol: btcusdt
    is_active: true
    parameters:
      invest_quote: 50
      period: 1h
  - type: bollinger
    symbol: ETHUSDT
    is_active: true
    parameters:
      period: 20
      std_dev: 2
      fraction: 0.1
  - type: rsi
    symbol: ETHUSDT
    is_active: false
    parameters:
      quantity: 1
`

func TestEngineLoadAndReload(t *testing.T) {
	cfgs, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfgs[0].Symbol != "BTCUSDT" || cfgs[1].ID != "bollinger-ethusdt" {
		t.Fatalf("unexpected normalization: %+v", cfgs[:2])
	}

	e := NewEngine([]string{"BTCUSDT", "ETHUSDT"}, zap.NewNop())
	if err := e.Load(cfgs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(e.Strategies()); n != 2 {
		t.Fatalf("active=%d, expected 2", n)
	}
	sig, ok := e.Evaluate(tickAt("100", time.Unix(0, 0)), ledger.Position{})
	if !ok || sig.Tag != "btc-trend" {
		t.Fatalf("Evaluate ok=%v sig=%+v", ok, sig)
	}

	// Two active strategies on one pair are refused and the old set stays.
	cfgs[2].IsActive = true
	if err := e.Load(cfgs); err == nil {
		t.Fatalf("expected duplicate pair error")
	}
	if n := len(e.Strategies()); n != 2 {
		t.Fatalf("failed load must keep the previous set, active=%d", n)
	}

	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte("strategies:\n  - type: ma_cross\n    symbol: ETHUSDT\n    is_active: true\n    parameters: {fast: 3, slow: 9, quantity: 1}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := e.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := e.Evaluate(tickAt("100", time.Unix(0, 0)), ledger.Position{}); ok {
		t.Fatalf("BTCUSDT strategy should be gone after reload")
	}
}
