package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BINANCE_SYMBOLS", "btcusdt, ETHUSDT")
	t.Setenv("PAIR_STEP_SIZES", "BTCUSDT:0.00001")
	t.Setenv("ORDER_FILL_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeSimulated {
		t.Fatalf("Mode=%s, expected sim", cfg.Mode)
	}
	if len(cfg.Pairs) != 2 {
		t.Fatalf("Pairs=%d, expected 2", len(cfg.Pairs))
	}
	btc, ok := cfg.Pair("BTCUSDT")
	if !ok {
		t.Fatalf("BTCUSDT not configured")
	}
	if btc.Base != "BTC" || btc.Quote != "USDT" {
		t.Fatalf("unexpected pair split %+v", btc)
	}
	if !btc.StepSize.Equal(decimal.RequireFromString("0.00001")) {
		t.Fatalf("StepSize=%s", btc.StepSize)
	}
	eth, _ := cfg.Pair("ETHUSDT")
	if !eth.StepSize.Equal(decimal.New(1, -8)) {
		t.Fatalf("default StepSize=%s", eth.StepSize)
	}
	if cfg.Orders.FillTimeout != 30*time.Second {
		t.Fatalf("FillTimeout=%v", cfg.Orders.FillTimeout)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown mode", env: map[string]string{"MODE": "paper"}},
		{name: "live without keys", env: map[string]string{"MODE": "live"}},
		{name: "exposure above one", env: map[string]string{"RISK_MAX_ACCOUNT_EXPOSURE": "1.5"}},
		{name: "symbol without quote", env: map[string]string{"BINANCE_SYMBOLS": "BTCEUR"}},
		{name: "zero attempts", env: map[string]string{"ORDER_SUBMIT_MAX_ATTEMPTS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BINANCE_API_KEY", "")
			t.Setenv("BINANCE_API_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMaxPositionOverride(t *testing.T) {
	l := RiskLimits{
		MaxPositionPerAsset:  decimal.NewFromInt(1),
		MaxPositionOverrides: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(10)},
	}
	if !l.MaxPosition("ETH").Equal(decimal.NewFromInt(10)) {
		t.Fatalf("override not applied")
	}
	if !l.MaxPosition("BTC").Equal(decimal.NewFromInt(1)) {
		t.Fatalf("default not applied")
	}
}
