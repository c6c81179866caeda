package reconciliation

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/risk"
	"tradebot/pkg/db"
)

type holdings map[string]decimal.Decimal

func (h holdings) Holdings(context.Context) (map[string]decimal.Decimal, error) { return h, nil }

type ledgerView map[string]decimal.Decimal

func (l ledgerView) Holdings() map[string]decimal.Decimal { return l }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMismatchHaltsAsset(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	halts := risk.NewHalts(database, nil, zap.NewNop())

	svc := NewService(Config{
		Exchange:  holdings{"BTC": d("1.5"), "ETH": d("2"), "USDT": d("100")},
		Ledger:    ledgerView{"BTC": d("1.5"), "ETH": d("2.5")},
		Halts:     halts,
		Store:     database,
		Assets:    []string{"ETH", "BTC"},
		Tolerance: d("0.00000001"),
	})
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if !halts.IsHalted("ETH") {
		t.Fatalf("ETH should be halted")
	}
	if halts.IsHalted("BTC") {
		t.Fatalf("BTC matches and must keep trading")
	}

	reports, err := database.ListReconciliations(context.Background(), 10)
	if err != nil || len(reports) != 1 {
		t.Fatalf("ListReconciliations=%d err=%v", len(reports), err)
	}
	if reports[0].Kind != "holdings" || reports[0].Mismatches != 1 {
		t.Fatalf("unexpected report %+v", reports[0])
	}
}

func TestWithinToleranceIsClean(t *testing.T) {
	svc := NewService(Config{
		Exchange:  holdings{"BTC": d("1.000000001")},
		Ledger:    ledgerView{"BTC": d("1")},
		Assets:    []string{"BTC"},
		Tolerance: d("0.00000001"),
	})
	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.HasDiffs {
		t.Fatalf("unexpected diffs %+v", report.Diffs)
	}
}
