package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/pkg/db"
)

// ExchangeClient reports exchange balances per asset.
type ExchangeClient interface {
	Holdings(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Ledger reports held quantities per asset.
type Ledger interface {
	Holdings() map[string]decimal.Decimal
}

// Orders reconciles non-terminal orders; *order.Manager satisfies it.
type Orders interface {
	ReconcileOpen(ctx context.Context) order.ReconcileReport
}

// Halter stops trading on an asset.
type Halter interface {
	Halt(ctx context.Context, h risk.Halt) error
}

// Store keeps reports for audit; *db.Database satisfies it.
type Store interface {
	InsertReconciliation(ctx context.Context, r db.ReconciliationRow) error
}

// Service periodically compares the ledger with the exchange. A holdings
// mismatch halts the asset; nothing is synced automatically.
type Service struct {
	exchange  ExchangeClient
	ledger    Ledger
	orders    Orders
	halts     Halter
	store     Store
	bus       *events.Bus
	assets    []string
	tolerance decimal.Decimal
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time
	mu        sync.Mutex
}

// Report contains holdings reconciliation results
type Report struct {
	Timestamp time.Time      `json:"timestamp"`
	Diffs     []PositionDiff `json:"diffs"`
	HasDiffs  bool           `json:"has_diffs"`
}

// PositionDiff represents a holdings difference
type PositionDiff struct {
	Asset       string          `json:"asset"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	Difference  decimal.Decimal `json:"difference"`
}

// Config wires a Service.
type Config struct {
	Exchange  ExchangeClient
	Ledger    Ledger
	Orders    Orders
	Halts     Halter
	Store     Store
	Bus       *events.Bus
	Assets    []string // ledger assets to compare
	Tolerance decimal.Decimal
	Interval  time.Duration
	Log       *zap.Logger
}

// NewService creates a new reconciliation service
func NewService(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Service{
		exchange:  cfg.Exchange,
		ledger:    cfg.Ledger,
		orders:    cfg.Orders,
		halts:     cfg.Halts,
		store:     cfg.Store,
		bus:       cfg.Bus,
		assets:    cfg.Assets,
		tolerance: cfg.Tolerance,
		interval:  cfg.Interval,
		log:       cfg.Log,
		now:       time.Now,
	}
}

// Startup reconciles open orders and then holdings, once.
func (s *Service) Startup(ctx context.Context) error {
	s.reconcileOrders(ctx)
	report, err := s.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup holdings reconciliation: %w", err)
	}
	s.handleReport(ctx, report)
	return nil
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reconcileOrders(ctx)
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.log.Error("holdings reconciliation failed", zap.Error(err))
					continue
				}
				s.handleReport(ctx, report)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.Info("reconciliation service started", zap.Duration("interval", s.interval))
}

func (s *Service) reconcileOrders(ctx context.Context) {
	if s.orders == nil {
		return
	}
	rep := s.orders.ReconcileOpen(ctx)
	s.save(ctx, "orders", len(rep.Failed), rep)
}

// Reconcile compares ledger holdings with exchange balances.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: s.now()}
	if s.exchange == nil {
		return report, nil
	}
	exchange, err := s.exchange.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	local := s.ledger.Holdings()

	assets := append([]string(nil), s.assets...)
	sort.Strings(assets)
	for _, asset := range assets {
		lq, eq := local[asset], exchange[asset]
		diff := lq.Sub(eq)
		if diff.Abs().GreaterThan(s.tolerance) {
			report.Diffs = append(report.Diffs, PositionDiff{Asset: asset, LocalQty: lq, ExchangeQty: eq, Difference: diff})
			report.HasDiffs = true
		}
	}
	return report, nil
}

// handleReport processes reconciliation report
func (s *Service) handleReport(ctx context.Context, report *Report) {
	if !report.HasDiffs {
		s.log.Debug("holdings match exchange")
		return
	}
	for _, diff := range report.Diffs {
		s.log.Warn("holdings mismatch",
			zap.String("asset", diff.Asset),
			zap.String("local", diff.LocalQty.String()),
			zap.String("exchange", diff.ExchangeQty.String()))
		if s.halts != nil {
			err := s.halts.Halt(ctx, risk.Halt{
				Asset:     diff.Asset,
				Kind:      risk.HaltHoldingsMismatch,
				Reason:    fmt.Sprintf("ledger holds %s, exchange reports %s", diff.LocalQty, diff.ExchangeQty),
				LastState: "ledger " + diff.LocalQty.String(),
			})
			if err != nil {
				s.log.Error("persist halt", zap.String("asset", diff.Asset), zap.Error(err))
			}
		}
	}
	s.save(ctx, "holdings", len(report.Diffs), report)
	if s.bus != nil {
		s.bus.Publish(events.EventReconciliation, *report)
	}
}

func (s *Service) save(ctx context.Context, kind string, mismatches int, report any) {
	if s.store == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		s.log.Error("encode reconciliation report", zap.Error(err))
		return
	}
	if err := s.store.InsertReconciliation(ctx, db.ReconciliationRow{Kind: kind, TakenAt: s.now(), Mismatches: mismatches, Payload: payload}); err != nil {
		s.log.Error("save reconciliation report", zap.Error(err))
	}
}
