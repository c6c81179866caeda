package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/internal/balance"
	"tradebot/internal/events"
	"tradebot/internal/kpi"
	"tradebot/internal/ledger"
	"tradebot/internal/monitor"
	"tradebot/internal/order"
	"tradebot/internal/persistence"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
	"tradebot/pkg/db"
)

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	trader         *Trader
	strategies     *strategy.Engine
	strategiesPath string
	ledger         *ledger.Ledger
	orders         *order.Manager
	queue          *order.Queue
	halts          *risk.Halts
	risk           *risk.Controller
	balances       *balance.Manager
	kpis           *kpi.Reporter
	metrics        *monitor.SystemMetrics
	bus            *events.Bus
	db             *db.Database
	audit          *persistence.BatchWriter

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Trader         *Trader
	Strategies     *strategy.Engine
	StrategiesPath string
	Ledger         *ledger.Ledger
	Orders         *order.Manager
	Queue          *order.Queue
	Halts          *risk.Halts
	Risk           *risk.Controller
	Balances       *balance.Manager
	KPIs           *kpi.Reporter
	Metrics        *monitor.SystemMetrics
	Bus            *events.Bus
	DB             *db.Database
	Audit          *persistence.BatchWriter
	Meta           SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.Meta.StartedAt.IsZero() {
		cfg.Meta.StartedAt = time.Now()
	}
	return &Impl{
		trader:         cfg.Trader,
		strategies:     cfg.Strategies,
		strategiesPath: cfg.StrategiesPath,
		ledger:         cfg.Ledger,
		orders:         cfg.Orders,
		queue:          cfg.Queue,
		halts:          cfg.Halts,
		risk:           cfg.Risk,
		balances:       cfg.Balances,
		kpis:           cfg.KPIs,
		metrics:        cfg.Metrics,
		bus:            cfg.Bus,
		db:             cfg.DB,
		audit:          cfg.Audit,
		meta:           cfg.Meta,
	}
}

// --- Strategies ---

func (e *Impl) ListStrategies() []strategy.Info {
	return e.strategies.Strategies()
}

func (e *Impl) ReloadStrategies(ctx context.Context) error {
	if e.strategiesPath == "" {
		return fmt.Errorf("no strategies file configured")
	}
	return e.strategies.Reload(e.strategiesPath)
}

// --- Portfolio ---

func (e *Impl) GetPositions() []PositionView {
	prices := e.trader.LastPrices()
	positions := e.ledger.Positions()
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, e.view(p, prices))
	}
	return out
}

func (e *Impl) GetPosition(asset string) PositionView {
	return e.view(e.ledger.Position(asset), e.trader.LastPrices())
}

func (e *Impl) view(p ledger.Position, prices map[string]decimal.Decimal) PositionView {
	v := PositionView{
		Asset:       p.Asset,
		Quantity:    p.Quantity(),
		CostBasis:   p.CostBasis(),
		AverageCost: p.AverageCost(),
		Halted:      e.halts.IsHalted(p.Asset),
		Lots:        make([]LotView, 0, len(p.Lots)),
	}
	if price, ok := prices[p.Asset]; ok {
		v.LastPrice = price
		v.UnrealizedPnL = p.Unrealized(price)
	}
	for _, l := range p.Lots {
		v.Lots = append(v.Lots, LotView{Quantity: l.Quantity, UnitCost: l.UnitCost, AcquiredAt: l.AcquiredAt, SourceOrderID: l.SourceOrderID})
	}
	return v
}

func (e *Impl) GetRealized(asset string, from, to time.Time) RealizedView {
	entries := e.ledger.Realized(asset, from, to)
	v := RealizedView{Asset: asset, From: from, To: to, Entries: entries}
	for _, r := range entries {
		v.Total = v.Total.Add(r.PnL().Sub(r.Fee))
		v.Fees = v.Fees.Add(r.Fee)
	}
	return v
}

func (e *Impl) GetPnL() []PnLSummary {
	prices := e.trader.LastPrices()
	byAsset := make(map[string]*PnLSummary)
	get := func(asset string) *PnLSummary {
		s, ok := byAsset[asset]
		if !ok {
			s = &PnLSummary{Asset: asset}
			byAsset[asset] = s
		}
		return s
	}
	for _, r := range e.ledger.Realized("", time.Time{}, time.Time{}) {
		s := get(r.Asset)
		s.Realized = s.Realized.Add(r.PnL().Sub(r.Fee))
	}
	for _, p := range e.ledger.Positions() {
		s := get(p.Asset)
		if price, ok := prices[p.Asset]; ok {
			s.Unrealized = p.Unrealized(price)
		}
	}
	out := make([]PnLSummary, 0, len(byAsset))
	for _, s := range byAsset {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// --- Orders ---

func (e *Impl) ListOrders(ctx context.Context, f OrderFilter) ([]order.Order, error) {
	rows, err := e.db.ListOrders(ctx, db.OrderFilter{Statuses: f.Statuses, Symbol: f.Symbol, Limit: f.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		// Prefer the live view; the row may lag a fill that is still being persisted.
		if o, err := e.orders.Get(ctx, r.ClientOrderID); err == nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *Impl) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return e.orders.Get(ctx, id)
}

func (e *Impl) CancelOrder(ctx context.Context, id string) (order.Order, error) {
	return e.orders.Cancel(ctx, id)
}

// --- Risk ---

func (e *Impl) ListHalts() []risk.Halt {
	return e.halts.Active()
}

func (e *Impl) AcknowledgeHalt(ctx context.Context, asset, by string) (risk.Halt, error) {
	return e.halts.Acknowledge(ctx, asset, by)
}

func (e *Impl) GetAccount() risk.Account {
	return e.trader.Account()
}

func (e *Impl) GetLimits() RiskLimitsView {
	l := e.risk.Limits()
	return RiskLimitsView{
		MaxPositionPerAsset:        l.MaxPositionPerAsset,
		MaxPositionOverrides:       l.MaxPositionOverrides,
		MaxAccountExposureFraction: l.MaxAccountExposureFraction,
		MaxOrderNotional:           l.MaxOrderNotional,
	}
}

// --- Performance ---

func (e *Impl) CurrentKPIs() kpi.Snapshot {
	return e.kpis.Current()
}

func (e *Impl) LatestKPIs(ctx context.Context) (kpi.Snapshot, error) {
	return e.kpis.Latest(ctx)
}

// --- Balance ---

func (e *Impl) GetBalance() balance.Balance {
	return e.balances.GetBalance()
}

// --- System ---

func (e *Impl) GetMetrics() MetricsView {
	v := MetricsView{System: e.metrics.Snapshot(), Orders: e.orders.Metrics()}
	if e.queue != nil {
		v.QueueDepth = e.queue.Len()
	}
	if e.bus != nil {
		v.BusDropped = e.bus.Dropped()
	}
	if e.audit != nil {
		m := e.audit.Metrics()
		v.Audit = &m
	}
	return v
}

func (e *Impl) ListReconciliations(ctx context.Context, limit int) ([]ReconciliationView, error) {
	rows, err := e.db.ListReconciliations(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ReconciliationView, 0, len(rows))
	for _, r := range rows {
		v := ReconciliationView{ID: r.ID, Kind: r.Kind, TakenAt: r.TakenAt, Mismatches: r.Mismatches}
		_ = json.Unmarshal(r.Payload, &v.Report)
		out = append(out, v)
	}
	return out, nil
}

func (e *Impl) GetSystemStatus() SystemStatus {
	s := e.meta
	s.ServerTime = time.Now()
	s.Halted = []string{}
	for _, h := range e.halts.Active() {
		s.Halted = append(s.Halted, h.Asset)
	}
	return s
}

var _ Service = (*Impl)(nil)
