// Package engine runs the decision loops and exposes the trading core to
// the API layer through Service.
package engine

import (
	"context"
	"time"

	"tradebot/internal/balance"
	"tradebot/internal/kpi"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

// Service defines the interface for trading engine operations.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Strategies
	ListStrategies() []strategy.Info
	ReloadStrategies(ctx context.Context) error

	// Portfolio
	GetPositions() []PositionView
	GetPosition(asset string) PositionView
	GetRealized(asset string, from, to time.Time) RealizedView
	GetPnL() []PnLSummary

	// Orders
	ListOrders(ctx context.Context, f OrderFilter) ([]order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	CancelOrder(ctx context.Context, id string) (order.Order, error)

	// Risk
	ListHalts() []risk.Halt
	AcknowledgeHalt(ctx context.Context, asset, by string) (risk.Halt, error)
	GetAccount() risk.Account
	GetLimits() RiskLimitsView

	// Performance
	CurrentKPIs() kpi.Snapshot
	LatestKPIs(ctx context.Context) (kpi.Snapshot, error)

	// Balance
	GetBalance() balance.Balance

	// System
	GetMetrics() MetricsView
	ListReconciliations(ctx context.Context, limit int) ([]ReconciliationView, error)
	GetSystemStatus() SystemStatus
}
