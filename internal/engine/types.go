package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"tradebot/internal/ledger"
	"tradebot/internal/monitor"
	"tradebot/internal/order"
	"tradebot/internal/persistence"
)

// LotView is one open lot.
type LotView struct {
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	AcquiredAt    time.Time       `json:"acquired_at"`
	SourceOrderID string          `json:"source_order_id"`
}

// PositionView represents a position marked at the last price.
type PositionView struct {
	Asset         string          `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Halted        bool            `json:"halted"`
	Lots          []LotView       `json:"lots"`
}

// RealizedView is a realized P&L query result. Total is net of fees.
type RealizedView struct {
	Asset   string                 `json:"asset,omitempty"`
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Total   decimal.Decimal        `json:"total"`
	Fees    decimal.Decimal        `json:"fees"`
	Entries []ledger.RealizedEntry `json:"entries"`
}

// PnLSummary is realized and unrealized P&L for one asset.
type PnLSummary struct {
	Asset      string          `json:"asset"`
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// OrderFilter narrows an order listing.
type OrderFilter struct {
	Statuses []string
	Symbol   string
	Limit    int
}

// MetricsView combines the process metrics.
type MetricsView struct {
	System     monitor.MetricsSnapshot `json:"system"`
	Orders     order.MetricsSnapshot   `json:"orders"`
	Audit      *persistence.Metrics    `json:"audit,omitempty"`
	QueueDepth int                     `json:"queue_depth"`
	BusDropped uint64                  `json:"bus_dropped"`
}

// ReconciliationView is one stored reconciliation report.
type ReconciliationView struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	TakenAt    time.Time `json:"taken_at"`
	Mismatches int       `json:"mismatches"`
	Report     any       `json:"report"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode       string    `json:"mode"`
	Venue      string    `json:"venue"`
	Symbols    []string  `json:"symbols"`
	Feed       string    `json:"feed"`
	Version    string    `json:"version"`
	Halted     []string  `json:"halted"`
	StartedAt  time.Time `json:"started_at"`
	ServerTime time.Time `json:"server_time"`
}

// RiskLimitsView represents the loaded risk limits.
type RiskLimitsView struct {
	MaxPositionPerAsset        decimal.Decimal            `json:"max_position_per_asset"`
	MaxPositionOverrides       map[string]decimal.Decimal `json:"max_position_overrides,omitempty"`
	MaxAccountExposureFraction decimal.Decimal            `json:"max_account_exposure_fraction"`
	MaxOrderNotional           decimal.Decimal            `json:"max_order_notional"`
}
