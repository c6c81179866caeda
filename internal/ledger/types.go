package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/pkg/exchanges/common"
)

// Lot is one acquisition of an asset. Only the front lot of a position is
// ever reduced, and only by a sell.
type Lot struct {
	Asset         string          `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	AcquiredAt    time.Time       `json:"acquired_at"`
	SourceOrderID string          `json:"source_order_id"`
}

// Position is a snapshot of an asset's lots, oldest first.
type Position struct {
	Asset string `json:"asset"`
	Lots  []Lot  `json:"lots"`
}

// Quantity is the held amount.
func (p Position) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lots {
		total = total.Add(l.Quantity)
	}
	return total
}

// CostBasis is the summed cost of the open lots.
func (p Position) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lots {
		total = total.Add(l.Quantity.Mul(l.UnitCost))
	}
	return total
}

// AverageCost is the quantity-weighted unit cost, zero when flat.
func (p Position) AverageCost() decimal.Decimal {
	q := p.Quantity()
	if q.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis().Div(q)
}

// Unrealized is Σ qty × (price − unit_cost) over the open lots.
func (p Position) Unrealized(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lots {
		total = total.Add(l.Quantity.Mul(price.Sub(l.UnitCost)))
	}
	return total
}

// RealizedEntry is the append-only record of one lot (or lot slice) sold.
type RealizedEntry struct {
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedAt  time.Time       `json:"realized_at"`
	SellOrderID string          `json:"sell_order_id"`
	FillID      string          `json:"fill_id"`
	LotOrderID  string          `json:"lot_order_id"`
}

// PnL is proceeds minus cost basis, before fees.
func (e RealizedEntry) PnL() decimal.Decimal { return e.Proceeds.Sub(e.CostBasis) }

// Fill is an execution as the ledger sees it.
type Fill struct {
	FillID          string
	Seq             uint64
	OrderID         string
	ExchangeOrderID string
	Symbol          string
	Asset           string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	Time            time.Time
}

// Delta describes what one fill did to a position.
type Delta struct {
	Asset    string          `json:"asset"`
	Side     common.Side     `json:"side"`
	FillID   string          `json:"fill_id"`
	Added    *Lot            `json:"added,omitempty"`
	Realized []RealizedEntry `json:"realized,omitempty"`
	Position Position        `json:"position"`
}

// RealizedPnL sums the delta's realized entries.
func (d Delta) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, e := range d.Realized {
		total = total.Add(e.PnL())
	}
	return total
}

// InsufficientLotsError means a sell exceeds what the ledger holds. It points
// at a reconciliation bug; the sell is never clamped.
type InsufficientLotsError struct {
	Asset     string
	FillID    string
	Requested decimal.Decimal
	Held      decimal.Decimal
}

func (e *InsufficientLotsError) Error() string {
	return fmt.Sprintf("insufficient lots for %s: sell %s, held %s (fill %s)", e.Asset, e.Requested, e.Held, e.FillID)
}
