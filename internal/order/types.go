package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/pkg/exchanges/common"
)

// Status is the manager's view of an order's lifecycle.
type Status string

const (
	StatusPendingSubmit   Status = "PENDING_SUBMIT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
)

// transitions lists every legal status change. EXPIRED is only left through
// reconciliation.
var transitions = map[Status][]Status{
	StatusPendingSubmit:   {StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCanceled, StatusExpired},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCanceled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired},
	StatusExpired:         {StatusFilled, StatusCanceled, StatusRejected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the exchange can no longer fill the order from
// the manager's point of view. EXPIRED is not terminal until reconciled.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}

// Open reports whether the order may still be working on the exchange.
func (s Status) Open() bool {
	return s == StatusPendingSubmit || s == StatusSubmitted || s == StatusPartiallyFilled
}

// Order represents a trading order and its fill progress.
type Order struct {
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Symbol          string           `json:"symbol"`
	Asset           string           `json:"asset"`
	Side            common.Side      `json:"side"`
	Type            common.OrderType `json:"type"`
	Qty             decimal.Decimal  `json:"qty"`
	LimitPrice      decimal.Decimal  `json:"limit_price"`
	Status          Status           `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	FilledQty       decimal.Decimal  `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal  `json:"avg_fill_price"`
	StrategyTag     string           `json:"strategy_tag,omitempty"`
	Attempts        int              `json:"attempts"`
	Deadline        time.Time        `json:"deadline"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// RemainingQty returns unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// IsFullyFilled checks if order is fully filled.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQty.Equal(o.Qty)
}

// addFill folds one execution into the filled quantity and the
// quantity-weighted average price.
func (o *Order) addFill(qty, price decimal.Decimal) {
	total := o.FilledQty.Add(qty)
	if total.IsZero() {
		return
	}
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty)).Div(total)
	o.FilledQty = total
}

// IllegalTransitionError is returned for a status change the table forbids.
type IllegalTransitionError struct {
	OrderID  string
	From, To Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}

// AmbiguousOrderStateError means the manager cannot tell what the exchange
// did with an order. The asset is halted until an operator acknowledges it.
type AmbiguousOrderStateError struct {
	OrderID   string
	Asset     string
	Reason    string
	LastState string
}

func (e *AmbiguousOrderStateError) Error() string {
	return fmt.Sprintf("order %s (%s) in ambiguous state: %s; last state %s", e.OrderID, e.Asset, e.Reason, e.LastState)
}

// RejectedOrderError is a terminal rejection surfaced to the caller.
type RejectedOrderError struct {
	OrderID string
	Reason  string
	Err     error
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}

func (e *RejectedOrderError) Unwrap() error { return e.Err }

// ReasonSubmissionFailed marks orders the exchange never received.
const ReasonSubmissionFailed = "submission_failed"
