package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the bot places.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Open reports whether the exchange may still fill the order.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartial
}

// SubmitRequest captures an order intent sent to an exchange.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // required for LIMIT
	TimeInForce   TimeInForce
}

// SubmitAck is the exchange acknowledgment of an accepted order.
type SubmitAck struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          OrderStatus
}

// CancelOutcome is the result of a cancel call.
type CancelOutcome string

const (
	CancelCanceled        CancelOutcome = "canceled"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
	CancelNotFound        CancelOutcome = "not_found"
)

// CancelAck reports what the exchange did with a cancel request.
type CancelAck struct {
	ClientOrderID string
	Outcome       CancelOutcome
}

// OrderSnapshot is the exchange's view of one order, including its fills.
type OrderSnapshot struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	Fills           []Fill
	UpdatedAt       time.Time
}

// Fill represents one execution against an order.
// Seq is assigned by the exchange and increases monotonically per symbol.
type Fill struct {
	FillID          string
	Seq             uint64
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	Time            time.Time
}
