package risk

import (
	"github.com/shopspring/decimal"

	"tradebot/pkg/exchanges/common"
)

// VetoReason enumerates why a signal did not become an order.
type VetoReason string

const (
	VetoHold                 VetoReason = "hold"
	VetoAssetHalted          VetoReason = "asset_halted"
	VetoNoReferencePrice     VetoReason = "no_reference_price"
	VetoInvalidQuantity      VetoReason = "invalid_quantity"
	VetoInsufficientPosition VetoReason = "insufficient_position"
	VetoInsufficientBalance  VetoReason = "insufficient_balance"
	VetoPositionLimit        VetoReason = "position_limit"
	VetoOrderNotional        VetoReason = "order_notional"
	VetoAccountExposure      VetoReason = "account_exposure"
	VetoUnknownPair          VetoReason = "unknown_pair"
)

// Account is the account-level view risk checks need.
type Account struct {
	FreeQuote decimal.Decimal `json:"free_quote"` // spendable quote balance
	Equity    decimal.Decimal `json:"equity"`     // quote + marked holdings
	Exposure  decimal.Decimal `json:"exposure"`   // marked holdings
}

// OrderRequest is an approved, sized order ready for the order manager.
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Asset         string           `json:"asset"`
	Side          common.Side      `json:"side"`
	Type          common.OrderType `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	RefPrice      decimal.Decimal  `json:"ref_price"`
	Tag           string           `json:"tag"`
}

// Notional is quantity at the limit price, or the reference price for market orders.
func (r OrderRequest) Notional() decimal.Decimal {
	if r.Type == common.OrderTypeLimit && r.LimitPrice.IsPositive() {
		return r.Quantity.Mul(r.LimitPrice)
	}
	return r.Quantity.Mul(r.RefPrice)
}

// Decision represents the result of risk evaluation.
type Decision struct {
	Approved bool         `json:"approved"`
	Request  OrderRequest `json:"request"`
	Veto     VetoReason   `json:"veto,omitempty"`
	Detail   string       `json:"detail,omitempty"`
}
