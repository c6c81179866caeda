package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

// Action is what a signal asks for.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is a decision emitted by a strategy. Exactly one of Quantity,
// Fraction or QuoteAmount sizes a buy or sell; QuoteAmount only applies to buys.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Action      Action          `json:"action"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fraction    decimal.Decimal `json:"fraction"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	LimitPrice  decimal.Decimal `json:"limit_price"` // zero means market
	RefPrice    decimal.Decimal `json:"ref_price"`
	Time        time.Time       `json:"time"`
	Tag         string          `json:"tag"`
	Note        string          `json:"note,omitempty"`
}

// Hold builds a no-op signal for t.
func Hold(t market.Tick) Signal {
	return Signal{Symbol: t.Symbol, Action: ActionHold, RefPrice: t.Price, Time: t.Time}
}

// Strategy turns ticks into signals. Implementations are deterministic for a
// given tick history and position and never touch the ledger.
type Strategy interface {
	// Name returns the human-readable name
	Name() string
	// Evaluate processes a new tick against the current position
	Evaluate(t market.Tick, pos ledger.Position) Signal
}
