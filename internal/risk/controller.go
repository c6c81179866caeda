package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebot/internal/ledger"
	"tradebot/internal/strategy"
	"tradebot/pkg/config"
	"tradebot/pkg/exchanges/common"
)

// HaltChecker reports assets on which trading is stopped.
type HaltChecker interface {
	IsHalted(asset string) bool
}

// Controller validates and sizes signals. It holds no mutable state of its
// own; limits are fixed at construction.
type Controller struct {
	limits config.RiskLimits
	pairs  map[string]config.Pair
	halts  HaltChecker
}

// NewController creates a risk controller. halts may be nil.
func NewController(limits config.RiskLimits, pairs []config.Pair, halts HaltChecker) *Controller {
	m := make(map[string]config.Pair, len(pairs))
	for _, p := range pairs {
		m[p.Symbol] = p
	}
	return &Controller{limits: limits, pairs: m, halts: halts}
}

// Limits returns the configured limits.
func (c *Controller) Limits() config.RiskLimits { return c.limits }

// Review turns a signal into an approved order request or a veto. Checks
// run in a fixed order and the first failing one decides the veto.
func (c *Controller) Review(sig strategy.Signal, pos ledger.Position, acct Account) Decision {
	if sig.Action != strategy.ActionBuy && sig.Action != strategy.ActionSell {
		return veto(VetoHold, "")
	}
	pair, ok := c.pairs[sig.Symbol]
	if !ok {
		return veto(VetoUnknownPair, sig.Symbol)
	}
	if c.halts != nil && c.halts.IsHalted(pair.Base) {
		return veto(VetoAssetHalted, pair.Base)
	}
	if !sig.RefPrice.IsPositive() {
		return veto(VetoNoReferencePrice, sig.Symbol)
	}

	held := pos.Quantity()
	qty := c.size(sig, held, acct)
	qty = RoundToStep(qty, pair.StepSize)
	if !qty.IsPositive() {
		return veto(VetoInvalidQuantity, "quantity rounds to zero at step "+pair.StepSize.String())
	}

	req := OrderRequest{
		Symbol:   sig.Symbol,
		Asset:    pair.Base,
		Type:     common.OrderTypeMarket,
		Quantity: qty,
		RefPrice: sig.RefPrice,
		Tag:      sig.Tag,
	}
	if sig.LimitPrice.IsPositive() {
		req.Type = common.OrderTypeLimit
		req.LimitPrice = sig.LimitPrice
	}
	notional := req.Notional()

	if sig.Action == strategy.ActionSell {
		req.Side = common.SideSell
		if qty.GreaterThan(held) {
			return veto(VetoInsufficientPosition, fmt.Sprintf("sell %s, held %s", qty, held))
		}
	} else {
		req.Side = common.SideBuy
		if notional.GreaterThan(acct.FreeQuote) {
			return veto(VetoInsufficientBalance, fmt.Sprintf("notional %s, free %s", notional, acct.FreeQuote))
		}
		limit := c.limits.MaxPosition(pair.Base)
		if held.Add(qty).GreaterThan(limit) {
			return veto(VetoPositionLimit, fmt.Sprintf("position %s + %s > %s", held, qty, limit))
		}
	}

	if notional.GreaterThan(c.limits.MaxOrderNotional) {
		return veto(VetoOrderNotional, fmt.Sprintf("notional %s > %s", notional, c.limits.MaxOrderNotional))
	}

	if req.Side == common.SideBuy {
		if !acct.Equity.IsPositive() {
			return veto(VetoAccountExposure, "no equity")
		}
		// Buying converts quote into holdings: exposure grows, equity does not.
		ratio := acct.Exposure.Add(notional).Div(acct.Equity)
		if ratio.GreaterThan(c.limits.MaxAccountExposureFraction) {
			return veto(VetoAccountExposure, fmt.Sprintf("exposure %s > %s", ratio.StringFixed(4), c.limits.MaxAccountExposureFraction))
		}
	}

	return Decision{Approved: true, Request: req}
}

// size converts the signal's sizing into a base quantity.
func (c *Controller) size(sig strategy.Signal, held decimal.Decimal, acct Account) decimal.Decimal {
	price := sig.RefPrice
	if sig.LimitPrice.IsPositive() {
		price = sig.LimitPrice
	}
	switch {
	case sig.Quantity.IsPositive():
		return sig.Quantity
	case sig.Action == strategy.ActionBuy && sig.QuoteAmount.IsPositive():
		return sig.QuoteAmount.Div(price)
	case sig.Fraction.IsPositive():
		if sig.Action == strategy.ActionSell {
			return held.Mul(sig.Fraction)
		}
		return acct.Equity.Mul(sig.Fraction).Div(price)
	}
	return decimal.Zero
}

// RoundToStep rounds qty down to a multiple of step. A non-positive step
// leaves qty unchanged.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func veto(reason VetoReason, detail string) Decision {
	return Decision{Veto: reason, Detail: detail}
}
