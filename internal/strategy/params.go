package strategy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Params are the free-form parameters of a YAML strategy entry.
type Params map[string]any

func (p Params) Decimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	d, err := decimal.NewFromString(fmt.Sprint(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parameter %s: %w", key, err)
	}
	return d, nil
}

func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	i, err := strconv.Atoi(fmt.Sprint(v))
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return i, nil
}

func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	d, err := time.ParseDuration(fmt.Sprint(v))
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return d, nil
}

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

// sizing is how a strategy sizes and shapes its buy orders.
type sizing struct {
	quantity    decimal.Decimal
	fraction    decimal.Decimal
	investQuote decimal.Decimal
	limitOffset decimal.Decimal // > 0 places limit orders this far from the tick price
}

func parseSizing(p Params) (sizing, error) {
	var (
		s   sizing
		err error
	)
	if s.quantity, err = p.Decimal("quantity", decimal.Zero); err != nil {
		return s, err
	}
	if s.fraction, err = p.Decimal("fraction", decimal.Zero); err != nil {
		return s, err
	}
	if s.investQuote, err = p.Decimal("invest_quote", decimal.Zero); err != nil {
		return s, err
	}
	if s.limitOffset, err = p.Decimal("limit_offset", decimal.Zero); err != nil {
		return s, err
	}
	if !s.quantity.IsPositive() && !s.fraction.IsPositive() && !s.investQuote.IsPositive() {
		return s, fmt.Errorf("one of quantity, fraction or invest_quote must be positive")
	}
	return s, nil
}

var one = decimal.NewFromInt(1)

func (s sizing) buy(sig Signal) Signal {
	sig.Action = ActionBuy
	switch {
	case s.quantity.IsPositive():
		sig.Quantity = s.quantity
	case s.investQuote.IsPositive():
		sig.QuoteAmount = s.investQuote
	default:
		sig.Fraction = s.fraction
	}
	if s.limitOffset.IsPositive() {
		sig.LimitPrice = sig.RefPrice.Mul(one.Sub(s.limitOffset))
	}
	return sig
}

// sellAll closes the whole position.
func (s sizing) sellAll(sig Signal, held decimal.Decimal) Signal {
	sig.Action = ActionSell
	sig.Quantity = held
	if s.limitOffset.IsPositive() {
		sig.LimitPrice = sig.RefPrice.Mul(one.Add(s.limitOffset))
	}
	return sig
}
