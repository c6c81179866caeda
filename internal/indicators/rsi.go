package indicators

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// RSI computes a basic Relative Strength Index with smoothing disabled for simplicity.
func RSI(values []decimal.Decimal, period int) decimal.Decimal {
	if period <= 0 || len(values) < period+1 {
		return decimal.Zero
	}

	gain := decimal.Zero
	loss := decimal.Zero
	for i := len(values) - period; i < len(values); i++ {
		change := values[i].Sub(values[i-1])
		if change.IsPositive() {
			gain = gain.Add(change)
		} else {
			loss = loss.Sub(change)
		}
	}

	if loss.IsZero() {
		return hundred
	}
	rs := gain.Div(loss)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}
