package indicators

import (
	"math"

	"github.com/shopspring/decimal"
)

// Bands are Bollinger bands over a window.
type Bands struct {
	Lower  decimal.Decimal
	Middle decimal.Decimal
	Upper  decimal.Decimal
}

// Bollinger computes bands of k population standard deviations around the
// SMA of the last period values. The square root is taken in float64; bands
// only gate signals and never price an order.
func Bollinger(values []decimal.Decimal, period int, k decimal.Decimal) Bands {
	if period <= 0 || len(values) < period {
		return Bands{}
	}
	window := values[len(values)-period:]
	mid := SMA(window, period)

	variance := decimal.Zero
	for _, v := range window {
		diff := v.Sub(mid)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(decimal.NewFromInt(int64(period)))
	std := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))

	return Bands{
		Lower:  mid.Sub(k.Mul(std)),
		Middle: mid,
		Upper:  mid.Add(k.Mul(std)),
	}
}
