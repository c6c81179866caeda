package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
)

func series(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		values []decimal.Decimal
		period int
		want   string
	}{
		{"last three", series(1, 2, 3, 4, 5), 3, "4"},
		{"whole series", series(2, 4), 2, "3"},
		{"not enough data", series(1), 3, "0"},
		{"zero period", series(1, 2), 0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SMA(tt.values, tt.period)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("SMA=%s, expected %s", got, tt.want)
			}
		})
	}
}

func TestRSI(t *testing.T) {
	if got := RSI(series(1, 2, 3, 4), 3); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("monotonic rise RSI=%s, expected 100", got)
	}
	// gains 2, losses 2 -> RS 1 -> RSI 50
	if got := RSI(series(10, 12, 10), 2); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("RSI=%s, expected 50", got)
	}
}

func TestBollinger(t *testing.T) {
	b := Bollinger(series(2, 4, 4, 4, 5, 5, 7, 9), 8, decimal.NewFromInt(2))
	// mean 5, population stddev 2
	if !b.Middle.Equal(decimal.NewFromInt(5)) || !b.Upper.Equal(decimal.NewFromInt(9)) || !b.Lower.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected bands %+v", b)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(2)
	for _, v := range series(1, 2, 3) {
		w.Push(v)
	}
	if !w.Full() || !w.Values()[0].Equal(decimal.NewFromInt(2)) {
		t.Fatalf("window=%v", w.Values())
	}
}
