package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one market observation for a pair.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Volume decimal.Decimal
	Time   time.Time
}

// Source produces ticks. Each Stream call starts a fresh sequence, so a
// consumer restarts a dropped feed by calling Stream again. The channel is
// closed when the sequence ends or ctx is done.
type Source interface {
	Stream(ctx context.Context) (<-chan Tick, error)
}
