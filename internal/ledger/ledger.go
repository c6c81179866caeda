package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/common"
)

// ErrDuplicateFill is returned when a fill id was already applied.
var ErrDuplicateFill = db.ErrDuplicateFill

// Store persists ledger deltas. *db.Database satisfies it.
type Store interface {
	CommitFill(ctx context.Context, f db.FillRow, lots []db.LotRow, realized []db.RealizedRow) error
	LoadLots(ctx context.Context) ([]db.LotRow, error)
	LoadRealized(ctx context.Context) ([]db.RealizedRow, error)
}

// lane is the single-writer region for one asset.
type lane struct {
	mu       sync.Mutex
	lots     []Lot
	realized []RealizedEntry
	applied  map[string]struct{}
}

// Ledger keeps FIFO lot queues per asset.
type Ledger struct {
	mu    sync.RWMutex
	lanes map[string]*lane
	store Store
	now   func() time.Time
}

// New creates a ledger. A nil store keeps state in memory only.
func New(store Store) *Ledger {
	return &Ledger{
		lanes: make(map[string]*lane),
		store: store,
		now:   time.Now,
	}
}

func (l *Ledger) lane(asset string) *lane {
	l.mu.RLock()
	ln, ok := l.lanes[asset]
	l.mu.RUnlock()
	if ok {
		return ln
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok = l.lanes[asset]; ok {
		return ln
	}
	ln = &lane{applied: make(map[string]struct{})}
	l.lanes[asset] = ln
	return ln
}

// ApplyFill applies one fill to the asset's lot queue. Buys append a lot;
// sells consume lots from the front, splitting the last one touched. The
// change is persisted before it becomes visible; on any error nothing changes.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill, side common.Side) (Delta, error) {
	if f.Asset == "" || f.FillID == "" {
		return Delta{}, errors.New("ledger: fill requires asset and fill id")
	}
	if !f.Quantity.IsPositive() || f.Price.IsNegative() {
		return Delta{}, fmt.Errorf("ledger: invalid fill %s qty=%s price=%s", f.FillID, f.Quantity, f.Price)
	}

	ln := l.lane(f.Asset)
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if _, dup := ln.applied[f.FillID]; dup {
		return Delta{}, ErrDuplicateFill
	}

	delta := Delta{Asset: f.Asset, Side: side, FillID: f.FillID}
	var next []Lot

	switch side {
	case common.SideBuy:
		lot := Lot{
			Asset:         f.Asset,
			Quantity:      f.Quantity,
			UnitCost:      f.Price,
			AcquiredAt:    f.Time,
			SourceOrderID: f.OrderID,
		}
		next = make([]Lot, len(ln.lots), len(ln.lots)+1)
		copy(next, ln.lots)
		next = append(next, lot)
		delta.Added = &lot
	case common.SideSell:
		var err error
		next, delta.Realized, err = consume(ln.lots, f)
		if err != nil {
			return Delta{}, err
		}
	default:
		return Delta{}, fmt.Errorf("ledger: unknown side %q", side)
	}

	if l.store != nil {
		if err := l.store.CommitFill(ctx, fillRow(f, side, l.now()), lotRows(next), realizedRows(delta.Realized)); err != nil {
			if errors.Is(err, db.ErrDuplicateFill) {
				ln.applied[f.FillID] = struct{}{}
				return Delta{}, ErrDuplicateFill
			}
			return Delta{}, fmt.Errorf("ledger: persist fill %s: %w", f.FillID, err)
		}
	}

	ln.lots = next
	ln.realized = append(ln.realized, delta.Realized...)
	ln.applied[f.FillID] = struct{}{}
	delta.Position = Position{Asset: f.Asset, Lots: cloneLots(next)}
	return delta, nil
}

// consume matches a sell against lots oldest first without mutating them.
func consume(lots []Lot, f Fill) ([]Lot, []RealizedEntry, error) {
	held := decimal.Zero
	for _, lot := range lots {
		held = held.Add(lot.Quantity)
	}
	if held.LessThan(f.Quantity) {
		return nil, nil, &InsufficientLotsError{Asset: f.Asset, FillID: f.FillID, Requested: f.Quantity, Held: held}
	}

	next := cloneLots(lots)
	remaining := f.Quantity
	feeLeft := f.Fee
	var realized []RealizedEntry

	for remaining.IsPositive() {
		front := &next[0]
		take := decimal.Min(front.Quantity, remaining)
		remaining = remaining.Sub(take)

		fee := feeLeft
		if remaining.IsPositive() {
			fee = f.Fee.Mul(take).Div(f.Quantity)
			feeLeft = feeLeft.Sub(fee)
		}
		realized = append(realized, RealizedEntry{
			Asset:       f.Asset,
			Quantity:    take,
			CostBasis:   take.Mul(front.UnitCost),
			Proceeds:    take.Mul(f.Price),
			Fee:         fee,
			RealizedAt:  f.Time,
			SellOrderID: f.OrderID,
			FillID:      f.FillID,
			LotOrderID:  front.SourceOrderID,
		})

		if take.Equal(front.Quantity) {
			next = next[1:]
		} else {
			front.Quantity = front.Quantity.Sub(take)
		}
	}
	return next, realized, nil
}

// Restore loads lots and realized entries from the store, replacing memory.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	lots, err := l.store.LoadLots(ctx)
	if err != nil {
		return err
	}
	realized, err := l.store.LoadRealized(ctx)
	if err != nil {
		return err
	}

	lanes := make(map[string]*lane)
	get := func(asset string) *lane {
		ln, ok := lanes[asset]
		if !ok {
			ln = &lane{applied: make(map[string]struct{})}
			lanes[asset] = ln
		}
		return ln
	}
	for _, r := range lots {
		ln := get(r.Asset)
		ln.lots = append(ln.lots, Lot{
			Asset:         r.Asset,
			Quantity:      r.Qty,
			UnitCost:      r.UnitCost,
			AcquiredAt:    r.AcquiredAt,
			SourceOrderID: r.SourceOrderID,
		})
	}
	for _, r := range realized {
		ln := get(r.Asset)
		ln.realized = append(ln.realized, RealizedEntry{
			Asset:       r.Asset,
			Quantity:    r.Qty,
			CostBasis:   r.CostBasis,
			Proceeds:    r.Proceeds,
			Fee:         r.Fee,
			RealizedAt:  r.RealizedAt,
			SellOrderID: r.SellOrderID,
			FillID:      r.FillID,
			LotOrderID:  r.LotOrderID,
		})
	}

	l.mu.Lock()
	l.lanes = lanes
	l.mu.Unlock()
	return nil
}

// Position returns a snapshot of one asset.
func (l *Ledger) Position(asset string) Position {
	ln := l.lane(asset)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return Position{Asset: asset, Lots: cloneLots(ln.lots)}
}

// Positions returns snapshots of every asset the ledger has seen, sorted by asset.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0)
	for _, asset := range l.assets() {
		out = append(out, l.Position(asset))
	}
	return out
}

// Holdings returns held quantity per asset.
func (l *Ledger) Holdings() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range l.Positions() {
		out[p.Asset] = p.Quantity()
	}
	return out
}

// Realized returns entries realized within [from, to). An empty asset means
// all assets; zero times leave the range open.
func (l *Ledger) Realized(asset string, from, to time.Time) []RealizedEntry {
	assets := []string{asset}
	if asset == "" {
		assets = l.assets()
	}
	var out []RealizedEntry
	for _, a := range assets {
		ln := l.lane(a)
		ln.mu.Lock()
		for _, e := range ln.realized {
			if !from.IsZero() && e.RealizedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !e.RealizedAt.Before(to) {
				continue
			}
			out = append(out, e)
		}
		ln.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RealizedAt.Before(out[j].RealizedAt) })
	return out
}

// Unrealized returns the open P&L of asset at the reference price.
func (l *Ledger) Unrealized(asset string, price decimal.Decimal) decimal.Decimal {
	return l.Position(asset).Unrealized(price)
}

func (l *Ledger) assets() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.lanes))
	for a := range l.lanes {
		out = append(out, a)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

func cloneLots(lots []Lot) []Lot {
	out := make([]Lot, len(lots))
	copy(out, lots)
	return out
}

func fillRow(f Fill, side common.Side, appliedAt time.Time) db.FillRow {
	return db.FillRow{
		FillID:          f.FillID,
		Seq:             f.Seq,
		ClientOrderID:   f.OrderID,
		ExchangeOrderID: f.ExchangeOrderID,
		Symbol:          f.Symbol,
		Asset:           f.Asset,
		Side:            string(side),
		Qty:             f.Quantity,
		Price:           f.Price,
		Fee:             f.Fee,
		FeeAsset:        f.FeeAsset,
		FilledAt:        f.Time,
		AppliedAt:       appliedAt,
	}
}

func lotRows(lots []Lot) []db.LotRow {
	out := make([]db.LotRow, len(lots))
	for i, l := range lots {
		out[i] = db.LotRow{
			Asset:         l.Asset,
			Position:      i,
			Qty:           l.Quantity,
			UnitCost:      l.UnitCost,
			AcquiredAt:    l.AcquiredAt,
			SourceOrderID: l.SourceOrderID,
		}
	}
	return out
}

func realizedRows(entries []RealizedEntry) []db.RealizedRow {
	out := make([]db.RealizedRow, len(entries))
	for i, e := range entries {
		out[i] = db.RealizedRow{
			Asset:       e.Asset,
			Qty:         e.Quantity,
			CostBasis:   e.CostBasis,
			Proceeds:    e.Proceeds,
			Fee:         e.Fee,
			RealizedAt:  e.RealizedAt,
			SellOrderID: e.SellOrderID,
			FillID:      e.FillID,
			LotOrderID:  e.LotOrderID,
		}
	}
	return out
}
