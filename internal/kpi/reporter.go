package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/ledger"
)

// Ledger is the read side of the portfolio ledger.
type Ledger interface {
	Realized(asset string, from, to time.Time) []ledger.RealizedEntry
	Positions() []ledger.Position
}

// Prices returns the latest known price per asset.
type Prices interface {
	LastPrices() map[string]decimal.Decimal
}

// Store persists snapshots; *db.Database satisfies it. LatestKPISnapshot
// returns db.ErrNotFound when nothing was recorded.
type Store interface {
	InsertKPISnapshot(ctx context.Context, takenAt time.Time, payload []byte) error
	LatestKPISnapshot(ctx context.Context) (time.Time, []byte, error)
}

// Reporter computes snapshots on demand and stores one every interval.
type Reporter struct {
	ledger   Ledger
	prices   Prices
	store    Store
	bus      *events.Bus
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewReporter(l Ledger, prices Prices, store Store, bus *events.Bus, interval time.Duration, log *zap.Logger) *Reporter {
	return &Reporter{ledger: l, prices: prices, store: store, bus: bus, interval: interval, log: log, now: time.Now}
}

// Current computes a snapshot from the ledger as it is now.
func (r *Reporter) Current() Snapshot {
	var prices map[string]decimal.Decimal
	if r.prices != nil {
		prices = r.prices.LastPrices()
	}
	return Compute(r.ledger.Realized("", time.Time{}, time.Time{}), r.ledger.Positions(), prices, r.now())
}

// Record computes and stores a snapshot.
func (r *Reporter) Record(ctx context.Context) (Snapshot, error) {
	s := r.Current()
	payload, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("encode kpi snapshot: %w", err)
	}
	if err := r.store.InsertKPISnapshot(ctx, s.TakenAt, payload); err != nil {
		return s, err
	}
	if r.bus != nil {
		r.bus.Publish(events.EventKPISnapshot, s)
	}
	return s, nil
}

// Latest returns the most recently stored snapshot.
func (r *Reporter) Latest(ctx context.Context) (Snapshot, error) {
	_, payload, err := r.store.LatestKPISnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode kpi snapshot: %w", err)
	}
	return s, nil
}

// Start records a snapshot every interval until ctx is done.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Record(ctx); err != nil {
					r.log.Error("record kpi snapshot", zap.Error(err))
				}
			}
		}
	}()
}
