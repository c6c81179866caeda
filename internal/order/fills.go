package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/ledger"
	"tradebot/internal/risk"
	"tradebot/pkg/exchanges/common"
)

func (m *Manager) lane(symbol string) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	ln, ok := m.lanes[symbol]
	if !ok {
		ln = &lane{buf: newReorderBuffer(m.policy.ReorderWindow, 0)}
		m.lanes[symbol] = ln
	}
	return ln
}

// HandleFill accepts a fill from the exchange stream. Fills of one pair are
// applied in sequence order through the reorder buffer.
func (m *Manager) HandleFill(ctx context.Context, f common.Fill) {
	ln := m.lane(f.Symbol)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if f.Seq <= ln.buf.last && ln.buf.last > 0 {
		m.metrics.lateFills.Add(1)
	}
	for _, ready := range ln.buf.Push(f, m.now()) {
		m.applyLogged(ctx, ready)
	}
}

// FlushExpired releases buffered fills whose hold window has passed.
func (m *Manager) FlushExpired(ctx context.Context) {
	m.mu.Lock()
	lanes := make([]*lane, 0, len(m.lanes))
	for _, ln := range m.lanes {
		lanes = append(lanes, ln)
	}
	m.mu.Unlock()

	for _, ln := range lanes {
		ln.mu.Lock()
		prev := ln.buf.last
		for _, ready := range ln.buf.Expire(m.now()) {
			if ready.Seq > prev+1 {
				m.metrics.gapsSkipped.Add(1)
			}
			if ready.Seq > prev {
				prev = ready.Seq
			}
			m.applyLogged(ctx, ready)
		}
		ln.mu.Unlock()
	}
}

func (m *Manager) applyLogged(ctx context.Context, f common.Fill) {
	if err := m.applyFill(ctx, f); err != nil {
		m.log.Error("fill not applied", zap.String("fill_id", f.FillID), zap.String("order_id", f.ClientOrderID), zap.Error(err))
	}
}

// applyFill applies one fill exactly once. The caller holds the pair's lane.
func (m *Manager) applyFill(ctx context.Context, f common.Fill) error {
	m.mu.Lock()
	_, dup := m.seen[f.FillID]
	m.mu.Unlock()
	if dup {
		m.duplicate(f)
		return nil
	}

	t, err := m.tracked(ctx, f.ClientOrderID)
	if err != nil {
		asset := f.Symbol
		if p, ok := m.pairs[f.Symbol]; ok {
			asset = p.Base
		}
		if errors.Is(err, ErrUnknownOrder) {
			amb := &AmbiguousOrderStateError{OrderID: f.ClientOrderID, Asset: asset, Reason: "fill " + f.FillID + " for unknown order"}
			m.metrics.ambiguous.Add(1)
			m.halt(ctx, risk.Halt{Asset: asset, Kind: risk.HaltAmbiguousOrder, Reason: amb.Reason, OrderID: f.ClientOrderID})
			return amb
		}
		return err
	}

	o := t.snapshot()
	if o.FilledQty.Add(f.Qty).GreaterThan(o.Qty) {
		return m.ambiguous(ctx, t, fmt.Sprintf("fill %s of %s would exceed requested %s (filled %s)", f.FillID, f.Qty, o.Qty, o.FilledQty))
	}

	delta, err := m.ledger.ApplyFill(ctx, ledger.Fill{
		FillID:          f.FillID,
		Seq:             f.Seq,
		OrderID:         o.ClientOrderID,
		ExchangeOrderID: f.ExchangeOrderID,
		Symbol:          f.Symbol,
		Asset:           o.Asset,
		Quantity:        f.Qty,
		Price:           f.Price,
		Fee:             f.Fee,
		FeeAsset:        f.FeeAsset,
		Time:            f.Time,
	}, o.Side)
	var short *ledger.InsufficientLotsError
	switch {
	case errors.Is(err, ledger.ErrDuplicateFill):
		m.markSeen(f.FillID)
		m.duplicate(f)
		return nil
	case errors.As(err, &short):
		m.halt(ctx, risk.Halt{
			Asset:     o.Asset,
			Kind:      risk.HaltInsufficientLots,
			Reason:    short.Error(),
			OrderID:   o.ClientOrderID,
			LastState: "held " + short.Held.String(),
		})
		return err
	case err != nil:
		return err
	}
	m.markSeen(f.FillID)
	m.metrics.fillsApplied.Add(1)

	t.mu.Lock()
	from := t.o.Status
	t.o.addFill(f.Qty, f.Price)
	if f.ExchangeOrderID != "" && t.o.ExchangeOrderID == "" {
		t.o.ExchangeOrderID = f.ExchangeOrderID
	}
	switch {
	case t.o.IsFullyFilled() && CanTransition(from, StatusFilled):
		t.o.Status = StatusFilled
	case from == StatusPendingSubmit || from == StatusSubmitted:
		t.o.Status = StatusPartiallyFilled
	}
	if t.o.Status.Terminal() {
		t.o.Deadline = time.Time{}
	}
	t.o.UpdatedAt = m.now()
	updated := t.o
	t.mu.Unlock()

	if err := m.store.UpsertOrder(ctx, toRow(updated)); err != nil {
		// The fill row is already committed; Restore recomputes progress from it.
		m.log.Error("persist order after fill", zap.String("order_id", updated.ClientOrderID), zap.Error(err))
	}
	if from != updated.Status {
		m.recordTransition(updated, from, updated.Status, "fill "+f.FillID)
	} else if m.bus != nil {
		m.bus.Publish(events.EventOrderUpdate, updated)
	}
	if from.Terminal() {
		m.log.Warn("fill on terminal order kept in ledger", zap.String("order_id", updated.ClientOrderID), zap.String("status", string(from)), zap.String("fill_id", f.FillID))
	}

	applied := AppliedFill{Order: updated, Fill: f, Pair: m.pairs[f.Symbol], Delta: delta}
	if m.bus != nil {
		m.bus.Publish(events.EventFillApplied, applied)
		m.bus.Publish(events.EventPositionChange, delta.Position)
	}
	for _, fn := range m.onFill {
		fn(applied)
	}
	return nil
}

func (m *Manager) markSeen(id string) {
	m.mu.Lock()
	m.seen[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) duplicate(f common.Fill) {
	m.metrics.fillsDuplicate.Add(1)
	m.log.Debug("duplicate fill ignored", zap.String("fill_id", f.FillID))
	if m.bus != nil {
		m.bus.Publish(events.EventFillDuplicate, f)
	}
}

// applySnapshotFills applies the fills of an exchange snapshot that the
// manager has not seen, in sequence order, under the pair's lane.
func (m *Manager) applySnapshotFills(ctx context.Context, snap common.OrderSnapshot) error {
	ln := m.lane(snap.Symbol)
	ln.mu.Lock()
	defer ln.mu.Unlock()
	fills := append([]common.Fill(nil), snap.Fills...)
	sortBySeq(fills)
	for _, f := range fills {
		if f.ClientOrderID == "" {
			f.ClientOrderID = snap.ClientOrderID
		}
		if err := m.applyFill(ctx, f); err != nil {
			return err
		}
		if f.Seq > ln.buf.last {
			ln.buf.last = f.Seq
		}
	}
	return nil
}
