package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/common"
)

// Cancel asks the exchange to cancel an order and then re-queries it; the
// final status is whatever the exchange confirms.
func (m *Manager) Cancel(ctx context.Context, id string) (Order, error) {
	t, err := m.tracked(ctx, id)
	if err != nil {
		return Order{}, err
	}
	o := t.snapshot()
	if o.Status.Terminal() {
		return o, nil
	}

	var ack common.CancelAck
	cerr := m.retry(ctx, func(c context.Context) error {
		var err error
		ack, err = m.gw.Cancel(c, o.Symbol, id)
		return err
	})
	if cerr != nil {
		m.log.Warn("cancel call failed, re-querying", zap.String("order_id", id), zap.Error(cerr))
	}

	snap, err := m.query(ctx, o)
	if err != nil {
		return t.snapshot(), m.ambiguous(ctx, t, fmt.Sprintf("cancel (%s): re-query failed: %v", ack.Outcome, err))
	}
	if snap.Status.Open() {
		if err := m.applySnapshotFills(ctx, snap); err != nil {
			return t.snapshot(), err
		}
		return t.snapshot(), m.ambiguous(ctx, t, "exchange still reports the order open after cancel")
	}
	if err := m.adopt(ctx, t, snap); err != nil {
		return t.snapshot(), err
	}
	m.metrics.canceled.Add(1)
	return t.snapshot(), nil
}

// ExpireOverdue marks submitted orders past their deadline EXPIRED and
// reconciles every EXPIRED order against the exchange.
func (m *Manager) ExpireOverdue(ctx context.Context) {
	now := m.now()
	for _, t := range m.trackedAll() {
		o := t.snapshot()
		if (o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled) && !o.Deadline.IsZero() && now.After(o.Deadline) {
			if _, err := m.transition(ctx, t, StatusExpired, "fill_timeout"); err != nil {
				m.log.Error("expire order", zap.String("order_id", o.ClientOrderID), zap.Error(err))
				continue
			}
			m.metrics.expired.Add(1)
			m.log.Warn("order expired", zap.String("order_id", o.ClientOrderID), zap.String("filled", o.FilledQty.String()), zap.String("qty", o.Qty.String()))
		}
	}
	for _, t := range m.trackedAll() {
		o := t.snapshot()
		if o.Status != StatusExpired {
			continue
		}
		if err := m.Reconcile(ctx, o.ClientOrderID); err != nil {
			m.log.Error("reconcile expired order", zap.String("order_id", o.ClientOrderID), zap.Error(err))
		}
	}
}

// Reconcile brings one order in line with the exchange: missing fills are
// applied exactly once, an EXPIRED order still working is canceled, and the
// exchange's final status is adopted.
func (m *Manager) Reconcile(ctx context.Context, id string) error {
	t, err := m.tracked(ctx, id)
	if err != nil {
		return err
	}
	o := t.snapshot()
	if o.Status.Terminal() {
		return nil
	}

	snap, err := m.query(ctx, o)
	if errors.Is(err, common.ErrOrderNotFound) {
		return m.resolveUnknown(ctx, t)
	}
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", id, err)
	}
	if err := m.adopt(ctx, t, snap); err != nil {
		return err
	}

	if t.snapshot().Status != StatusExpired || !snap.Status.Open() {
		return nil
	}
	if err := m.retry(ctx, func(c context.Context) error {
		_, err := m.gw.Cancel(c, o.Symbol, id)
		return err
	}); err != nil {
		m.log.Warn("cancel remainder failed, re-querying", zap.String("order_id", id), zap.Error(err))
	}
	snap, err = m.query(ctx, o)
	if err != nil {
		return m.ambiguous(ctx, t, fmt.Sprintf("expired order: re-query after cancel failed: %v", err))
	}
	if snap.Status.Open() {
		return m.ambiguous(ctx, t, "expired order still open after cancel")
	}
	return m.adopt(ctx, t, snap)
}

// resolveUnknown handles an order the exchange says it never saw.
func (m *Manager) resolveUnknown(ctx context.Context, t *tracked) error {
	o := t.snapshot()
	if o.FilledQty.IsPositive() {
		return m.ambiguous(ctx, t, "exchange does not know an order with fills")
	}
	switch o.Status {
	case StatusPendingSubmit:
		_, err := m.reject(ctx, t, ReasonSubmissionFailed, nil)
		var rej *RejectedOrderError
		if errors.As(err, &rej) {
			return nil
		}
		return err
	case StatusExpired:
		_, err := m.transition(ctx, t, StatusCanceled, "unknown_to_exchange")
		return err
	}
	return m.ambiguous(ctx, t, "exchange does not know a submitted order")
}

// adopt applies the snapshot's missing fills and then its status.
func (m *Manager) adopt(ctx context.Context, t *tracked, snap common.OrderSnapshot) error {
	if err := m.applySnapshotFills(ctx, snap); err != nil {
		return err
	}
	o := t.snapshot()
	if snap.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		t.mu.Lock()
		t.o.ExchangeOrderID = snap.ExchangeOrderID
		t.mu.Unlock()
	}

	switch snap.Status {
	case common.StatusFilled:
		if !o.IsFullyFilled() {
			return m.ambiguous(ctx, t, fmt.Sprintf("exchange reports FILLED but fills sum to %s of %s", o.FilledQty, o.Qty))
		}
		if o.Status.Terminal() {
			return nil
		}
		_, err := m.transition(ctx, t, StatusFilled, "")
		return err
	case common.StatusCanceled, common.StatusExpired, common.StatusRejected:
		if o.Status.Terminal() {
			return nil
		}
		to := StatusCanceled
		if snap.Status == common.StatusRejected && o.FilledQty.IsZero() {
			to = StatusRejected
		}
		_, err := m.transition(ctx, t, to, "exchange: "+string(snap.Status))
		return err
	case common.StatusNew, common.StatusPartial:
		if o.Status == StatusPendingSubmit {
			_, err := m.transition(ctx, t, StatusSubmitted, "")
			return err
		}
		return nil
	}
	return m.ambiguous(ctx, t, "unknown exchange status "+string(snap.Status))
}

func (m *Manager) query(ctx context.Context, o Order) (common.OrderSnapshot, error) {
	var snap common.OrderSnapshot
	err := m.retry(ctx, func(c context.Context) error {
		var err error
		snap, err = m.gw.Query(c, o.Symbol, o.ClientOrderID)
		return err
	})
	return snap, err
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Checked int       `json:"checked"`
	Failed  []string  `json:"failed,omitempty"`
	At      time.Time `json:"at"`
}

// ReconcileOpen reconciles every non-terminal order, typically at startup.
func (m *Manager) ReconcileOpen(ctx context.Context) ReconcileReport {
	rep := ReconcileReport{At: m.now()}
	for _, t := range m.trackedAll() {
		o := t.snapshot()
		if o.Status.Terminal() {
			continue
		}
		rep.Checked++
		if err := m.Reconcile(ctx, o.ClientOrderID); err != nil {
			rep.Failed = append(rep.Failed, o.ClientOrderID)
			m.log.Error("startup reconcile", zap.String("order_id", o.ClientOrderID), zap.Error(err))
		}
	}
	if m.bus != nil {
		m.bus.Publish(events.EventReconciliation, rep)
	}
	return rep
}

// Restore loads non-terminal orders from the store, recomputing their fill
// progress from the recorded fills, and resumes each pair's sequence.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := m.store.ListOrders(ctx, db.OrderFilter{Statuses: []string{
		string(StatusPendingSubmit), string(StatusSubmitted), string(StatusPartiallyFilled), string(StatusExpired),
	}})
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	for _, r := range rows {
		o := fromRow(r)
		fills, err := m.store.FillsForOrder(ctx, o.ClientOrderID)
		if err != nil {
			return fmt.Errorf("restore fills of %s: %w", o.ClientOrderID, err)
		}
		o.FilledQty, o.AvgFillPrice = decimal.Zero, decimal.Zero
		m.mu.Lock()
		for _, f := range fills {
			o.addFill(f.Qty, f.Price)
			m.seen[f.FillID] = struct{}{}
		}
		m.orders[o.ClientOrderID] = &tracked{o: o}
		m.mu.Unlock()
	}

	for sym := range m.pairs {
		last, err := m.store.MaxFillSeq(ctx, sym)
		if err != nil {
			return fmt.Errorf("restore sequence of %s: %w", sym, err)
		}
		ln := m.lane(sym)
		ln.mu.Lock()
		ln.buf.last = last
		ln.mu.Unlock()
	}
	m.log.Info("orders restored", zap.Int("open", len(rows)))
	return nil
}

// Run consumes the gateway's fill stream and drives the expiry watchdog
// until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	go m.watchdog(ctx)

	flushEvery := m.policy.ReorderWindow / 2
	if flushEvery < 10*time.Millisecond {
		flushEvery = 10 * time.Millisecond
	}
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()

	fills := m.gw.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				m.log.Warn("fill stream closed")
				return
			}
			m.HandleFill(ctx, f)
		case <-flush.C:
			m.FlushExpired(ctx)
		}
	}
}

func (m *Manager) watchdog(ctx context.Context) {
	every := m.policy.WatchdogInterval
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireOverdue(ctx)
		}
	}
}

func (m *Manager) trackedAll() []*tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tracked, 0, len(m.orders))
	for _, t := range m.orders {
		out = append(out, t)
	}
	return out
}

func sortBySeq(fills []common.Fill) {
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Seq < fills[j].Seq })
}
