package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/ledger"
	"tradebot/internal/risk"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/common"
)

// ErrUnknownOrder is returned for client order ids the manager never issued.
var ErrUnknownOrder = errors.New("unknown order")

// Ledger is the part of the portfolio ledger the manager writes to.
type Ledger interface {
	ApplyFill(ctx context.Context, f ledger.Fill, side common.Side) (ledger.Delta, error)
}

// Store persists orders. *db.Database satisfies it.
type Store interface {
	UpsertOrder(ctx context.Context, o db.OrderRow) error
	GetOrder(ctx context.Context, clientOrderID string) (*db.OrderRow, error)
	ListOrders(ctx context.Context, f db.OrderFilter) ([]db.OrderRow, error)
	FillsForOrder(ctx context.Context, clientOrderID string) ([]db.FillRow, error)
	MaxFillSeq(ctx context.Context, symbol string) (uint64, error)
}

// Auditor receives order_events rows; *persistence.BatchWriter satisfies it.
type Auditor interface {
	Write(query string, args ...any)
}

// Halter stops trading on an asset.
type Halter interface {
	Halt(ctx context.Context, h risk.Halt) error
}

// AppliedFill is handed to fill listeners after the ledger accepted a fill.
type AppliedFill struct {
	Order Order
	Fill  common.Fill
	Pair  config.Pair
	Delta ledger.Delta
}

type tracked struct {
	mu sync.Mutex
	o  Order
}

type lane struct {
	mu  sync.Mutex
	buf *reorderBuffer
}

// Manager owns the order lifecycle: submission with retries, fill
// application in exchange order, cancellation, expiry and reconciliation.
type Manager struct {
	gw     common.Gateway
	ledger Ledger
	store  Store
	policy config.OrderPolicy
	pairs  map[string]config.Pair
	log    *zap.Logger

	bus     *events.Bus
	halts   Halter
	audit   Auditor
	onFill  []func(AppliedFill)
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	newID   func() string
	metrics *Metrics

	mu     sync.Mutex
	orders map[string]*tracked
	seen   map[string]struct{}
	lanes  map[string]*lane
}

// NewManager wires an order manager to a gateway, the ledger and the store.
func NewManager(gw common.Gateway, led Ledger, store Store, policy config.OrderPolicy, pairs []config.Pair, log *zap.Logger) *Manager {
	pm := make(map[string]config.Pair, len(pairs))
	for _, p := range pairs {
		pm[p.Symbol] = p
	}
	return &Manager{
		gw:      gw,
		ledger:  led,
		store:   store,
		policy:  policy,
		pairs:   pm,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
		newID:   NewClientOrderID,
		metrics: &Metrics{},
		orders:  make(map[string]*tracked),
		seen:    make(map[string]struct{}),
		lanes:   make(map[string]*lane),
	}
}

// SetBus publishes order and fill events on bus.
func (m *Manager) SetBus(bus *events.Bus) { m.bus = bus }

// SetHalts sets the registry ambiguous states and ledger shortfalls are reported to.
func (m *Manager) SetHalts(h Halter) { m.halts = h }

// SetAuditor records every transition in order_events.
func (m *Manager) SetAuditor(a Auditor) { m.audit = a }

// OnFill registers a listener called, in fill order, after each applied fill.
func (m *Manager) OnFill(fn func(AppliedFill)) { m.onFill = append(m.onFill, fn) }

// Metrics returns the manager's counters.
func (m *Manager) Metrics() MetricsSnapshot { return m.metrics.Snapshot() }

// Submit creates the order and sends it to the exchange. Submitting a client
// order id that is already known returns the existing order unchanged.
func (m *Manager) Submit(ctx context.Context, req risk.OrderRequest) (Order, error) {
	pair, ok := m.pairs[req.Symbol]
	if !ok {
		return Order{}, fmt.Errorf("submit: unknown symbol %s", req.Symbol)
	}
	id := req.ClientOrderID
	if id == "" {
		id = m.newID()
	}

	m.mu.Lock()
	known, ok := m.orders[id]
	m.mu.Unlock()
	if ok {
		return known.snapshot(), nil
	}
	// The store lookup runs unlocked; the map is checked again before insert.
	row, err := m.store.GetOrder(ctx, id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return Order{}, fmt.Errorf("load order %s: %w", id, err)
	}

	now := m.now()
	m.mu.Lock()
	if known, ok := m.orders[id]; ok {
		m.mu.Unlock()
		return known.snapshot(), nil
	}
	if row != nil {
		t := &tracked{o: fromRow(*row)}
		m.orders[id] = t
		m.mu.Unlock()
		return t.snapshot(), nil
	}
	t := &tracked{o: Order{
		ClientOrderID: id,
		Symbol:        req.Symbol,
		Asset:         pair.Base,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        StatusPendingSubmit,
		StrategyTag:   req.Tag,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	if m.policy.FillTimeout > 0 {
		t.o.Deadline = now.Add(m.policy.FillTimeout)
	}
	m.orders[id] = t
	m.mu.Unlock()

	if err := m.store.UpsertOrder(ctx, toRow(t.o)); err != nil {
		m.mu.Lock()
		delete(m.orders, id)
		m.mu.Unlock()
		return Order{}, fmt.Errorf("persist order %s: %w", id, err)
	}
	m.recordTransition(t.o, "", StatusPendingSubmit, "")
	m.metrics.submitted.Add(1)

	return m.submitLoop(ctx, t)
}

func (m *Manager) submitLoop(ctx context.Context, t *tracked) (Order, error) {
	o := t.snapshot()
	req := common.SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Qty,
		Price:         o.LimitPrice,
	}
	if o.Type == common.OrderTypeLimit {
		req.TimeInForce = common.TIFGTC
	}

	var last attemptResult
	for attempt := 1; attempt <= m.policy.SubmitMaxAttempts; attempt++ {
		t.mu.Lock()
		t.o.Attempts = attempt
		t.mu.Unlock()

		last = m.attempt(ctx, req)
		switch last.kind {
		case attemptSuccess:
			return m.markSubmitted(ctx, t, last.ack)
		case attemptTerminal:
			return m.reject(ctx, t, last.err.Error(), last.err)
		case attemptAborted:
			// Left PENDING_SUBMIT; startup reconciliation resolves it.
			return t.snapshot(), last.err
		}
		m.metrics.retries.Add(1)
		m.log.Warn("submit attempt failed", zap.String("order_id", o.ClientOrderID), zap.Int("attempt", attempt), zap.Error(last.err))
		if attempt < m.policy.SubmitMaxAttempts {
			if err := m.sleep(ctx, backoff(m.policy, attempt)); err != nil {
				return t.snapshot(), err
			}
		}
	}

	// Out of attempts: the exchange may or may not have the order.
	var snap common.OrderSnapshot
	err := m.retry(ctx, func(c context.Context) error {
		var qerr error
		snap, qerr = m.gw.Query(c, o.Symbol, o.ClientOrderID)
		return qerr
	})
	switch {
	case errors.Is(err, common.ErrOrderNotFound):
		return m.reject(ctx, t, ReasonSubmissionFailed, last.err)
	case err != nil:
		return t.snapshot(), m.ambiguous(ctx, t, fmt.Sprintf("submission outcome unknown after %d attempts: %v", m.policy.SubmitMaxAttempts, err))
	}
	if _, err := m.markSubmitted(ctx, t, common.SubmitAck{ClientOrderID: o.ClientOrderID, ExchangeOrderID: snap.ExchangeOrderID, Status: snap.Status}); err != nil {
		return t.snapshot(), err
	}
	if err := m.adopt(ctx, t, snap); err != nil {
		return t.snapshot(), err
	}
	return t.snapshot(), nil
}

// attempt makes one submission call with the per-attempt timeout.
func (m *Manager) attempt(ctx context.Context, req common.SubmitRequest) attemptResult {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	ack, err := m.gw.Submit(callCtx, req)
	switch {
	case err == nil:
		return attemptResult{kind: attemptSuccess, ack: ack}
	case ctx.Err() != nil:
		return attemptResult{kind: attemptAborted, err: ctx.Err()}
	case errors.Is(err, common.ErrDuplicateOrder):
		// An earlier attempt reached the exchange; ask it what it has.
		snap, qerr := m.gw.Query(callCtx, req.Symbol, req.ClientOrderID)
		if qerr != nil {
			return attemptResult{kind: attemptTransient, err: fmt.Errorf("resolve duplicate: %w", qerr)}
		}
		return attemptResult{kind: attemptSuccess, ack: common.SubmitAck{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: snap.ExchangeOrderID,
			Status:          snap.Status,
		}}
	case common.IsRejected(err):
		return attemptResult{kind: attemptTerminal, err: err}
	default:
		// Timeouts, network errors and anything unclassified are retried.
		return attemptResult{kind: attemptTransient, err: err}
	}
}

func (m *Manager) markSubmitted(ctx context.Context, t *tracked, ack common.SubmitAck) (Order, error) {
	t.mu.Lock()
	if ack.ExchangeOrderID != "" {
		t.o.ExchangeOrderID = ack.ExchangeOrderID
	}
	from := t.o.Status
	if from == StatusPendingSubmit {
		t.o.Status = StatusSubmitted
	}
	t.o.UpdatedAt = m.now()
	o := t.o
	t.mu.Unlock()

	if err := m.store.UpsertOrder(ctx, toRow(o)); err != nil {
		return o, fmt.Errorf("persist order %s: %w", o.ClientOrderID, err)
	}
	if from != o.Status {
		m.recordTransition(o, from, o.Status, "")
	}
	m.log.Info("order submitted", zap.String("order_id", o.ClientOrderID), zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)), zap.String("qty", o.Qty.String()), zap.String("exchange_id", o.ExchangeOrderID))
	return o, nil
}

func (m *Manager) reject(ctx context.Context, t *tracked, reason string, cause error) (Order, error) {
	o, err := m.transition(ctx, t, StatusRejected, reason)
	if err != nil {
		return o, err
	}
	m.metrics.rejected.Add(1)
	return o, &RejectedOrderError{OrderID: o.ClientOrderID, Reason: reason, Err: cause}
}

// transition validates and persists a status change.
func (m *Manager) transition(ctx context.Context, t *tracked, to Status, reason string) (Order, error) {
	t.mu.Lock()
	from := t.o.Status
	if from == to {
		o := t.o
		t.mu.Unlock()
		return o, nil
	}
	if !CanTransition(from, to) {
		o := t.o
		t.mu.Unlock()
		return o, &IllegalTransitionError{OrderID: o.ClientOrderID, From: from, To: to}
	}
	t.o.Status = to
	if reason != "" {
		t.o.Reason = reason
	}
	if to.Terminal() {
		t.o.Deadline = time.Time{}
	}
	t.o.UpdatedAt = m.now()
	o := t.o
	t.mu.Unlock()

	if err := m.store.UpsertOrder(ctx, toRow(o)); err != nil {
		return o, fmt.Errorf("persist order %s: %w", o.ClientOrderID, err)
	}
	m.recordTransition(o, from, to, reason)
	return o, nil
}

func (m *Manager) recordTransition(o Order, from, to Status, reason string) {
	if m.audit != nil {
		m.audit.Write(db.OrderEventInsert, db.OrderEventArgs(db.OrderEvent{
			ClientOrderID: o.ClientOrderID,
			From:          string(from),
			To:            string(to),
			Reason:        reason,
			At:            o.UpdatedAt,
		})...)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventOrderUpdate, o)
	}
	m.log.Debug("order transition", zap.String("order_id", o.ClientOrderID), zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
}

// ambiguous halts the order's asset and returns the error describing why.
func (m *Manager) ambiguous(ctx context.Context, t *tracked, reason string) error {
	o := t.snapshot()
	err := &AmbiguousOrderStateError{
		OrderID:   o.ClientOrderID,
		Asset:     o.Asset,
		Reason:    reason,
		LastState: fmt.Sprintf("status=%s filled=%s/%s", o.Status, o.FilledQty, o.Qty),
	}
	m.metrics.ambiguous.Add(1)
	m.halt(ctx, risk.Halt{Asset: o.Asset, Kind: risk.HaltAmbiguousOrder, Reason: reason, OrderID: o.ClientOrderID, LastState: err.LastState})
	return err
}

func (m *Manager) halt(ctx context.Context, h risk.Halt) {
	if m.halts == nil {
		m.log.Error("asset needs halting but no halt registry is set", zap.String("asset", h.Asset), zap.String("reason", h.Reason))
		return
	}
	if err := m.halts.Halt(ctx, h); err != nil {
		m.log.Error("persist halt", zap.String("asset", h.Asset), zap.Error(err))
	}
}

// Get returns one order, loading it from the store if it is not in memory.
func (m *Manager) Get(ctx context.Context, id string) (Order, error) {
	t, err := m.tracked(ctx, id)
	if err != nil {
		return Order{}, err
	}
	return t.snapshot(), nil
}

// Orders returns the orders held in memory, newest first.
func (m *Manager) Orders() []Order {
	m.mu.Lock()
	out := make([]Order, 0, len(m.orders))
	for _, t := range m.orders {
		out = append(out, t.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// OpenOrders returns orders that are not terminal.
func (m *Manager) OpenOrders() []Order {
	var out []Order
	for _, o := range m.Orders() {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) tracked(ctx context.Context, id string) (*tracked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.orders[id]; ok {
		return t, nil
	}
	row, err := m.store.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnknownOrder
	}
	if err != nil {
		return nil, err
	}
	t := &tracked{o: fromRow(*row)}
	m.orders[id] = t
	return t, nil
}

func (t *tracked) snapshot() Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.o
}

func toRow(o Order) db.OrderRow {
	return db.OrderRow{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Asset:           o.Asset,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Qty:             o.Qty,
		LimitPrice:      o.LimitPrice,
		Status:          string(o.Status),
		Reason:          o.Reason,
		FilledQty:       o.FilledQty,
		AvgFillPrice:    o.AvgFillPrice,
		StrategyTag:     o.StrategyTag,
		Attempts:        o.Attempts,
		Deadline:        o.Deadline,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func fromRow(r db.OrderRow) Order {
	return Order{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		Symbol:          r.Symbol,
		Asset:           r.Asset,
		Side:            common.Side(r.Side),
		Type:            common.OrderType(r.Type),
		Qty:             r.Qty,
		LimitPrice:      r.LimitPrice,
		Status:          Status(r.Status),
		Reason:          r.Reason,
		FilledQty:       r.FilledQty,
		AvgFillPrice:    r.AvgFillPrice,
		StrategyTag:     r.StrategyTag,
		Attempts:        r.Attempts,
		Deadline:        r.Deadline,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
