package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradebot/internal/ledger"
	"tradebot/internal/market"
	"tradebot/internal/risk"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/common"
	"tradebot/pkg/exchanges/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btc = config.Pair{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", StepSize: decimal.New(1, -8)}

func testPolicy() config.OrderPolicy {
	return config.OrderPolicy{
		SubmitMaxAttempts: 3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		SubmitTimeout:     time.Second,
		FillTimeout:       time.Minute,
		ReorderWindow:     50 * time.Millisecond,
		WatchdogInterval:  time.Second,
	}
}

type submitStep struct {
	err  error
	land bool // the order reaches the book even though err is returned
}

type fakeOrder struct {
	req    common.SubmitRequest
	status common.OrderStatus
	filled decimal.Decimal
	fills  []common.Fill
}

// fakeGateway is a scripted exchange.
type fakeGateway struct {
	mu              sync.Mutex
	orders          map[string]*fakeOrder
	script          []submitStep
	onLand          func(g *fakeGateway, id string)
	queryErr        error
	cancelKeepsOpen bool
	submits         int
	seq             uint64
	fills           chan common.Fill
}

func newFakeGateway(script ...submitStep) *fakeGateway {
	return &fakeGateway{orders: make(map[string]*fakeOrder), script: script, fills: make(chan common.Fill, 16)}
}

func (g *fakeGateway) Submit(_ context.Context, req common.SubmitRequest) (common.SubmitAck, error) {
	g.mu.Lock()
	g.submits++
	step := submitStep{land: true}
	if len(g.script) > 0 {
		step = g.script[0]
		g.script = g.script[1:]
	}
	_, exists := g.orders[req.ClientOrderID]
	if exists && step.err == nil {
		g.mu.Unlock()
		return common.SubmitAck{}, common.ErrDuplicateOrder
	}
	landed := false
	if step.land && !exists {
		g.orders[req.ClientOrderID] = &fakeOrder{req: req, status: common.StatusNew}
		landed = true
	}
	hook := g.onLand
	g.mu.Unlock()

	if landed && hook != nil {
		hook(g, req.ClientOrderID)
	}
	if step.err != nil {
		return common.SubmitAck{}, step.err
	}
	return common.SubmitAck{ClientOrderID: req.ClientOrderID, ExchangeOrderID: "X-" + req.ClientOrderID, Status: common.StatusNew}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, symbol, id string) (common.CancelAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return common.CancelAck{ClientOrderID: id, Outcome: common.CancelNotFound}, nil
	}
	if !o.status.Open() {
		return common.CancelAck{ClientOrderID: id, Outcome: common.CancelAlreadyTerminal}, nil
	}
	if !g.cancelKeepsOpen {
		o.status = common.StatusCanceled
	}
	return common.CancelAck{ClientOrderID: id, Outcome: common.CancelCanceled}, nil
}

func (g *fakeGateway) Query(_ context.Context, symbol, id string) (common.OrderSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return common.OrderSnapshot{}, g.queryErr
	}
	o, ok := g.orders[id]
	if !ok {
		return common.OrderSnapshot{}, common.ErrOrderNotFound
	}
	return common.OrderSnapshot{
		ClientOrderID:   id,
		ExchangeOrderID: "X-" + id,
		Symbol:          o.req.Symbol,
		Side:            o.req.Side,
		Type:            o.req.Type,
		Status:          o.status,
		OrigQty:         o.req.Qty,
		ExecutedQty:     o.filled,
		Fills:           append([]common.Fill(nil), o.fills...),
	}, nil
}

func (g *fakeGateway) Fills() <-chan common.Fill { return g.fills }

// execute records a fill on the exchange side without delivering it.
func (g *fakeGateway) execute(id, qty, price string) common.Fill {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := g.orders[id]
	g.seq++
	f := common.Fill{
		FillID:        fmt.Sprintf("T-%d", g.seq),
		Seq:           g.seq,
		ClientOrderID: id,
		Symbol:        o.req.Symbol,
		Side:          o.req.Side,
		Qty:           d(qty),
		Price:         d(price),
		FeeAsset:      "USDT",
		Time:          time.Unix(1700000000+int64(g.seq), 0).UTC(),
	}
	o.fills = append(o.fills, f)
	o.filled = o.filled.Add(f.Qty)
	if o.filled.Equal(o.req.Qty) {
		o.status = common.StatusFilled
	} else {
		o.status = common.StatusPartial
	}
	return f
}

type harness struct {
	m     *Manager
	db    *db.Database
	led   *ledger.Ledger
	halts *risk.Halts
	clock time.Time
}

func newHarness(t *testing.T, gw common.Gateway) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return attach(database, gw)
}

func attach(database *db.Database, gw common.Gateway) *harness {
	h := &harness{db: database, led: ledger.New(database), clock: time.Unix(1700000000, 0).UTC()}
	h.halts = risk.NewHalts(database, nil, zap.NewNop())
	h.m = NewManager(gw, h.led, database, testPolicy(), []config.Pair{btc}, zap.NewNop())
	h.m.SetHalts(h.halts)
	h.m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.m.now = func() time.Time { return h.clock }
	return h
}

func buy(id, qty string) risk.OrderRequest {
	return risk.OrderRequest{ClientOrderID: id, Symbol: "BTCUSDT", Asset: "BTC", Side: common.SideBuy, Type: common.OrderTypeMarket, Quantity: d(qty), RefPrice: d("100")}
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	o, err := h.m.Submit(ctx, buy("c1", "1"))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, o.Status)
	require.Equal(t, "X-c1", o.ExchangeOrderID)

	again, err := h.m.Submit(ctx, buy("c1", "1"))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, again.Status)
	require.Equal(t, 1, gw.submits)

	row, err := h.db.GetOrder(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, string(StatusSubmitted), row.Status)
	require.False(t, row.Deadline.IsZero())
}

func TestSubmitAdoptsStoredOrderAndSerializesDuplicates(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "1"))
	require.NoError(t, err)

	// A fresh manager on the same store knows c1 only from its row.
	restarted := attach(h.db, gw)
	o, err := restarted.m.Submit(ctx, buy("c1", "1"))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, o.Status)
	require.Equal(t, "X-c1", o.ExchangeOrderID)
	require.Equal(t, 1, gw.submits)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := restarted.m.Submit(ctx, buy("c2", "1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	gw.mu.Lock()
	submits := gw.submits
	gw.mu.Unlock()
	require.Equal(t, 2, submits)
	require.Len(t, restarted.m.OpenOrders(), 2)
}

func TestPartialFillsAccumulate(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "10"))
	require.NoError(t, err)

	h.m.HandleFill(ctx, gw.execute("c1", "2", "100"))
	o, _ := h.m.Get(ctx, "c1")
	require.Equal(t, StatusPartiallyFilled, o.Status)

	h.m.HandleFill(ctx, gw.execute("c1", "3", "110"))
	h.m.HandleFill(ctx, gw.execute("c1", "5", "120"))

	o, err = h.m.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusFilled, o.Status)
	require.True(t, o.FilledQty.Equal(d("10")))
	require.True(t, o.AvgFillPrice.Equal(d("113")), o.AvgFillPrice.String())
	require.True(t, o.Deadline.IsZero())
	require.True(t, h.led.Position("BTC").Quantity().Equal(d("10")))
	require.Equal(t, uint64(3), h.m.Metrics().FillsApplied)
}

func TestTransientFailuresEndInSubmissionFailed(t *testing.T) {
	ctx := context.Background()
	transient := &common.TransientError{Op: "submit", Err: errors.New("connection reset")}
	gw := newFakeGateway(submitStep{err: transient}, submitStep{err: transient}, submitStep{err: transient})
	h := newHarness(t, gw)

	o, err := h.m.Submit(ctx, buy("c1", "1"))
	var rej *RejectedOrderError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonSubmissionFailed, rej.Reason)
	require.Equal(t, StatusRejected, o.Status)
	require.Equal(t, 3, gw.submits)
	require.Equal(t, uint64(3), h.m.Metrics().Retries)
	require.False(t, h.halts.IsHalted("BTC"))
}

func TestTerminalRejectionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(submitStep{err: &common.RejectedError{Code: "-2010", Reason: "insufficient balance"}})
	h := newHarness(t, gw)

	o, err := h.m.Submit(ctx, buy("c1", "1"))
	require.Error(t, err)
	require.Equal(t, StatusRejected, o.Status)
	require.Equal(t, 1, gw.submits)
}

func TestTimedOutSubmitAdoptsExchangeFillsOnce(t *testing.T) {
	ctx := context.Background()
	timeout := &common.TransientError{Op: "submit", Err: context.DeadlineExceeded}
	gw := newFakeGateway(submitStep{err: timeout, land: true}, submitStep{err: timeout}, submitStep{err: timeout})
	var streamed common.Fill
	gw.onLand = func(g *fakeGateway, id string) { streamed = g.execute(id, "1", "100") }
	h := newHarness(t, gw)

	o, err := h.m.Submit(ctx, buy("c1", "1"))
	require.NoError(t, err)
	require.Equal(t, StatusFilled, o.Status)

	// The same execution arrives late on the stream.
	h.m.HandleFill(ctx, streamed)
	require.True(t, h.led.Position("BTC").Quantity().Equal(d("1")))
	require.Equal(t, uint64(1), h.m.Metrics().FillsDuplicate)
}

func TestQueryFailureAfterRetriesHalts(t *testing.T) {
	ctx := context.Background()
	transient := &common.TransientError{Op: "submit", Err: errors.New("503")}
	gw := newFakeGateway(submitStep{err: transient}, submitStep{err: transient}, submitStep{err: transient})
	gw.queryErr = &common.TransientError{Op: "query", Err: errors.New("503")}
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "1"))
	var amb *AmbiguousOrderStateError
	require.ErrorAs(t, err, &amb)
	require.True(t, h.halts.IsHalted("BTC"))
}

func TestCancelRaceKeepsLateFill(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "2"))
	require.NoError(t, err)
	late := gw.execute("c1", "1", "100")

	o, err := h.m.Cancel(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, o.Status)
	require.True(t, o.FilledQty.Equal(d("1")))

	h.m.HandleFill(ctx, late)
	require.True(t, h.led.Position("BTC").Quantity().Equal(d("1")))
}

func TestCancelLeftOpenHalts(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.cancelKeepsOpen = true
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "1"))
	require.NoError(t, err)

	_, err = h.m.Cancel(ctx, "c1")
	var amb *AmbiguousOrderStateError
	require.ErrorAs(t, err, &amb)
	require.True(t, h.halts.IsHalted("BTC"))
}

func TestFillForUnknownOrderHalts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeGateway())

	h.m.HandleFill(ctx, common.Fill{FillID: "T-1", Seq: 1, ClientOrderID: "ghost", Symbol: "BTCUSDT", Side: common.SideBuy, Qty: d("1"), Price: d("100")})
	require.True(t, h.halts.IsHalted("BTC"))
	require.True(t, h.led.Position("BTC").Quantity().IsZero())
}

func sell(id, qty string) risk.OrderRequest {
	req := buy(id, qty)
	req.Side = common.SideSell
	return req
}

func TestSellFillWithoutLotsHaltsAndLeavesOrder(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, sell("s1", "1"))
	require.NoError(t, err)

	f := gw.execute("s1", "1", "100")
	h.m.HandleFill(ctx, f)

	require.True(t, h.halts.IsHalted("BTC"))
	active := h.halts.Active()
	require.Len(t, active, 1)
	require.Equal(t, risk.HaltInsufficientLots, active[0].Kind)
	require.Equal(t, "s1", active[0].OrderID)

	o, err := h.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, o.Status)
	require.True(t, o.FilledQty.IsZero())
	require.True(t, h.led.Position("BTC").Quantity().IsZero())
	require.Empty(t, h.led.Realized("BTC", time.Time{}, time.Time{}))

	h.m.mu.Lock()
	_, seen := h.m.seen[f.FillID]
	h.m.mu.Unlock()
	require.False(t, seen, "a fill the ledger refused must stay retryable")
	require.Equal(t, uint64(0), h.m.Metrics().FillsApplied)

	fills, err := h.db.FillsForOrder(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, fills)
}

func TestOutOfOrderFillsAreSequenced(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "3"))
	require.NoError(t, err)
	first := gw.execute("c1", "1", "100")
	second := gw.execute("c1", "2", "101")

	h.m.HandleFill(ctx, second)
	o, _ := h.m.Get(ctx, "c1")
	require.True(t, o.FilledQty.IsZero(), "fill after a gap must wait")

	h.m.HandleFill(ctx, first)
	o, _ = h.m.Get(ctx, "c1")
	require.Equal(t, StatusFilled, o.Status)
	require.Zero(t, h.m.Metrics().GapsSkipped)
}

func TestGapIsSkippedAfterWindow(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "3"))
	require.NoError(t, err)
	_ = gw.execute("c1", "1", "100") // never streamed
	second := gw.execute("c1", "2", "101")

	h.m.HandleFill(ctx, second)
	h.m.FlushExpired(ctx)
	o, _ := h.m.Get(ctx, "c1")
	require.True(t, o.FilledQty.IsZero())

	h.clock = h.clock.Add(100 * time.Millisecond)
	h.m.FlushExpired(ctx)
	o, _ = h.m.Get(ctx, "c1")
	require.True(t, o.FilledQty.Equal(d("2")))
	require.Equal(t, uint64(1), h.m.Metrics().GapsSkipped)

	// Reconciliation recovers the skipped fill.
	require.NoError(t, h.m.Reconcile(ctx, "c1"))
	o, _ = h.m.Get(ctx, "c1")
	require.Equal(t, StatusFilled, o.Status)
}

func TestExpiredOrderIsReconciledAndCanceled(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "2"))
	require.NoError(t, err)
	_ = gw.execute("c1", "1", "100")

	h.clock = h.clock.Add(2 * time.Minute)
	h.m.ExpireOverdue(ctx)

	o, err := h.m.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, o.Status)
	require.True(t, o.FilledQty.Equal(d("1")))
	require.Equal(t, uint64(1), h.m.Metrics().Expired)
	require.True(t, h.led.Position("BTC").Quantity().Equal(d("1")))
}

func TestRestoreResumesOpenOrders(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	h := newHarness(t, gw)

	_, err := h.m.Submit(ctx, buy("c1", "2"))
	require.NoError(t, err)
	f := gw.execute("c1", "1", "100")
	h.m.HandleFill(ctx, f)

	restarted := attach(h.db, gw)
	require.NoError(t, restarted.led.Restore(ctx))
	require.NoError(t, restarted.m.Restore(ctx))

	o, err := restarted.m.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyFilled, o.Status)
	require.True(t, o.FilledQty.Equal(d("1")))

	restarted.m.HandleFill(ctx, f)
	require.Equal(t, uint64(1), restarted.m.Metrics().FillsDuplicate)
	require.True(t, restarted.led.Position("BTC").Quantity().Equal(d("1")))

	rep := restarted.m.ReconcileOpen(ctx)
	require.Equal(t, 1, rep.Checked)
	require.Empty(t, rep.Failed)
}

func TestUnknownPendingOrderIsRejectedOnReconcile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeGateway())
	now := h.clock
	require.NoError(t, h.db.UpsertOrder(ctx, db.OrderRow{
		ClientOrderID: "lost", Symbol: "BTCUSDT", Asset: "BTC", Side: "BUY", Type: "MARKET",
		Qty: d("1"), Status: string(StatusPendingSubmit), CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, h.m.Restore(ctx))
	require.NoError(t, h.m.Reconcile(ctx, "lost"))

	o, _ := h.m.Get(ctx, "lost")
	require.Equal(t, StatusRejected, o.Status)
	require.Equal(t, ReasonSubmissionFailed, o.Reason)
}

func TestSimulatedFillsMatchHoldings(t *testing.T) {
	ctx := context.Background()
	g := sim.New(sim.Config{Pairs: []config.Pair{btc}, InitialQuote: d("10000"), FeeRate: d("0.001"), Participation: d("0.5")})
	h := newHarness(t, g)

	tick := func(price, vol string, sec int64) {
		g.OnTick(market.Tick{Symbol: "BTCUSDT", Price: d(price), Volume: d(vol), Time: time.Unix(sec, 0).UTC()})
		for {
			select {
			case f := <-g.Fills():
				h.m.HandleFill(ctx, f)
			default:
				return
			}
		}
	}
	tick("100", "0", 1)
	_, err := h.m.Submit(ctx, buy("c1", "4"))
	require.NoError(t, err)
	tick("101", "2", 2)
	tick("102", "10", 3)

	o, err := h.m.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusFilled, o.Status)

	held, err := g.Holdings(ctx)
	require.NoError(t, err)
	require.True(t, held["BTC"].Equal(h.led.Position("BTC").Quantity()))
}

func TestTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StatusExpired, StatusFilled))
	require.False(t, CanTransition(StatusFilled, StatusCanceled))
	require.False(t, CanTransition(StatusPartiallyFilled, StatusRejected))
	require.False(t, StatusExpired.Terminal())
}

func TestBackoffIsCapped(t *testing.T) {
	p := testPolicy()
	require.Equal(t, time.Millisecond, backoff(p, 1))
	require.Equal(t, 2*time.Millisecond, backoff(p, 2))
	require.Equal(t, 4*time.Millisecond, backoff(p, 5))
}
