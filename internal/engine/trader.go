package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/ledger"
	"tradebot/internal/market"
	"tradebot/internal/monitor"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
	"tradebot/pkg/cache"
	"tradebot/pkg/config"
	"tradebot/pkg/exchanges/common"
)

// TickObserver sees every tick before the strategy does. The simulator is
// registered as one so its book moves in step with the decision loop.
type TickObserver interface {
	OnTick(t market.Tick)
}

// Positions is the read side of the ledger the loop needs.
type Positions interface {
	Position(asset string) ledger.Position
}

// Balances reports the quote balance.
type Balances interface {
	Quote() decimal.Decimal
}

// Orders submits approved requests and lists working orders.
type Orders interface {
	Submit(ctx context.Context, req risk.OrderRequest) (order.Order, error)
	OpenOrders() []order.Order
}

// TraderConfig wires a Trader.
type TraderConfig struct {
	Pairs      []config.Pair
	Strategies *strategy.Engine
	Risk       *risk.Controller
	Ledger     Positions
	Balances   Balances
	Orders     Orders
	Queue      *order.Queue
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Log        *zap.Logger
}

// Trader runs one decision goroutine per pair: observers, strategy, risk,
// then the order queue. A pair with a working or queued order produces no
// new orders until that one settles.
type Trader struct {
	pairs      map[string]config.Pair
	symbols    []string
	strategies *strategy.Engine
	risk       *risk.Controller
	ledger     Positions
	balances   Balances
	orders     Orders
	queue      *order.Queue
	bus        *events.Bus
	metrics    *monitor.SystemMetrics
	log        *zap.Logger
	observers  []TickObserver

	prices *cache.PriceCache

	mu       sync.RWMutex
	inflight map[string]bool
}

func NewTrader(cfg TraderConfig) *Trader {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	t := &Trader{
		pairs:      make(map[string]config.Pair, len(cfg.Pairs)),
		strategies: cfg.Strategies,
		risk:       cfg.Risk,
		ledger:     cfg.Ledger,
		balances:   cfg.Balances,
		orders:     cfg.Orders,
		queue:      cfg.Queue,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		prices:     cache.NewPriceCache(),
		inflight:   make(map[string]bool),
	}
	for _, p := range cfg.Pairs {
		t.pairs[p.Symbol] = p
		t.symbols = append(t.symbols, p.Symbol)
	}
	return t
}

// AddObserver registers an observer. Call before Run.
func (t *Trader) AddObserver(o TickObserver) { t.observers = append(t.observers, o) }

// Run consumes src until it ends or ctx is done. Ticks for unconfigured
// pairs are dropped.
func (t *Trader) Run(ctx context.Context, src market.Source) error {
	ticks, err := src.Stream(ctx)
	if err != nil {
		return err
	}

	lanes := make(map[string]chan market.Tick, len(t.symbols))
	var wg sync.WaitGroup
	for _, sym := range t.symbols {
		ch := make(chan market.Tick, 64)
		lanes[sym] = ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tick := range ch {
				t.HandleTick(ctx, tick)
			}
		}()
	}
	defer func() {
		for _, ch := range lanes {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			ch, known := lanes[tick.Symbol]
			if !known {
				continue
			}
			select {
			case ch <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// HandleTick runs one decision for tick on the caller's goroutine.
func (t *Trader) HandleTick(ctx context.Context, tick market.Tick) {
	pair, ok := t.pairs[tick.Symbol]
	if !ok {
		return
	}
	for _, o := range t.observers {
		o.OnTick(tick)
	}
	t.prices.Set(tick.Symbol, tick.Price, tick.Time)
	t.metrics.TickSeen()
	if t.bus != nil {
		t.bus.Publish(events.EventPriceTick, tick)
	}

	// The strategy sees every tick so its state depends only on the tick
	// history, never on how long an order takes to settle.
	start := time.Now()
	pos := t.ledger.Position(pair.Base)
	sig, ok := t.strategies.Evaluate(tick, pos)
	if !ok || sig.Action == strategy.ActionHold {
		return
	}
	t.metrics.SignalSeen()
	if t.bus != nil {
		t.bus.Publish(events.EventSignal, sig)
	}
	if t.busy(tick.Symbol) {
		t.log.Debug("signal dropped, order in flight", zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)))
		return
	}

	decision := t.risk.Review(sig, pos, t.Account())
	t.metrics.Decision.Since(start)
	if !decision.Approved {
		if decision.Veto != risk.VetoHold {
			t.metrics.Vetoed(string(decision.Veto))
			t.log.Info("signal vetoed", zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)),
				zap.String("reason", string(decision.Veto)), zap.String("detail", decision.Detail))
			if t.bus != nil {
				t.bus.Publish(events.EventRiskVeto, decision)
			}
		}
		return
	}

	t.setInflight(tick.Symbol, true)
	if err := t.queue.Enqueue(ctx, decision.Request); err != nil {
		t.setInflight(tick.Symbol, false)
		t.log.Warn("order not queued", zap.String("symbol", tick.Symbol), zap.Error(err))
	}
}

// SubmitQueued is the queue worker: it submits one approved request.
func (t *Trader) SubmitQueued(ctx context.Context, req risk.OrderRequest) {
	defer t.setInflight(req.Symbol, false)

	start := time.Now()
	o, err := t.orders.Submit(ctx, req)
	t.metrics.Submit.Since(start)
	t.metrics.OrderSubmitted()

	var rejected *order.RejectedOrderError
	var ambiguous *order.AmbiguousOrderStateError
	switch {
	case err == nil:
		t.log.Info("order placed", zap.String("order_id", o.ClientOrderID), zap.String("symbol", o.Symbol),
			zap.String("side", string(o.Side)), zap.String("status", string(o.Status)))
	case errors.As(err, &rejected):
		t.log.Warn("order rejected", zap.String("order_id", rejected.OrderID), zap.String("reason", rejected.Reason))
	case errors.As(err, &ambiguous):
		t.metrics.SubmitFailed()
		t.log.Error("order state ambiguous, asset halted", zap.String("order_id", ambiguous.OrderID), zap.String("asset", ambiguous.Asset), zap.String("reason", ambiguous.Reason))
	default:
		t.metrics.SubmitFailed()
		t.log.Error("submit failed", zap.String("symbol", req.Symbol), zap.Error(err))
	}
}

// Account marks holdings at the last seen prices. Quote committed to
// working buy orders is not free.
func (t *Trader) Account() risk.Account {
	quote := t.balances.Quote()
	exposure := decimal.Zero
	for sym, p := range t.pairs {
		last, ok := t.prices.Get(sym)
		if !ok {
			continue
		}
		exposure = exposure.Add(t.ledger.Position(p.Base).Quantity().Mul(last.Value))
	}

	free := quote
	for _, o := range t.orders.OpenOrders() {
		if o.Side != common.SideBuy {
			continue
		}
		price := o.LimitPrice
		if o.Type == common.OrderTypeMarket || !price.IsPositive() {
			last, _ := t.prices.Get(o.Symbol)
			price = last.Value
		}
		free = free.Sub(o.RemainingQty().Mul(price))
	}
	return risk.Account{FreeQuote: free, Equity: quote.Add(exposure), Exposure: exposure}
}

// LastPrices returns the last seen price per base asset.
func (t *Trader) LastPrices() map[string]decimal.Decimal {
	all := t.prices.All()
	out := make(map[string]decimal.Decimal, len(all))
	for sym, p := range all {
		out[t.pairs[sym].Base] = p.Value
	}
	return out
}

func (t *Trader) busy(symbol string) bool {
	t.mu.RLock()
	queued := t.inflight[symbol]
	t.mu.RUnlock()
	if queued {
		return true
	}
	for _, o := range t.orders.OpenOrders() {
		if o.Symbol == symbol {
			return true
		}
	}
	return false
}

func (t *Trader) setInflight(symbol string, v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v {
		t.inflight[symbol] = true
		return
	}
	delete(t.inflight, symbol)
}
