// Package sim is a deterministic in-process exchange. Orders rest until the
// next tick for their symbol: market orders fill at that tick's price (plus
// fixed slippage), limit orders fill once the price crosses the limit.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"tradebot/internal/market"
	"tradebot/pkg/config"
	"tradebot/pkg/exchanges/common"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Config parameterizes the simulated exchange.
type Config struct {
	Pairs         []config.Pair
	InitialQuote  decimal.Decimal
	FeeRate       decimal.Decimal
	SlippageBps   decimal.Decimal
	Participation decimal.Decimal // share of tick volume one fill may take, 0 = unlimited
	FillBuffer    int
	// Seed adds starting balances, e.g. the holdings a restored ledger
	// expects the account to carry.
	Seed map[string]decimal.Decimal
}

type simOrder struct {
	req      common.SubmitRequest
	exchID   string
	status   common.OrderStatus
	executed decimal.Decimal
	reserved decimal.Decimal // quote for buys, base for sells
	fills    []common.Fill
}

// Gateway implements common.Gateway against simulated balances and ticks.
type Gateway struct {
	mu       sync.Mutex
	cfg      Config
	pairs    map[string]config.Pair
	orders   map[string]*simOrder
	open     []*simOrder // submission order
	seq      map[string]uint64
	nextID   uint64
	balances map[string]decimal.Decimal
	reserved map[string]decimal.Decimal
	last     map[string]market.Tick
	fills    chan common.Fill
}

// New creates a simulator funded with cfg.InitialQuote of each pair's quote asset.
func New(cfg Config) *Gateway {
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 4096
	}
	g := &Gateway{
		cfg:      cfg,
		pairs:    make(map[string]config.Pair, len(cfg.Pairs)),
		orders:   make(map[string]*simOrder),
		seq:      make(map[string]uint64),
		balances: make(map[string]decimal.Decimal),
		reserved: make(map[string]decimal.Decimal),
		last:     make(map[string]market.Tick),
		fills:    make(chan common.Fill, cfg.FillBuffer),
	}
	for _, p := range cfg.Pairs {
		g.pairs[p.Symbol] = p
		g.balances[p.Quote] = cfg.InitialQuote
	}
	for asset, qty := range cfg.Seed {
		g.balances[asset] = g.balances[asset].Add(qty)
	}
	return g
}

// Fills implements common.Gateway.
func (g *Gateway) Fills() <-chan common.Fill { return g.fills }

// Submit implements common.Gateway.
func (g *Gateway) Submit(ctx context.Context, req common.SubmitRequest) (common.SubmitAck, error) {
	if err := ctx.Err(); err != nil {
		return common.SubmitAck{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.orders[req.ClientOrderID]; ok {
		return common.SubmitAck{}, common.ErrDuplicateOrder
	}
	pair, ok := g.pairs[req.Symbol]
	if !ok {
		return common.SubmitAck{}, &common.RejectedError{Code: "INVALID_SYMBOL", Reason: "unknown symbol " + req.Symbol}
	}
	if !req.Qty.IsPositive() {
		return common.SubmitAck{}, &common.RejectedError{Code: "INVALID_QUANTITY", Reason: "quantity must be positive"}
	}
	if req.Type == common.OrderTypeLimit && !req.Price.IsPositive() {
		return common.SubmitAck{}, &common.RejectedError{Code: "INVALID_PRICE", Reason: "limit order requires a price"}
	}

	var reserve decimal.Decimal
	var asset string
	switch req.Side {
	case common.SideBuy:
		asset = pair.Quote
		ref := req.Price
		if req.Type == common.OrderTypeMarket {
			t, ok := g.last[req.Symbol]
			if !ok {
				return common.SubmitAck{}, &common.RejectedError{Code: "NO_MARKET", Reason: "no price for " + req.Symbol}
			}
			ref = g.slipped(common.SideBuy, t.Price)
		}
		reserve = req.Qty.Mul(ref)
		reserve = reserve.Add(reserve.Mul(g.cfg.FeeRate))
	case common.SideSell:
		asset = pair.Base
		reserve = req.Qty
	default:
		return common.SubmitAck{}, &common.RejectedError{Code: "INVALID_SIDE", Reason: string(req.Side)}
	}
	if g.free(asset).LessThan(reserve) {
		return common.SubmitAck{}, &common.RejectedError{Code: "INSUFFICIENT_BALANCE", Reason: fmt.Sprintf("need %s %s", reserve, asset)}
	}
	g.reserved[asset] = g.reserved[asset].Add(reserve)

	g.nextID++
	o := &simOrder{
		req:      req,
		exchID:   strconv.FormatUint(g.nextID, 10),
		status:   common.StatusNew,
		reserved: reserve,
	}
	g.orders[req.ClientOrderID] = o
	g.open = append(g.open, o)

	return common.SubmitAck{ClientOrderID: req.ClientOrderID, ExchangeOrderID: o.exchID, Status: o.status}, nil
}

// Cancel implements common.Gateway.
func (g *Gateway) Cancel(ctx context.Context, symbol, clientOrderID string) (common.CancelAck, error) {
	if err := ctx.Err(); err != nil {
		return common.CancelAck{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ack := common.CancelAck{ClientOrderID: clientOrderID}
	o, ok := g.orders[clientOrderID]
	if !ok || o.req.Symbol != symbol {
		ack.Outcome = common.CancelNotFound
		return ack, nil
	}
	if !o.status.Open() {
		ack.Outcome = common.CancelAlreadyTerminal
		return ack, nil
	}
	o.status = common.StatusCanceled
	g.release(o)
	g.removeOpen(o)
	ack.Outcome = common.CancelCanceled
	return ack, nil
}

// Query implements common.Gateway.
func (g *Gateway) Query(ctx context.Context, symbol, clientOrderID string) (common.OrderSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderSnapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[clientOrderID]
	if !ok || o.req.Symbol != symbol {
		return common.OrderSnapshot{}, common.ErrOrderNotFound
	}
	fills := make([]common.Fill, len(o.fills))
	copy(fills, o.fills)
	snap := common.OrderSnapshot{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: o.exchID,
		Symbol:          o.req.Symbol,
		Side:            o.req.Side,
		Type:            o.req.Type,
		Status:          o.status,
		OrigQty:         o.req.Qty,
		ExecutedQty:     o.executed,
		Fills:           fills,
	}
	if n := len(fills); n > 0 {
		snap.UpdatedAt = fills[n-1].Time
	}
	return snap, nil
}

// Holdings returns total balances per asset.
func (g *Gateway) Holdings(ctx context.Context) (map[string]decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(g.balances))
	for k, v := range g.balances {
		out[k] = v
	}
	return out, nil
}

// OnTick matches resting orders for the tick's symbol in submission order.
// Fills are published after the book lock is released, in sequence order.
func (g *Gateway) OnTick(t market.Tick) {
	g.mu.Lock()
	g.last[t.Symbol] = t
	var emitted []common.Fill
	budget := decimal.Zero
	capped := g.cfg.Participation.IsPositive() && t.Volume.IsPositive()
	if capped {
		budget = t.Volume.Mul(g.cfg.Participation)
	}

	for _, o := range append([]*simOrder(nil), g.open...) {
		if o.req.Symbol != t.Symbol {
			continue
		}
		price, ok := g.executionPrice(o, t.Price)
		if !ok {
			continue
		}
		qty := o.req.Qty.Sub(o.executed)
		if capped {
			if !budget.IsPositive() {
				break
			}
			qty = decimal.Min(qty, budget)
			budget = budget.Sub(qty)
		}
		emitted = append(emitted, g.execute(o, qty, price, t))
	}
	g.mu.Unlock()

	for _, f := range emitted {
		g.fills <- f
	}
}

func (g *Gateway) executionPrice(o *simOrder, last decimal.Decimal) (decimal.Decimal, bool) {
	if o.req.Type == common.OrderTypeMarket {
		return g.slipped(o.req.Side, last), true
	}
	switch o.req.Side {
	case common.SideBuy:
		return o.req.Price, last.LessThanOrEqual(o.req.Price)
	default:
		return o.req.Price, last.GreaterThanOrEqual(o.req.Price)
	}
}

func (g *Gateway) slipped(side common.Side, price decimal.Decimal) decimal.Decimal {
	if g.cfg.SlippageBps.IsZero() {
		return price
	}
	adj := price.Mul(g.cfg.SlippageBps).Div(bpsDivisor)
	if side == common.SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

// execute must be called with g.mu held.
func (g *Gateway) execute(o *simOrder, qty, price decimal.Decimal, t market.Tick) common.Fill {
	pair := g.pairs[o.req.Symbol]
	notional := qty.Mul(price)
	fee := notional.Mul(g.cfg.FeeRate)

	g.seq[o.req.Symbol]++
	seq := g.seq[o.req.Symbol]

	switch o.req.Side {
	case common.SideBuy:
		cost := notional.Add(fee)
		g.balances[pair.Quote] = g.balances[pair.Quote].Sub(cost)
		g.balances[pair.Base] = g.balances[pair.Base].Add(qty)
		used := decimal.Min(cost, o.reserved)
		o.reserved = o.reserved.Sub(used)
		g.reserved[pair.Quote] = g.reserved[pair.Quote].Sub(used)
	case common.SideSell:
		g.balances[pair.Base] = g.balances[pair.Base].Sub(qty)
		g.balances[pair.Quote] = g.balances[pair.Quote].Add(notional.Sub(fee))
		o.reserved = o.reserved.Sub(qty)
		g.reserved[pair.Base] = g.reserved[pair.Base].Sub(qty)
	}

	o.executed = o.executed.Add(qty)
	if o.executed.Equal(o.req.Qty) {
		o.status = common.StatusFilled
		g.release(o)
		g.removeOpen(o)
	} else {
		o.status = common.StatusPartial
	}

	f := common.Fill{
		FillID:          fmt.Sprintf("SIM-%s-%d", o.req.Symbol, seq),
		Seq:             seq,
		ClientOrderID:   o.req.ClientOrderID,
		ExchangeOrderID: o.exchID,
		Symbol:          o.req.Symbol,
		Side:            o.req.Side,
		Qty:             qty,
		Price:           price,
		Fee:             fee,
		FeeAsset:        pair.Quote,
		Time:            t.Time,
	}
	o.fills = append(o.fills, f)
	return f
}

func (g *Gateway) free(asset string) decimal.Decimal {
	return g.balances[asset].Sub(g.reserved[asset])
}

func (g *Gateway) release(o *simOrder) {
	if !o.reserved.IsPositive() {
		return
	}
	pair := g.pairs[o.req.Symbol]
	asset := pair.Quote
	if o.req.Side == common.SideSell {
		asset = pair.Base
	}
	g.reserved[asset] = g.reserved[asset].Sub(o.reserved)
	o.reserved = decimal.Zero
}

func (g *Gateway) removeOpen(o *simOrder) {
	for i, x := range g.open {
		if x == o {
			g.open = append(g.open[:i], g.open[i+1:]...)
			return
		}
	}
}
