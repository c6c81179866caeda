// Package spot is the live Binance spot adapter behind common.Gateway.
package spot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/pkg/exchanges/common"
)

// Gateway implements common.Gateway against Binance spot. Fills arrive on the
// user data stream; Query rebuilds them from the account trade list.
type Gateway struct {
	client *Client
	stream *UserStream
	fills  chan common.Fill
	log    *zap.Logger
}

var _ common.Gateway = (*Gateway)(nil)

func NewGateway(cfg Config, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		client: NewClient(cfg, log),
		fills:  make(chan common.Fill, 1024),
		log:    log,
	}
	g.stream = NewUserStream(g.client, cfg, g.fills, log)
	return g
}

// Client returns the underlying REST client.
func (g *Gateway) Client() *Client { return g.client }

// Start syncs the clock and runs the user data stream until ctx is done.
func (g *Gateway) Start(ctx context.Context) {
	g.client.TimeSync().Start(ctx)
	go g.stream.Run(ctx)
}

// Fills implements common.Gateway.
func (g *Gateway) Fills() <-chan common.Fill { return g.fills }

// Submit implements common.Gateway.
func (g *Gateway) Submit(ctx context.Context, req common.SubmitRequest) (common.SubmitAck, error) {
	resp, err := g.client.NewOrder(ctx, req)
	if err != nil {
		return common.SubmitAck{}, classifySubmit(err)
	}
	return common.SubmitAck{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
	}, nil
}

// Cancel implements common.Gateway.
func (g *Gateway) Cancel(ctx context.Context, symbol, clientOrderID string) (common.CancelAck, error) {
	ack := common.CancelAck{ClientOrderID: clientOrderID}
	_, err := g.client.CancelOrder(ctx, symbol, clientOrderID)
	var apiErr *APIError
	switch {
	case err == nil:
		ack.Outcome = common.CancelCanceled
		return ack, nil
	case errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder:
		// Binance answers -2011 both for unknown and already closed orders.
		if _, qerr := g.client.GetOrder(ctx, symbol, clientOrderID); qerr == nil {
			ack.Outcome = common.CancelAlreadyTerminal
			return ack, nil
		}
		ack.Outcome = common.CancelNotFound
		return ack, nil
	}
	return ack, err
}

// Query implements common.Gateway.
func (g *Gateway) Query(ctx context.Context, symbol, clientOrderID string) (common.OrderSnapshot, error) {
	resp, err := g.client.GetOrder(ctx, symbol, clientOrderID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoSuchOrder {
		return common.OrderSnapshot{}, common.ErrOrderNotFound
	}
	if err != nil {
		return common.OrderSnapshot{}, err
	}

	snap := common.OrderSnapshot{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:          resp.Symbol,
		Side:            common.Side(resp.Side),
		Type:            common.OrderType(resp.Type),
		Status:          mapStatus(resp.Status),
		OrigQty:         parseDecimal(resp.OrigQty),
		ExecutedQty:     parseDecimal(resp.ExecutedQty),
		UpdatedAt:       time.UnixMilli(resp.UpdateTime),
	}
	if !snap.ExecutedQty.IsPositive() {
		return snap, nil
	}
	trades, err := g.client.OrderTrades(ctx, symbol, resp.OrderID)
	if err != nil {
		return common.OrderSnapshot{}, fmt.Errorf("order trades: %w", err)
	}
	for _, t := range trades {
		snap.Fills = append(snap.Fills, common.Fill{
			FillID:          fillID(t.Symbol, t.ID),
			Seq:             uint64(t.ID),
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: snap.ExchangeOrderID,
			Symbol:          t.Symbol,
			Side:            snap.Side,
			Qty:             parseDecimal(t.Qty),
			Price:           parseDecimal(t.Price),
			Fee:             parseDecimal(t.Commission),
			FeeAsset:        t.CommissionAsset,
			Time:            time.UnixMilli(t.Time),
		})
	}
	return snap, nil
}

// Holdings returns free plus locked balance per asset.
func (g *Gateway) Holdings(ctx context.Context) (map[string]decimal.Decimal, error) {
	balances, err := g.client.Account(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		total := parseDecimal(b.Free).Add(parseDecimal(b.Locked))
		if total.IsPositive() {
			out[b.Asset] = total
		}
	}
	return out, nil
}

func classifySubmit(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || common.IsTransient(err) {
		return err
	}
	if strings.Contains(strings.ToLower(apiErr.Msg), "duplicate order") {
		return common.ErrDuplicateOrder
	}
	return &common.RejectedError{Code: strconv.Itoa(apiErr.Code), Reason: apiErr.Msg}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// fillID is stable across the stream and the trade list.
func fillID(symbol string, tradeID int64) string {
	return symbol + "-" + strconv.FormatInt(tradeID, 10)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
