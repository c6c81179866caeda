package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradebot/pkg/exchanges/common"
)

// CreateListenKey creates a new user data stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if c.cfg.APIKey == "" {
		return "", errors.New("binance: API key required")
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &resp); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if err := c.do(ctx, http.MethodPut, "/api/v3/userDataStream", params, false, nil); err != nil {
		return fmt.Errorf("keep alive listen key: %w", err)
	}
	return nil
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if err := c.do(ctx, http.MethodDelete, "/api/v3/userDataStream", params, false, nil); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

// UserStream turns executionReport events into fills. It reconnects with a
// fresh listen key whenever the socket drops; fills missed while
// disconnected are recovered by the order manager's reconcile path.
type UserStream struct {
	client     *Client
	streamHost string
	fills      chan<- common.Fill
	keepAlive  time.Duration
	log        *zap.Logger
}

func NewUserStream(client *Client, cfg Config, fills chan<- common.Fill, log *zap.Logger) *UserStream {
	host := "wss://stream.binance.com:9443"
	if cfg.Testnet {
		host = "wss://stream.testnet.binance.vision"
	}
	if cfg.StreamURL != "" {
		host = cfg.StreamURL
	}
	return &UserStream{client: client, streamHost: host, fills: fills, keepAlive: 30 * time.Minute, log: log}
}

// Run blocks until ctx is done.
func (s *UserStream) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("user data stream dropped, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.CloseListenKey(closeCtx, listenKey)
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamHost+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	s.log.Info("user data stream connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(sessCtx, listenKey); err != nil {
					s.log.Warn("listen key keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, ok, err := parseExecutionReport(msg)
		if err != nil {
			s.log.Warn("user stream parse error", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.fills <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseExecutionReport returns the fill carried by a TRADE execution report.
// Other events and execution types report ok=false.
func parseExecutionReport(msg []byte) (common.Fill, bool, error) {
	// "e" is occasionally numeric on other event types; decode it separately.
	var head map[string]json.RawMessage
	if err := json.Unmarshal(msg, &head); err != nil {
		return common.Fill{}, false, err
	}
	// Newer stream endpoints wrap the payload in {"event": {...}}.
	if inner, ok := head["event"]; ok {
		msg = inner
		if err := json.Unmarshal(msg, &head); err != nil {
			return common.Fill{}, false, err
		}
	}
	var eventType string
	if err := json.Unmarshal(head["e"], &eventType); err != nil || eventType != "executionReport" {
		return common.Fill{}, false, nil
	}

	// encoding/json matches keys case-insensitively, so every field whose key
	// differs from another only by case is declared.
	var rep struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		ExecutionType   string `json:"x"`
		OrderID         int64  `json:"i"`
		LastQty         string `json:"l"`
		LastPrice       string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		OrigClientID    string `json:"C"`
		Status          string `json:"X"`
		Ignore          int64  `json:"I"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return common.Fill{}, false, fmt.Errorf("execution report: %w", err)
	}
	if rep.ExecutionType != "TRADE" {
		return common.Fill{}, false, nil
	}
	return common.Fill{
		FillID:          fillID(rep.Symbol, rep.TradeID),
		Seq:             uint64(rep.TradeID),
		ClientOrderID:   rep.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("%d", rep.OrderID),
		Symbol:          rep.Symbol,
		Side:            common.Side(rep.Side),
		Qty:             parseDecimal(rep.LastQty),
		Price:           parseDecimal(rep.LastPrice),
		Fee:             parseDecimal(rep.Commission),
		FeeAsset:        rep.CommissionAsset,
		Time:            time.UnixMilli(rep.TradeTime),
	}, true, nil
}
