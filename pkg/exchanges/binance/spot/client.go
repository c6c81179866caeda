package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradebot/pkg/exchanges/common"
)

// Binance error codes the gateway classifies.
const (
	codeUnknownOrder     = -2011 // cancel: unknown order sent
	codeNoSuchOrder      = -2013 // query: order does not exist
	codeNewOrderRejected = -2010
	codeTimestamp        = -1021
	codeTooManyRequests  = -1003
	codeDisconnected     = -1001
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the host, e.g. in tests
	StreamURL  string // overrides the user data stream host
}

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// Client is a signed Binance spot REST client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightTracker
	log        *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, log)
	// 6000 weight/min for spot
	c.weight = common.NewWeightTracker(6000, time.Minute, log)
	return c
}

// TimeSync exposes the clock offset tracker so callers can start it.
func (c *Client) TimeSync() *common.TimeSync { return c.timeSync }

// ServerTime fetches server time (ms).
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/time", nil, false, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Side                string `json:"side"`
	Type                string `json:"type"`
	Status              string `json:"status"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	UpdateTime          int64  `json:"updateTime"`
	TransactTime        int64  `json:"transactTime"`
}

// NewOrder places an order with newClientOrderId set to the client id.
func (c *Client) NewOrder(ctx context.Context, req common.SubmitRequest) (orderResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Qty.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if req.Type == common.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(tif))
	}
	var resp orderResponse
	err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true, &resp)
	return resp, err
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) (orderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var resp orderResponse
	err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, &resp)
	return resp, err
}

// GetOrder fetches a single order by client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (orderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var resp orderResponse
	err := c.do(ctx, http.MethodGet, "/api/v3/order", params, true, &resp)
	return resp, err
}

// MyTrade represents an account trade.
type MyTrade struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

// OrderTrades returns the executions of one exchange order.
func (c *Client) OrderTrades(ctx context.Context, symbol string, orderID int64) ([]MyTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var trades []MyTrade
	if err := c.do(ctx, http.MethodGet, "/api/v3/myTrades", params, true, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// AccountBalance represents an asset balance.
type AccountBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// Account returns account balances.
func (c *Client) Account(ctx context.Context) ([]AccountBalance, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")
	var info struct {
		Balances []AccountBalance `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", params, true, &info); err != nil {
		return nil, err
	}
	return info.Balances, nil
}

// do performs one request. Signed requests carry timestamp, recvWindow and
// an HMAC signature. Failures come back classified: transport errors,
// 429/418, 5xx and clock skew as *common.TransientError, everything else as
// *APIError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
			return errors.New("binance: API key/secret required")
		}
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	}
	if c.weight.Saturated() {
		return &common.TransientError{Op: path, Err: errors.New("request weight saturated")}
	}

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		u := c.baseURL + path
		if encoded != "" {
			u += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &common.TransientError{Op: path, Err: err}
	}
	defer res.Body.Close()
	c.weight.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return &common.TransientError{Op: path, Err: err}
	}
	if res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		if apiErr.Code == codeTimestamp {
			c.timeSync.Resync()
		}
		if transientStatus(res.StatusCode, apiErr.Code) {
			return &common.TransientError{Op: path, Err: apiErr}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func transientStatus(status, code int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusTeapot, status >= 500:
		return true
	case code == codeTimestamp, code == codeTooManyRequests, code == codeDisconnected:
		return true
	}
	return false
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
