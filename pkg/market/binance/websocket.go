package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamClient streams public market data from Binance websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, log *zap.Logger) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// SubscribeKlines streams parsed klines until ctx ends or the connection drops.
// The channel is closed when the stream stops; stop may be called more than once.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	// Binance requires lowercase symbols for websocket streams
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan Kline, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				c.log.Warn("binance kline stream read error", zap.String("symbol", symbol), zap.Error(err))
				return
			}

			parsed, err := parseKlineMessage(msg)
			if err != nil {
				c.log.Warn("binance kline parse error", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// parseKlineMessage decodes only the fields we need.
func parseKlineMessage(msg []byte) (Kline, error) {
	var raw struct {
		Data struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Open      any    `json:"o"`
			Close     any    `json:"c"`
			High      any    `json:"h"`
			Low       any    `json:"l"`
			Volume    any    `json:"v"`
			Closed    bool   `json:"x"`
			// Declared so the case-insensitive decoder cannot fold them into l and v.
			LastTrade   int64 `json:"L"`
			TakerVolume any   `json:"V"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	if raw.Data.Symbol == "" {
		return Kline{}, errors.New("not a kline event")
	}
	return Kline{
		Symbol:    raw.Data.Symbol,
		OpenTime:  raw.Data.StartTime,
		CloseTime: raw.Data.CloseTime,
		Open:      toDecimal(raw.Data.Open),
		Close:     toDecimal(raw.Data.Close),
		High:      toDecimal(raw.Data.High),
		Low:       toDecimal(raw.Data.Low),
		Volume:    toDecimal(raw.Data.Volume),
		Closed:    raw.Data.Closed,
	}, nil
}
