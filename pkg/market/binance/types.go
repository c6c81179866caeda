package binance

import "github.com/shopspring/decimal"

// Kline represents a single candlestick.
type Kline struct {
	Symbol    string
	OpenTime  int64 // ms
	CloseTime int64 // ms
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal // base asset volume
	Closed    bool            // final update for the interval (stream only)
}
