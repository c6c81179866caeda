package binance

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseKlineMessage(t *testing.T) {
	msg := []byte(`{"e":"kline","E":1700000000123,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"37000.10","c":"37010.55","h":"37020.00","l":"36990.00","v":"12.5","x":true}}`)

	k, err := parseKlineMessage(msg)
	if err != nil {
		t.Fatalf("parseKlineMessage: %v", err)
	}
	if k.Symbol != "BTCUSDT" || !k.Closed {
		t.Fatalf("unexpected kline %+v", k)
	}
	if !k.Close.Equal(decimal.RequireFromString("37010.55")) {
		t.Fatalf("Close=%s", k.Close)
	}
	if k.CloseTime != 1700000059999 {
		t.Fatalf("CloseTime=%d", k.CloseTime)
	}
}

func TestParseKlineMessageRejectsOtherEvents(t *testing.T) {
	if _, err := parseKlineMessage([]byte(`{"result":null,"id":1}`)); err == nil {
		t.Fatalf("expected error for non-kline payload")
	}
}

func TestParseKlineMessageKeepsBaseVolume(t *testing.T) {
	msg := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","L":99,"o":"1","c":"2","h":"3","l":"0.5","v":"12.5","x":false,"V":"4.25"}}`)

	k, err := parseKlineMessage(msg)
	if err != nil {
		t.Fatalf("parseKlineMessage: %v", err)
	}
	if !k.Volume.Equal(decimal.RequireFromString("12.5")) || !k.Low.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("volume=%s low=%s", k.Volume, k.Low)
	}
}
