package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSetKeepsNewestPrice(t *testing.T) {
	c := NewPriceCache()
	t0 := time.Unix(1700000000, 0)

	c.Set("BTCUSDT", decimal.NewFromInt(100), t0.Add(time.Minute))
	c.Set("BTCUSDT", decimal.NewFromInt(90), t0)

	p, ok := c.Get("BTCUSDT")
	if !ok {
		t.Fatalf("expected cached price")
	}
	if !p.Value.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stale write replaced newer price: got %s", p.Value)
	}

	c.Set("BTCUSDT", decimal.NewFromInt(101), t0.Add(time.Minute))
	p, _ = c.Get("BTCUSDT")
	if !p.Value.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("same-time update should win, got %s", p.Value)
	}
}

func TestAgeAndRetain(t *testing.T) {
	c := NewPriceCache()
	t0 := time.Unix(1700000000, 0)
	c.Set("BTCUSDT", decimal.NewFromInt(1), t0)
	c.Set("ETHUSDT", decimal.NewFromInt(2), t0)

	if age, ok := c.Age("BTCUSDT", t0.Add(5*time.Second)); !ok || age != 5*time.Second {
		t.Fatalf("age = %v, %v", age, ok)
	}
	if _, ok := c.Age("XRPUSDT", t0); ok {
		t.Fatalf("unknown symbol should have no age")
	}

	if removed := c.Retain([]string{"ETHUSDT"}); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	if _, ok := c.All()["ETHUSDT"]; !ok {
		t.Fatalf("ETHUSDT should remain")
	}
}

func TestConcurrentWriters(t *testing.T) {
	c := NewPriceCache()
	symbols := []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}
	t0 := time.Unix(1700000000, 0)

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set(sym, decimal.NewFromInt(int64(i)), t0.Add(time.Duration(i)*time.Second))
				_ = c.All()
			}
		}(sym)
	}
	wg.Wait()

	for _, sym := range symbols {
		p, ok := c.Get(sym)
		if !ok || !p.Value.Equal(decimal.NewFromInt(499)) {
			t.Fatalf("%s = %v, %v", sym, p.Value, ok)
		}
	}
}
