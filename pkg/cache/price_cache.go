package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// Price is the last trade price of a symbol and the market time it was seen.
type Price struct {
	Value decimal.Decimal
	At    time.Time
}

// PriceCache holds the last price per symbol. Each decision lane writes
// its own symbol while readers mark the whole book, so the map is sharded
// to keep lanes off a single lock.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Price
}

func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]Price)}
	}
	return c
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores price for symbol unless a newer one is already cached.
func (c *PriceCache) Set(symbol string, price decimal.Decimal, at time.Time) {
	s := c.shard(symbol)
	s.mu.Lock()
	if cur, ok := s.items[symbol]; !ok || !at.Before(cur.At) {
		s.items[symbol] = Price{Value: price, At: at}
	}
	s.mu.Unlock()
}

// Get returns the cached price for symbol.
func (c *PriceCache) Get(symbol string) (Price, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	p, ok := s.items[symbol]
	s.mu.RUnlock()
	return p, ok
}

// Age reports how old the cached price is relative to now.
func (c *PriceCache) Age(symbol string, now time.Time) (time.Duration, bool) {
	p, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	return now.Sub(p.At), true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// All returns a copy of every cached price.
func (c *PriceCache) All() map[string]Price {
	out := make(map[string]Price)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, p := range s.items {
			out[sym] = p
		}
		s.mu.RUnlock()
	}
	return out
}

// Retain drops symbols not in keep.
func (c *PriceCache) Retain(keep []string) int {
	valid := make(map[string]bool, len(keep))
	for _, s := range keep {
		valid[s] = true
	}
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for sym := range s.items {
			if !valid[sym] {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
