package order

import (
	"sort"
	"time"

	"tradebot/pkg/exchanges/common"
)

type heldFill struct {
	fill common.Fill
	at   time.Time
}

// reorderBuffer releases one pair's fills in exchange sequence order. A fill
// that leaves a gap is held for at most window; after that it is released
// and the gap is given up. Fills at or below the last released sequence are
// passed straight through and left to fill-id deduplication.
type reorderBuffer struct {
	window time.Duration
	last   uint64
	held   []heldFill
}

func newReorderBuffer(window time.Duration, last uint64) *reorderBuffer {
	return &reorderBuffer{window: window, last: last}
}

// Push adds f and returns the fills now ready, in order.
func (b *reorderBuffer) Push(f common.Fill, now time.Time) []common.Fill {
	if f.Seq <= b.last {
		return []common.Fill{f}
	}
	i := sort.Search(len(b.held), func(i int) bool { return b.held[i].fill.Seq > f.Seq })
	b.held = append(b.held, heldFill{})
	copy(b.held[i+1:], b.held[i:])
	b.held[i] = heldFill{fill: f, at: now}
	return b.drain(now)
}

// Expire releases fills whose hold window has passed.
func (b *reorderBuffer) Expire(now time.Time) []common.Fill {
	return b.drain(now)
}

// Len is the number of held fills.
func (b *reorderBuffer) Len() int { return len(b.held) }

func (b *reorderBuffer) drain(now time.Time) []common.Fill {
	var out []common.Fill
	for len(b.held) > 0 {
		h := b.held[0]
		if h.fill.Seq > b.last+1 && now.Sub(h.at) < b.window {
			// A gap is open; a later fill may still be waiting behind it.
			if !b.anyExpired(now) {
				break
			}
		}
		out = append(out, h.fill)
		if h.fill.Seq > b.last {
			b.last = h.fill.Seq
		}
		b.held = b.held[1:]
	}
	return out
}

func (b *reorderBuffer) anyExpired(now time.Time) bool {
	for _, h := range b.held {
		if now.Sub(h.at) >= b.window {
			return true
		}
	}
	return false
}
