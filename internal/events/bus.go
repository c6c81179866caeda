package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Message is what subscribers receive.
type Message struct {
	Topic   Event     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type subscriber struct {
	ch     chan Message
	topics map[Event]bool // empty = all topics
}

// Bus is a lightweight pub/sub broker using channels. Publishing never
// blocks: a full subscriber misses the message and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
	now     func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers a listener for the given topics (all topics when none
// are given) and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	s := &subscriber{ch: make(chan Message, buffer), topics: make(map[Event]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, x := range b.subs {
				if x == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish fans the payload out to matching subscribers.
func (b *Bus) Publish(topic Event, payload any) {
	msg := Message{Topic: topic, At: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if len(s.topics) > 0 && !s.topics[topic] {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
