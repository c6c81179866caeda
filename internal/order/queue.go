package order

import (
	"context"
	"sync"
	"sync/atomic"

	"tradebot/internal/risk"
)

// Queue buffers approved order requests between the decision loops and
// the submission worker.
type Queue struct {
	ch       chan risk.OrderRequest
	once     sync.Once
	enqueued atomic.Uint64
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan risk.OrderRequest, size)}
}

// Enqueue blocks until the request is queued or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, r risk.OrderRequest) error {
	select {
	case q.ch <- r:
		q.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of queued requests.
func (q *Queue) Len() int { return len(q.ch) }

// Enqueued is the number of requests accepted so far.
func (q *Queue) Enqueued() uint64 { return q.enqueued.Load() }

func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
}

// Drain consumes requests with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(risk.OrderRequest)) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-q.ch:
			if !ok {
				return
			}
			handler(r)
		}
	}
}
