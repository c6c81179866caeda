package order

import (
	"context"
	"time"

	"tradebot/pkg/config"
	"tradebot/pkg/exchanges/common"
)

type attemptKind int

const (
	attemptSuccess attemptKind = iota
	attemptTransient
	attemptTerminal
	attemptAborted // caller's context is done
)

// attemptResult is the outcome of one submission attempt.
type attemptResult struct {
	kind attemptKind
	ack  common.SubmitAck
	err  error
}

// backoff returns base * 2^(attempt-1), capped at max.
func backoff(p config.OrderPolicy, attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt && d < p.BackoffMax; i++ {
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func (m *Manager) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= m.policy.SubmitMaxAttempts; attempt++ {
		callCtx, cancel := m.callContext(ctx)
		err = fn(callCtx)
		cancel()
		if err == nil || !common.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt < m.policy.SubmitMaxAttempts {
			if serr := m.sleep(ctx, backoff(m.policy, attempt)); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.policy.SubmitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.policy.SubmitTimeout)
}
