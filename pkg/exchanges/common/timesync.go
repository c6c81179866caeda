package common

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TimeSync tracks the offset between the local clock and the exchange
// clock so signed requests carry a timestamp the exchange accepts.
type TimeSync struct {
	serverTime func(ctx context.Context) (int64, error)
	interval   time.Duration
	log        *zap.Logger

	offsetMs atomic.Int64 // server - local
	synced   atomic.Int64 // unix ms of the last successful sync
	resync   chan struct{}
}

func NewTimeSync(serverTime func(ctx context.Context) (int64, error), log *zap.Logger) *TimeSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &TimeSync{
		serverTime: serverTime,
		interval:   30 * time.Minute,
		log:        log,
		resync:     make(chan struct{}, 1),
	}
}

// Start syncs once, then again every interval or on Resync, until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warn("initial time sync failed", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(ts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-ts.resync:
			}
			if err := ts.Sync(ctx); err != nil {
				ts.log.Warn("time sync failed", zap.Error(err))
			}
		}
	}()
}

// Sync measures the offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.serverTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	offset := server - (before+after)/2

	ts.offsetMs.Store(offset)
	ts.synced.Store(after)
	ts.log.Debug("time synced", zap.Int64("offset_ms", offset), zap.Int64("rtt_ms", after-before))
	return nil
}

// Resync asks the background loop to sync soon, e.g. after the exchange
// rejected a timestamp. It never blocks.
func (ts *TimeSync) Resync() {
	select {
	case ts.resync <- struct{}{}:
	default:
	}
}

// Offset returns the last measured server minus local offset.
func (ts *TimeSync) Offset() time.Duration {
	return time.Duration(ts.offsetMs.Load()) * time.Millisecond
}

// Now returns the current exchange time in milliseconds.
func (ts *TimeSync) Now() int64 {
	return time.Now().UnixMilli() + ts.offsetMs.Load()
}
