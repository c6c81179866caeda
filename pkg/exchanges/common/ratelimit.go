package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WeightTracker follows the exchange-reported request weight for the current window.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	now           func() time.Time
	log           *zap.Logger
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (e.g., 6000 for spot)
// resetInterval: time window (e.g., 1 minute)
func NewWeightTracker(limit int, resetInterval time.Duration, log *zap.Logger) *WeightTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		now:           time.Now,
		log:           log,
	}
}

// UpdateFromHeader updates the used weight from an API response header.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if wt.now().Sub(wt.lastReset) >= wt.resetInterval {
		wt.lastReset = wt.now()
	}
	wt.usedWeight = weight

	pct := float64(wt.usedWeight) / float64(wt.limit) * 100
	switch {
	case pct >= 95:
		wt.log.Warn("request weight critical", zap.Int("used", wt.usedWeight), zap.Int("limit", wt.limit))
	case pct >= 80:
		wt.log.Info("request weight high", zap.Int("used", wt.usedWeight), zap.Int("limit", wt.limit))
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()

	if wt.now().Sub(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// Saturated reports whether new requests should back off until the window resets.
func (wt *WeightTracker) Saturated() bool {
	_, _, pct := wt.Usage()
	return pct >= 90
}
