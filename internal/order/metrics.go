package order

import "sync/atomic"

// Metrics counts order manager activity.
type Metrics struct {
	submitted      atomic.Uint64
	retries        atomic.Uint64
	rejected       atomic.Uint64
	canceled       atomic.Uint64
	expired        atomic.Uint64
	ambiguous      atomic.Uint64
	fillsApplied   atomic.Uint64
	fillsDuplicate atomic.Uint64
	lateFills      atomic.Uint64
	gapsSkipped    atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Submitted      uint64 `json:"submitted"`
	Retries        uint64 `json:"retries"`
	Rejected       uint64 `json:"rejected"`
	Canceled       uint64 `json:"canceled"`
	Expired        uint64 `json:"expired"`
	Ambiguous      uint64 `json:"ambiguous"`
	FillsApplied   uint64 `json:"fills_applied"`
	FillsDuplicate uint64 `json:"fills_duplicate"`
	LateFills      uint64 `json:"late_fills"`
	GapsSkipped    uint64 `json:"gaps_skipped"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Submitted:      m.submitted.Load(),
		Retries:        m.retries.Load(),
		Rejected:       m.rejected.Load(),
		Canceled:       m.canceled.Load(),
		Expired:        m.expired.Load(),
		Ambiguous:      m.ambiguous.Load(),
		FillsApplied:   m.fillsApplied.Load(),
		FillsDuplicate: m.fillsDuplicate.Load(),
		LateFills:      m.lateFills.Load(),
		GapsSkipped:    m.gapsSkipped.Load(),
	}
}
