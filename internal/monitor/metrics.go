package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics counts decision-loop activity and keeps latency windows
// for the three hops a trade takes: tick to decision, decision to
// exchange ack, exchange fill to ledger commit.
type SystemMetrics struct {
	Decision *LatencyWindow
	Submit   *LatencyWindow
	Fill     *LatencyWindow

	ticks    atomic.Uint64
	signals  atomic.Uint64
	orders   atomic.Uint64
	fills    atomic.Uint64
	vetoes   atomic.Uint64
	failures atomic.Uint64

	mu          sync.Mutex
	vetoReasons map[string]uint64
	startedAt   time.Time
}

func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		Decision:    NewLatencyWindow(1024),
		Submit:      NewLatencyWindow(1024),
		Fill:        NewLatencyWindow(1024),
		vetoReasons: make(map[string]uint64),
		startedAt:   time.Now(),
	}
}

func (m *SystemMetrics) TickSeen()            { m.ticks.Add(1) }
func (m *SystemMetrics) SignalSeen()          { m.signals.Add(1) }
func (m *SystemMetrics) OrderSubmitted()      { m.orders.Add(1) }
func (m *SystemMetrics) SubmitFailed()        { m.failures.Add(1) }
func (m *SystemMetrics) StartedAt() time.Time { return m.startedAt }

// Vetoed counts a risk veto by reason.
func (m *SystemMetrics) Vetoed(reason string) {
	m.vetoes.Add(1)
	m.mu.Lock()
	m.vetoReasons[reason]++
	m.mu.Unlock()
}

// FillCommitted records the delay between the exchange trade time and now.
// Fills replayed from the past (startup recovery) are not latency and are
// only counted.
func (m *SystemMetrics) FillCommitted(tradeTime time.Time) {
	m.fills.Add(1)
	if tradeTime.IsZero() {
		return
	}
	if d := time.Since(tradeTime); d >= 0 && d < time.Minute {
		m.Fill.Observe(d)
	}
}

// LatencyWindow keeps the last N samples in a ring.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1024
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Observe adds one sample, evicting the oldest when the ring is full.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Since observes the time elapsed from start.
func (w *LatencyWindow) Since(start time.Time) time.Duration {
	d := time.Since(start)
	w.Observe(d)
	return d
}

// LatencyStats summarizes a window in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

func (w *LatencyWindow) Stats() LatencyStats {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	at := func(q float64) float64 { return ms(sorted[int(float64(n-1)*q)]) }
	return LatencyStats{
		Count: n,
		Min:   ms(sorted[0]),
		Max:   ms(sorted[n-1]),
		Avg:   ms(sum / time.Duration(n)),
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	DecisionLatency  LatencyStats      `json:"decision_latency"`
	SubmitLatency    LatencyStats      `json:"submit_latency"`
	FillLatency      LatencyStats      `json:"fill_latency"`
	TicksProcessed   uint64            `json:"ticks_processed"`
	SignalsGenerated uint64            `json:"signals_generated"`
	OrdersProcessed  uint64            `json:"orders_processed"`
	FillsCommitted   uint64            `json:"fills_committed"`
	SubmitFailures   uint64            `json:"submit_failures"`
	Vetoes           uint64            `json:"vetoes"`
	VetoReasons      map[string]uint64 `json:"veto_reasons"`
	Goroutines       int               `json:"goroutines"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	Uptime           string            `json:"uptime"`
	Timestamp        time.Time         `json:"timestamp"`
}

func (m *SystemMetrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	reasons := make(map[string]uint64, len(m.vetoReasons))
	for k, v := range m.vetoReasons {
		reasons[k] = v
	}
	m.mu.Unlock()

	return MetricsSnapshot{
		DecisionLatency:  m.Decision.Stats(),
		SubmitLatency:    m.Submit.Stats(),
		FillLatency:      m.Fill.Stats(),
		TicksProcessed:   m.ticks.Load(),
		SignalsGenerated: m.signals.Load(),
		OrdersProcessed:  m.orders.Load(),
		FillsCommitted:   m.fills.Load(),
		SubmitFailures:   m.failures.Load(),
		Vetoes:           m.vetoes.Load(),
		VetoReasons:      reasons,
		Goroutines:       runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		Uptime:           time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp:        time.Now(),
	}
}
