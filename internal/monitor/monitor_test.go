package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradebot/internal/events"
	"tradebot/internal/risk"
)

func TestLatencyWindowEvictsOldest(t *testing.T) {
	w := NewLatencyWindow(4)
	for _, v := range []int{5, 1, 3, 2, 4} {
		w.Observe(time.Duration(v) * time.Millisecond)
	}
	s := w.Stats()
	if s.Count != 4 {
		t.Fatalf("Count=%d, expected window of 4", s.Count)
	}
	if s.Min != 1 || s.Max != 4 {
		t.Fatalf("Min=%v Max=%v, oldest sample should have been evicted", s.Min, s.Max)
	}
	if s.Avg != 2.5 {
		t.Fatalf("Avg=%v", s.Avg)
	}
	if s.P50 != 2 {
		t.Fatalf("P50=%v", s.P50)
	}
}

func TestEmptyWindow(t *testing.T) {
	if s := NewLatencyWindow(8).Stats(); s.Count != 0 || s.Max != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestVetoReasonsAreCounted(t *testing.T) {
	m := NewSystemMetrics()
	m.Vetoed("position_limit")
	m.Vetoed("position_limit")
	m.Vetoed("hold")
	snap := m.Snapshot()
	if snap.Vetoes != 3 || snap.VetoReasons["position_limit"] != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestFillCommittedSkipsReplayedFills(t *testing.T) {
	m := NewSystemMetrics()
	m.FillCommitted(time.Now().Add(-20 * time.Millisecond))
	m.FillCommitted(time.Now().Add(-48 * time.Hour))
	m.FillCommitted(time.Time{})

	snap := m.Snapshot()
	if snap.FillsCommitted != 3 {
		t.Fatalf("FillsCommitted=%d", snap.FillsCommitted)
	}
	if snap.FillLatency.Count != 1 {
		t.Fatalf("only the live fill is latency, got %d samples", snap.FillLatency.Count)
	}
}

type recordingSink struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingSink) Send(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestMonitorForwardsHalts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &recordingSink{}
	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.EventHalt, risk.Halt{Asset: "BTC", Kind: risk.HaltAmbiguousOrder, Reason: "query failed"})
	bus.Publish(events.EventPriceTick, "ignored")

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one alert, got %d", sink.count())
	}
}
