package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/risk"
)

// Monitor watches the bus for conditions an operator must see and hands
// them to the alert sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *zap.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		m.Log.Info("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(64, events.EventHalt, events.EventHaltCleared, events.EventReconciliation)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if err := m.Sink.Send(formatAlert(msg)); err != nil {
					m.Log.Warn("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatAlert(msg events.Message) string {
	return "[" + msg.At.UTC().Format(time.RFC3339) + "] " + describe(msg)
}

func describe(msg events.Message) string {
	switch p := msg.Payload.(type) {
	case risk.Halt:
		if msg.Topic == events.EventHaltCleared {
			return fmt.Sprintf("%s trading resumed (acknowledged by %s)", p.Asset, p.AcknowledgedBy)
		}
		return fmt.Sprintf("%s halted (%s): %s", p.Asset, p.Kind, p.Reason)
	case string:
		return p
	default:
		return string(msg.Topic) + " event"
	}
}
