package events

// Event enumerates high-level topics inside the trading bot.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventSignal         Event = "strategy.signal"
	EventRiskVeto       Event = "risk.veto"
	EventOrderUpdate    Event = "order.update"
	EventFillApplied    Event = "fill.applied"
	EventFillDuplicate  Event = "fill.duplicate"
	EventPositionChange Event = "position.change"
	EventHalt           Event = "asset.halt"
	EventHaltCleared    Event = "asset.halt_cleared"
	EventReconciliation Event = "reconciliation.report"
	EventKPISnapshot    Event = "kpi.snapshot"
)
