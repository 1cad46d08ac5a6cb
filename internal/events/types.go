package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderUpdate          Event = "order_update"
	EventStrategySignal       Event = "strategy_signal"
	EventRiskAlert            Event = "risk_alert"
	EventPositionChange       Event = "position_change"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	// Lifecycle (C8)
	EventStateChange Event = "lifecycle.state_change"

	// RPC session (C2)
	EventSessionStateChange Event = "session.state_change"

	// Bracket placement (C6) / reconciliation (C7)
	EventOrphanDetected   Event = "orphan.detected"
	EventReconcileWarning Event = "reconcile.warning"

	// Trade journal (C11)
	EventTradeOpened Event = "trade.opened"
	EventTradeClosed Event = "trade.closed"

	// Orchestrator (C10)
	EventJobStatusChange Event = "job.status_change"
)
