package events

import "time"

// Event enumerates high-level topics inside the trading bot.
type Event string

const (
	EventBar             Event = "market.bar"
	EventDecision        Event = "lifecycle.decision"
	EventPositionChange  Event = "lifecycle.position"
	EventOrderQueued     Event = "order.queued"
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderFilled     Event = "order.filled"
	EventOrderRejected   Event = "order.rejected"
	EventOrderRetry      Event = "order.retry"
	EventOrderDropped    Event = "order.dropped"
	EventApprovalPending Event = "approval.pending"
	EventEngineState     Event = "engine.state"
	EventKillSwitch      Event = "engine.kill_switch"
	EventRiskAlert       Event = "risk.alert"
)

// Topics lists every topic, used by consumers that mirror the whole bus.
var Topics = []Event{
	EventBar, EventDecision, EventPositionChange,
	EventOrderQueued, EventOrderSubmitted, EventOrderFilled, EventOrderRejected,
	EventOrderRetry, EventOrderDropped, EventApprovalPending,
	EventEngineState, EventKillSwitch, EventRiskAlert,
}

// Record is the structured form of a published event handed to sinks.
type Record struct {
	Type      Event     `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Alert is the payload of risk and kill-switch notifications.
type Alert struct {
	Level    string `json:"level"`
	Message  string `json:"message"`
	Symbol   string `json:"symbol,omitempty"`
	Critical bool   `json:"critical"`
}
