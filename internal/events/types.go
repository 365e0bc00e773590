package events

import "time"

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventPriceTick        Event = "price_tick"
	EventBarClosed        Event = "bar_closed"
	EventIntentSubmitted  Event = "intent.submitted"
	EventIntentExecuted   Event = "intent.executed"
	EventIntentSkipped    Event = "intent.skipped"
	EventIntentFailed     Event = "intent.failed"
	EventPositionChange   Event = "position_change"
	EventRiskAlert        Event = "risk_alert"
	EventRunStateChange   Event = "run.state_change"
	EventBacktestFinished Event = "backtest.finished"
)

// IntentUpdate is the payload for intent lifecycle topics.
type IntentUpdate struct {
	IntentID       string
	RunID          string
	Symbol         string
	Side           string
	Outcome        string
	Reason         string
	IdempotencyKey string
	At             time.Time
}

// RunStateUpdate is the payload for run.state_change.
type RunStateUpdate struct {
	RunID string
	State string
	At    time.Time
}
