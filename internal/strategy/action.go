package strategy

import "execution-core/internal/connector"

// ActionType is the shared action vocabulary emitted by strategies and
// consumed by both the live gateway and the simulator.
type ActionType string

const (
	ActionOpen             ActionType = "OPEN"
	ActionClose            ActionType = "CLOSE"
	ActionReduce           ActionType = "REDUCE"
	ActionModifyProtection ActionType = "MODIFY_PROTECTION"
)

// Action is one instruction produced on bar close. OPEN actions go through
// entry filters and risk gates; CLOSE, REDUCE and MODIFY_PROTECTION are
// never gated.
type Action struct {
	Type   ActionType
	Symbol string
	Side   connector.Side

	// Volume in lots. Zero on OPEN means "size by risk settings". Zero on
	// CLOSE means close everything on this side.
	Volume float64

	// Absolute protective prices for OPEN and MODIFY_PROTECTION. Zero
	// keeps or omits the level.
	StopLoss   float64
	TakeProfit float64

	Reason string
}
