package gateway

import (
	"fmt"
	"strings"

	"execution-core/internal/connector"
	"execution-core/internal/strategy"
)

// Outcome is the terminal state of an intent. Skips are first-class
// results, not errors: a guarded slot or an active cooldown is normal
// operation.
type Outcome string

const (
	OutcomeExecuted         Outcome = "EXECUTED"
	OutcomeSkippedDuplicate Outcome = "SKIPPED_DUPLICATE"
	OutcomeSkippedLocked    Outcome = "SKIPPED_LOCKED"
	OutcomeSkippedCooldown  Outcome = "SKIPPED_COOLDOWN"
	OutcomeRejected         Outcome = "REJECTED"
	OutcomeFailed           Outcome = "FAILED"
	outcomePending          Outcome = "PENDING"
)

// Reason codes attached to non-executed outcomes.
const (
	ReasonLockNotAcquired  = "LOCK_NOT_ACQUIRED"
	ReasonCooldownActive   = "COOLDOWN_ACTIVE"
	ReasonValidation       = "VALIDATION_FAILED"
	ReasonNoTargetPosition = "NO_TARGET_POSITION"
	ReasonLockUnavailable  = "LOCK_BACKEND_UNAVAILABLE"
	ReasonBrokerRejected   = "BROKER_REJECTED"
	ReasonBrokerError      = "BROKER_ERROR"
	ReasonUnsupported      = "UNSUPPORTED_OPERATION"
)

// Intent is one execution request. CorrelationID ties retries of the same
// upstream decision together; the idempotency key is derived from it when
// the caller does not supply one.
type Intent struct {
	RunID          string
	CorrelationID  string
	IdempotencyKey string

	Action strategy.ActionType
	Symbol string
	Side   connector.Side

	// Volume in lots. Required for OPEN and REDUCE. Zero on CLOSE means
	// close every matching position.
	Volume float64

	// Limit price, zero for market execution.
	Price float64

	StopLoss   float64
	TakeProfit float64

	// PositionID narrows CLOSE, REDUCE and MODIFY_PROTECTION to one
	// position instead of every open position on the slot.
	PositionID string

	Reason string
}

// Result reports what happened to an intent. Duplicate marks a replay that
// short-circuited to a previously persisted outcome.
type Result struct {
	IntentID       string
	IdempotencyKey string
	Outcome        Outcome
	Reason         string
	OrderID        string
	PositionID     string
	ExecutedVolume float64
	ExecutedPrice  float64
	Duplicate      bool
}

var validActions = map[strategy.ActionType]bool{
	strategy.ActionOpen:             true,
	strategy.ActionClose:            true,
	strategy.ActionReduce:           true,
	strategy.ActionModifyProtection: true,
}

// Validate rejects structurally bad intents before any side effect.
func (in *Intent) Validate() error {
	if in.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if strings.TrimSpace(in.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if in.Side != connector.SideBuy && in.Side != connector.SideSell {
		return fmt.Errorf("side must be BUY or SELL")
	}
	if !validActions[in.Action] {
		return fmt.Errorf("unknown action %q", in.Action)
	}
	if in.Volume < 0 {
		return fmt.Errorf("volume must not be negative")
	}
	switch in.Action {
	case strategy.ActionOpen, strategy.ActionReduce:
		if in.Volume <= 0 {
			return fmt.Errorf("%s requires a positive volume", in.Action)
		}
	case strategy.ActionModifyProtection:
		if in.StopLoss <= 0 && in.TakeProfit <= 0 {
			return fmt.Errorf("MODIFY_PROTECTION requires a stop loss or take profit")
		}
	}
	if in.Action == strategy.ActionOpen && in.StopLoss > 0 && in.Price > 0 {
		wrongSide := (in.Side == connector.SideBuy && in.StopLoss >= in.Price) ||
			(in.Side == connector.SideSell && in.StopLoss <= in.Price)
		if wrongSide {
			return fmt.Errorf("stop loss on the wrong side of the price")
		}
	}
	return nil
}
