package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/connector"
	"execution-core/internal/coordinator"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/strategy"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Options tune dispatch reconciliation.
type Options struct {
	ReconcileAttempts int
	ReconcileBackoff  time.Duration
	ModifyRetries     int

	// Metrics is optional; a private instance is created when nil.
	Metrics *monitor.ExecutionMetrics
}

// Gateway is the single choke point between decisions and the broker.
// Every intent passes validate, idempotency, lock, cooldown, dispatch and
// persist in that order, and the lock is released on every path.
type Gateway struct {
	store   *db.Database
	coord   *coordinator.Coordinator
	bus     *events.Bus
	symbols *cache.SymbolCache
	metrics *monitor.ExecutionMetrics
	opts    Options
}

// New builds the gateway.
func New(store *db.Database, coord *coordinator.Coordinator, bus *events.Bus, opts Options) *Gateway {
	if opts.ReconcileAttempts <= 0 {
		opts.ReconcileAttempts = 3
	}
	if opts.ReconcileBackoff <= 0 {
		opts.ReconcileBackoff = 250 * time.Millisecond
	}
	if opts.ModifyRetries <= 0 {
		opts.ModifyRetries = 2
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitor.NewExecutionMetrics()
	}
	return &Gateway{
		store:   store,
		coord:   coord,
		bus:     bus,
		symbols: cache.NewSymbolCache(10 * time.Minute),
		metrics: metrics,
		opts:    opts,
	}
}

// Execute runs one intent through the pipeline against conn. The returned
// error covers infrastructure failures only; broker-level and guard-level
// results come back inside Result.
func (g *Gateway) Execute(ctx context.Context, conn connector.Connector, in Intent) (Result, error) {
	defer monitor.NewTimer(g.metrics.IntentLatency).Stop()

	if err := in.Validate(); err != nil {
		res := Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonValidation + ": " + err.Error(),
		}
		g.publish(events.EventIntentFailed, in, res)
		return res, nil
	}

	key := in.IdempotencyKey
	if key == "" {
		if in.CorrelationID == "" {
			in.CorrelationID = uuid.NewString()
		}
		key = coordinator.IdempotencyKey(in.RunID, in.CorrelationID)
	}
	in.IdempotencyKey = key

	// Idempotent replay: hand back whatever the first attempt produced.
	if existing, err := g.store.GetIntentByKey(ctx, key); err == nil {
		return g.replay(in, existing), nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return Result{}, err
	}

	// Claim the key before touching the lock. The unique index picks one
	// owner per key; everyone else replays whatever the owner records.
	intentID := uuid.NewString()
	row := db.ExecutionIntent{
		ID:             intentID,
		IdempotencyKey: key,
		RunID:          in.RunID,
		CorrelationID:  in.CorrelationID,
		Symbol:         in.Symbol,
		Side:           string(in.Side),
		Action:         string(in.Action),
		Volume:         in.Volume,
		StopLoss:       in.StopLoss,
		TakeProfit:     in.TakeProfit,
		Outcome:        string(outcomePending),
	}
	if err := g.store.CreateIntent(ctx, row); err != nil {
		// A concurrent submit with the same key won the unique index.
		if strings.Contains(err.Error(), "UNIQUE") {
			if existing, lookupErr := g.store.GetIntentByKey(ctx, key); lookupErr == nil {
				return g.replay(in, existing), nil
			}
		}
		return Result{}, err
	}

	slot := coordinator.Slot{RunID: in.RunID, Symbol: in.Symbol, Side: in.Side}

	lock, err := g.coord.AcquireLock(slot)
	if errors.Is(err, coordinator.ErrLockHeld) {
		return g.finishWithoutDispatch(ctx, row, in, OutcomeSkippedLocked, ReasonLockNotAcquired)
	}
	if errors.Is(err, coordinator.ErrStoreUnavailable) {
		return g.finishWithoutDispatch(ctx, row, in, OutcomeFailed, ReasonLockUnavailable)
	}
	if err != nil {
		return Result{}, err
	}
	defer lock.Release()

	// Cooldown guards entries only. Exits and protective changes always
	// reach the broker.
	if in.Action == strategy.ActionOpen {
		inCooldown, err := g.coord.InCooldown(slot)
		if err != nil {
			return g.finishWithoutDispatch(ctx, row, in, OutcomeFailed, ReasonLockUnavailable)
		}
		if inCooldown {
			return g.finishWithoutDispatch(ctx, row, in, OutcomeSkippedCooldown, ReasonCooldownActive)
		}
	}

	dispatchTimer := monitor.NewTimer(g.metrics.DispatchLatency)
	res := g.dispatch(ctx, conn, in)
	dispatchTimer.Stop()
	res.IntentID = intentID
	res.IdempotencyKey = key

	row.Outcome = string(res.Outcome)
	row.Reason = res.Reason
	row.OrderID = res.OrderID
	row.PositionID = res.PositionID
	row.ExecutedVolume = res.ExecutedVolume
	row.ExecutedPrice = res.ExecutedPrice
	if err := g.store.UpdateIntentOutcome(ctx, row); err != nil {
		logger.S().Errorw("persist intent outcome failed",
			"intent", intentID, "outcome", res.Outcome, "error", err)
	}

	if res.Outcome == OutcomeExecuted {
		if in.Action == strategy.ActionOpen {
			// Cooldown starts only after a successful dispatch. Skips and
			// failures must not push the window.
			_ = g.coord.MarkCooldown(slot)
		}
		g.publish(events.EventIntentExecuted, in, res)
	} else {
		g.publish(events.EventIntentFailed, in, res)
	}
	return res, nil
}

// replay converts a persisted intent row back into the caller-facing
// result for duplicate submissions.
func (g *Gateway) replay(in Intent, row *db.ExecutionIntent) Result {
	logger.S().Infow("duplicate intent short-circuited",
		"key", row.IdempotencyKey, "run", row.RunID, "outcome", row.Outcome)
	res := Result{
		IntentID:       row.ID,
		IdempotencyKey: row.IdempotencyKey,
		Outcome:        Outcome(row.Outcome),
		Reason:         row.Reason,
		OrderID:        row.OrderID,
		PositionID:     row.PositionID,
		ExecutedVolume: row.ExecutedVolume,
		ExecutedPrice:  row.ExecutedPrice,
		Duplicate:      true,
	}
	if res.Outcome == outcomePending {
		// The first attempt is still in flight; report the duplicate
		// without inventing a terminal outcome.
		res.Outcome = OutcomeSkippedDuplicate
		res.Reason = "original intent still executing"
	}
	g.publish(events.EventIntentSkipped, in, res)
	return res
}

// finishWithoutDispatch records a guard outcome on the already-claimed
// intent row so replays of the same key see the same answer.
func (g *Gateway) finishWithoutDispatch(ctx context.Context, row db.ExecutionIntent, in Intent, outcome Outcome, reason string) (Result, error) {
	row.Outcome = string(outcome)
	row.Reason = reason
	if err := g.store.UpdateIntentOutcome(ctx, row); err != nil {
		logger.S().Errorw("persist intent outcome failed",
			"intent", row.ID, "outcome", outcome, "error", err)
	}
	res := Result{
		IntentID:       row.ID,
		IdempotencyKey: row.IdempotencyKey,
		Outcome:        outcome,
		Reason:         reason,
	}
	g.publish(events.EventIntentSkipped, in, res)
	return res, nil
}

func (g *Gateway) publish(topic events.Event, in Intent, res Result) {
	g.metrics.RecordOutcome(string(res.Outcome), res.Duplicate)
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, events.IntentUpdate{
		IntentID:       res.IntentID,
		RunID:          in.RunID,
		Symbol:         in.Symbol,
		Side:           string(in.Side),
		Outcome:        string(res.Outcome),
		Reason:         res.Reason,
		IdempotencyKey: res.IdempotencyKey,
		At:             time.Now().UTC(),
	})
}
