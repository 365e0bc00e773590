package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/connector"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// symbolInfo serves contract parameters from the shared cache, falling back
// to the broker on a miss. A lookup failure is tolerated; dispatch then
// rounds with zero-value parameters.
func (g *Gateway) symbolInfo(ctx context.Context, conn connector.Connector, symbol string) connector.SymbolInfo {
	if sym, ok := g.symbols.Get(symbol); ok {
		return sym
	}
	sym, err := conn.SymbolInfo(ctx, symbol)
	if err != nil {
		logger.S().Warnw("symbol info unavailable, dispatching unrounded",
			"symbol", symbol, "error", err)
		return connector.SymbolInfo{}
	}
	g.symbols.Set(symbol, sym)
	return sym
}

func (g *Gateway) dispatch(ctx context.Context, conn connector.Connector, in Intent) Result {
	switch in.Action {
	case strategy.ActionOpen:
		return g.dispatchOpen(ctx, conn, in)
	case strategy.ActionClose, strategy.ActionReduce:
		return g.dispatchClose(ctx, conn, in)
	case strategy.ActionModifyProtection:
		return g.dispatchModify(ctx, conn, in)
	}
	return Result{Outcome: OutcomeRejected, Reason: ReasonValidation}
}

func (g *Gateway) dispatchOpen(ctx context.Context, conn connector.Connector, in Intent) Result {
	sym := g.symbolInfo(ctx, conn, in.Symbol)

	volume := risk.RoundVolume(in.Volume, sym)
	if volume <= 0 {
		return Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonValidation + ": volume below broker minimum",
		}
	}

	kind := connector.OrderMarket
	if in.Price > 0 {
		kind = connector.OrderLimit
	}
	ack, err := conn.PlaceOrder(ctx, connector.TradeRequest{
		Symbol:     in.Symbol,
		Side:       in.Side,
		Kind:       kind,
		Volume:     volume,
		Price:      in.Price,
		StopLoss:   in.StopLoss,
		TakeProfit: in.TakeProfit,
		Label:      in.RunID,
		ClientID:   in.IdempotencyKey,
	})
	if err != nil {
		return brokerFailure(err)
	}
	if ack.Status == connector.StatusRejected {
		return Result{Outcome: OutcomeRejected, Reason: ReasonBrokerRejected}
	}

	if ack.Status == connector.StatusPartial {
		ack = g.reconcilePartial(ctx, conn, ack)
	}

	orderID := uuid.NewString()
	if err := g.store.CreateOrder(ctx, db.Order{
		ID:            orderID,
		IntentID:      in.IdempotencyKey,
		RunID:         in.RunID,
		Symbol:        in.Symbol,
		Side:          string(in.Side),
		Kind:          string(kind),
		Volume:        volume,
		FilledVolume:  ack.ExecutedVolume,
		Price:         ack.ExecutedPrice,
		Status:        string(ack.Status),
		BrokerOrderID: ack.OrderID,
	}); err != nil {
		logger.S().Errorw("persist order failed", "order", orderID, "error", err)
	}

	positionID := uuid.NewString()
	if err := g.store.CreatePosition(ctx, db.Position{
		ID:               positionID,
		RunID:            in.RunID,
		BrokerPositionID: ack.PositionID,
		Symbol:           in.Symbol,
		Side:             string(in.Side),
		Volume:           ack.ExecutedVolume,
		OpenPrice:        ack.ExecutedPrice,
		OpenTime:         time.Now().UTC(),
		StopLoss:         in.StopLoss,
		TakeProfit:       in.TakeProfit,
		Status:           "OPEN",
	}); err != nil {
		logger.S().Errorw("persist position failed", "position", positionID, "error", err)
	}

	return Result{
		Outcome:        OutcomeExecuted,
		OrderID:        orderID,
		PositionID:     positionID,
		ExecutedVolume: ack.ExecutedVolume,
		ExecutedPrice:  ack.ExecutedPrice,
	}
}

// reconcilePartial polls the broker a bounded number of times to learn the
// final fill of a partially acked order. It never loops forever; after the
// last attempt the best-known ack is recorded as-is.
func (g *Gateway) reconcilePartial(ctx context.Context, conn connector.Connector, ack connector.TradeResult) connector.TradeResult {
	for attempt := 0; attempt < g.opts.ReconcileAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ack
		case <-time.After(g.opts.ReconcileBackoff):
		}
		positions, err := conn.OpenPositions(ctx)
		if err != nil {
			logger.S().Warnw("partial-fill reconcile query failed",
				"attempt", attempt+1, "error", err)
			continue
		}
		for _, p := range positions {
			if p.ID == ack.PositionID {
				ack.ExecutedVolume = p.Volume
				ack.ExecutedPrice = p.OpenPrice
				break
			}
		}
		if ack.ExecutedVolume > 0 {
			ack.Status = connector.StatusFilled
			return ack
		}
	}
	logger.S().Warnw("partial fill unresolved after bounded reconcile",
		"order", ack.OrderID, "volume", ack.ExecutedVolume)
	return ack
}

// dispatchClose handles CLOSE and REDUCE. Targets are always scoped to the
// run's own lineage; positions opened by other runs on the same account
// are never touched. Reductions walk the lineage oldest first.
func (g *Gateway) dispatchClose(ctx context.Context, conn connector.Connector, in Intent) Result {
	targets, err := g.resolveTargets(ctx, in)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: ReasonBrokerError + ": " + err.Error()}
	}
	if len(targets) == 0 {
		return Result{Outcome: OutcomeRejected, Reason: ReasonNoTargetPosition}
	}

	sym := g.symbolInfo(ctx, conn, in.Symbol)

	remaining := in.Volume // zero on CLOSE means everything
	closeAll := in.Action == strategy.ActionClose && in.Volume <= 0

	var (
		totalClosed float64
		lastPrice   float64
		lastID      string
	)
	for _, p := range targets {
		if !closeAll && remaining <= 0 {
			break
		}
		closeVol := p.Volume
		if !closeAll && remaining < p.Volume {
			closeVol = remaining
		}

		ack, err := conn.ClosePosition(ctx, brokerPositionID(p), closeVol)
		if err != nil {
			res := brokerFailure(err)
			res.ExecutedVolume = totalClosed
			res.ExecutedPrice = lastPrice
			res.PositionID = lastID
			return res
		}

		price := ack.ExecutedPrice
		pnl := risk.PnL(sym, connector.Side(p.Side), p.OpenPrice, price, closeVol)
		if closeVol >= p.Volume {
			if err := g.store.ClosePositionRow(ctx, p.ID, price, time.Now().UTC(), pnl, in.Reason); err != nil {
				logger.S().Errorw("persist close failed", "position", p.ID, "error", err)
			}
		} else {
			if err := g.store.ReducePositionRow(ctx, p.ID, p.Volume-closeVol, pnl); err != nil {
				logger.S().Errorw("persist reduce failed", "position", p.ID, "error", err)
			}
		}

		totalClosed += closeVol
		lastPrice = price
		lastID = p.ID
		if !closeAll {
			remaining -= closeVol
		}
	}

	if totalClosed == 0 {
		return Result{Outcome: OutcomeRejected, Reason: ReasonNoTargetPosition}
	}
	return Result{
		Outcome:        OutcomeExecuted,
		PositionID:     lastID,
		ExecutedVolume: totalClosed,
		ExecutedPrice:  lastPrice,
	}
}

func (g *Gateway) dispatchModify(ctx context.Context, conn connector.Connector, in Intent) Result {
	targets, err := g.resolveTargets(ctx, in)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: ReasonBrokerError + ": " + err.Error()}
	}
	if len(targets) == 0 {
		return Result{Outcome: OutcomeRejected, Reason: ReasonNoTargetPosition}
	}

	var lastID string
	for _, p := range targets {
		var modifyErr error
		for attempt := 0; attempt <= g.opts.ModifyRetries; attempt++ {
			modifyErr = conn.ModifyPosition(ctx, brokerPositionID(p), in.StopLoss, in.TakeProfit)
			if modifyErr == nil || !connector.IsConnection(modifyErr) {
				break
			}
		}
		if modifyErr != nil {
			return brokerFailure(modifyErr)
		}
		if err := g.store.UpdateProtection(ctx, p.ID, in.StopLoss, in.TakeProfit); err != nil {
			logger.S().Errorw("persist protection failed", "position", p.ID, "error", err)
		}
		lastID = p.ID
	}
	return Result{Outcome: OutcomeExecuted, PositionID: lastID}
}

// resolveTargets loads the run's open positions matching the intent's
// slot, oldest first.
func (g *Gateway) resolveTargets(ctx context.Context, in Intent) ([]db.Position, error) {
	all, err := g.store.ListOpenPositionsByRun(ctx, in.RunID)
	if err != nil {
		return nil, err
	}
	var out []db.Position
	for _, p := range all {
		if p.Symbol != in.Symbol || p.Side != string(in.Side) {
			continue
		}
		if in.PositionID != "" && p.ID != in.PositionID && p.BrokerPositionID != in.PositionID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func brokerPositionID(p db.Position) string {
	if p.BrokerPositionID != "" {
		return p.BrokerPositionID
	}
	return p.ID
}

func brokerFailure(err error) Result {
	switch connector.KindOf(err) {
	case connector.KindUnsupported:
		return Result{Outcome: OutcomeRejected, Reason: ReasonUnsupported + ": " + err.Error()}
	case connector.KindRejected, connector.KindValidation:
		return Result{Outcome: OutcomeRejected, Reason: ReasonBrokerRejected + ": " + err.Error()}
	default:
		return Result{Outcome: OutcomeFailed, Reason: ReasonBrokerError + ": " + err.Error()}
	}
}
