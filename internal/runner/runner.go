package runner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"execution-core/internal/connector"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Run states. Stop requests move RUNNING to STOPPING; the worker observes
// the request between bars and lands on STOPPED.
const (
	StateRunning  = db.RunStateRunning
	StateStopping = db.RunStateStopping
	StateStopped  = db.RunStateStopped
	StateFailed   = db.RunStateFailed
)

// maxWindow bounds the rolling candle window kept in memory.
const maxWindow = 1024

// Runner executes one live run: it consumes closed bars, evaluates the
// strategy and pushes the resulting intents through the gateway.
type Runner struct {
	runID   string
	spec    *strategy.Spec
	strat   strategy.Strategy
	riskMgr *risk.Manager
	conn    connector.Connector
	gw      *gateway.Gateway
	store   *db.Database
	bus     *events.Bus

	dayStartEquity float64
	currentDay     string

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRunner(runID string, spec *strategy.Spec, strat strategy.Strategy, conn connector.Connector,
	gw *gateway.Gateway, store *db.Database, bus *events.Bus) *Runner {
	return &Runner{
		runID:   runID,
		spec:    spec,
		strat:   strat,
		riskMgr: risk.NewManager(spec.Risk),
		conn:    conn,
		gw:      gw,
		store:   store,
		bus:     bus,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Stop requests a graceful stop. The worker finishes the bar in flight.
func (r *Runner) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Done is closed when the worker has fully wound down.
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

// run is the worker loop. It preloads the warm-up window, subscribes to
// closed bars and evaluates until stopped or the stream ends.
func (r *Runner) run(ctx context.Context, onExit func(state string)) {
	defer close(r.doneCh)

	state := StateStopped
	defer func() { onExit(state) }()

	window, err := r.preload(ctx)
	if err != nil {
		logger.S().Errorw("run preload failed", "run", r.runID, "error", err)
		state = StateFailed
		return
	}

	bars, cancel, err := r.conn.SubscribeCandles(ctx, r.spec.Symbol, r.spec.Timeframe)
	if err != nil {
		logger.S().Errorw("candle subscription failed", "run", r.runID, "error", err)
		state = StateFailed
		return
	}
	defer cancel()

	r.publishState(StateRunning)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.publishState(StateStopping)
			return
		case bar, ok := <-bars:
			if !ok {
				logger.S().Warnw("candle stream closed", "run", r.runID)
				state = StateFailed
				return
			}
			window = appendWindow(window, bar)
			if err := r.onBar(ctx, window, bar); err != nil {
				logger.S().Errorw("bar evaluation failed", "run", r.runID, "error", err)
			}
		}
	}
}

func (r *Runner) preload(ctx context.Context) ([]connector.Candle, error) {
	per, err := timeframeDuration(r.spec.Timeframe)
	if err != nil {
		return nil, err
	}
	need := r.strat.Warmup() + 2
	to := time.Now().UTC()
	from := to.Add(-time.Duration(need*3) * per)
	candles, err := r.conn.HistoricalCandles(ctx, r.spec.Symbol, r.spec.Timeframe, from, to)
	if err != nil {
		if connector.IsUnsupported(err) {
			logger.S().Warnw("history unsupported, warming up from live bars", "run", r.runID)
			return nil, nil
		}
		return nil, err
	}
	return candles, nil
}

func (r *Runner) onBar(ctx context.Context, window []connector.Candle, bar connector.Candle) error {
	frame, err := strategy.BuildFrame(window, r.strat.Indicators())
	if err != nil {
		return err
	}
	actions, err := r.strat.OnBarClose(frame)
	if err != nil {
		return err
	}
	for i, action := range actions {
		r.submit(ctx, action, bar, i)
	}
	return nil
}

// submit applies the entry-side filters and gates, sizes OPEN actions and
// hands the intent to the gateway. The correlation id is derived from the
// bar so a re-delivered bar maps onto the same idempotency key.
func (r *Runner) submit(ctx context.Context, action strategy.Action, bar connector.Candle, idx int) {
	if action.Type == strategy.ActionOpen && !r.entryAllowed(ctx, bar) {
		return
	}

	volume := action.Volume
	if action.Type == strategy.ActionOpen && volume <= 0 {
		volume = r.sizeEntry(ctx, action, bar)
		if volume <= 0 {
			logger.S().Warnw("entry skipped, sized to zero", "run", r.runID, "symbol", action.Symbol)
			return
		}
	}

	correlation := fmt.Sprintf("%s|%d|%s|%s|%d",
		r.runID, bar.OpenTime.Unix(), action.Type, action.Side, idx)

	res, err := r.gw.Execute(ctx, r.conn, gateway.Intent{
		RunID:         r.runID,
		CorrelationID: correlation,
		Action:        action.Type,
		Symbol:        action.Symbol,
		Side:          action.Side,
		Volume:        volume,
		StopLoss:      action.StopLoss,
		TakeProfit:    action.TakeProfit,
		Reason:        action.Reason,
	})
	if err != nil {
		logger.S().Errorw("intent submission failed", "run", r.runID, "error", err)
		return
	}
	logger.S().Infow("intent finished",
		"run", r.runID, "action", action.Type, "side", action.Side,
		"outcome", res.Outcome, "reason", res.Reason)
}

func (r *Runner) entryAllowed(ctx context.Context, bar connector.Candle) bool {
	if !r.spec.Filters.AllowsEntry(bar.OpenTime) {
		return false
	}
	open, err := r.store.ListOpenPositionsByRun(ctx, r.runID)
	if err != nil {
		logger.S().Errorw("open position lookup failed", "run", r.runID, "error", err)
		return false
	}
	equity := r.equity(ctx)
	decision := r.riskMgr.EvaluateEntry(len(open), r.rollDay(bar.OpenTime, equity), equity)
	if !decision.Allowed {
		logger.S().Infow("entry blocked", "run", r.runID, "reason", decision.Reason)
		if r.bus != nil {
			r.bus.Publish(events.EventRiskAlert, events.IntentUpdate{
				RunID: r.runID, Symbol: r.spec.Symbol, Reason: decision.Reason,
				At: time.Now().UTC(),
			})
		}
	}
	return decision.Allowed
}

// rollDay records the equity at the first bar of each UTC day. The
// daily-loss gate measures drawdown against the day open, never against
// the current equity itself.
func (r *Runner) rollDay(at time.Time, equity float64) float64 {
	if day := at.UTC().Format("2006-01-02"); day != r.currentDay {
		r.currentDay = day
		r.dayStartEquity = equity
	}
	return r.dayStartEquity
}

func (r *Runner) sizeEntry(ctx context.Context, action strategy.Action, bar connector.Candle) float64 {
	sym, err := r.conn.SymbolInfo(ctx, action.Symbol)
	if err != nil {
		logger.S().Warnw("symbol info unavailable for sizing", "run", r.runID, "error", err)
	}
	stopDistance := math.Abs(bar.Close - action.StopLoss)
	return r.riskMgr.Size(r.equity(ctx), stopDistance, sym)
}

func (r *Runner) equity(ctx context.Context) float64 {
	info, err := r.conn.AccountInfo(ctx)
	if err != nil {
		logger.S().Warnw("account info unavailable", "run", r.runID, "error", err)
		return 0
	}
	return info.Equity
}

func (r *Runner) publishState(state string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.EventRunStateChange, events.RunStateUpdate{
		RunID: r.runID, State: state, At: time.Now().UTC(),
	})
}

func appendWindow(window []connector.Candle, bar connector.Candle) []connector.Candle {
	window = append(window, bar)
	if len(window) > maxWindow {
		window = window[len(window)-maxWindow:]
	}
	return window
}

// timeframeDuration parses bar sizes like 1m, 15m, 4h, 1d.
func timeframeDuration(tf string) (time.Duration, error) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if tf == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	unit := tf[len(tf)-1]
	var n int
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}
