package sim

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/connector"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// CloseReasonEnd marks positions force-closed when the data runs out.
const CloseReasonEnd = "END_OF_BACKTEST"

// Config describes one simulation.
type Config struct {
	RunID          string
	InitialBalance float64
	Fill           FillModel
	TieBreak       TieBreak
	Symbol         connector.SymbolInfo
}

// Trade is one closed simulated trade with its intended-vs-filled audit.
type Trade struct {
	ID                 string
	Symbol             string
	Side               connector.Side
	Volume             float64
	OpenTime           time.Time
	OpenPrice          float64
	IntendedOpenPrice  float64
	CloseTime          time.Time
	ClosePrice         float64
	IntendedClosePrice float64
	StopLoss           float64
	TakeProfit         float64
	Commission         float64
	PnL                float64
	CloseReason        string
}

// Result is the outcome of a completed simulation.
type Result struct {
	RunID          string
	Symbol         string
	Timeframe      string
	InitialBalance float64
	FinalBalance   float64
	FinalEquity    float64
	Trades         []Trade
	Equity         []db.EquityPoint
	TotalTrades    int
	WinningTrades  int
	MaxDrawdownPct float64
	ProfitFactor   float64
}

// Engine replays candles through a strategy with the same action
// vocabulary, filters and risk gates the live path uses.
type Engine struct {
	cfg     Config
	spec    *strategy.Spec
	strat   strategy.Strategy
	riskMgr *risk.Manager

	balance        float64
	dayStartEquity float64
	currentDay     string
	open           []*simPosition
	nextID         int
	trades         []Trade
	equity         []db.EquityPoint
	peakEquity     float64
	maxDrawdownPct float64
}

type simPosition struct {
	id                string
	side              connector.Side
	volume            float64
	openTime          time.Time
	openPrice         float64
	intendedOpenPrice float64
	stopLoss          float64
	takeProfit        float64
	commission        float64
	realized          float64
}

// New builds an engine for one strategy document.
func New(cfg Config, spec *strategy.Spec) (*Engine, error) {
	strat, err := strategy.Build(spec)
	if err != nil {
		return nil, err
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakNearestToOpen
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be positive")
	}
	return &Engine{
		cfg:     cfg,
		spec:    spec,
		strat:   strat,
		riskMgr: risk.NewManager(spec.Risk),
	}, nil
}

// Run replays the candle series bar by bar. Indicator columns are computed
// once over the whole series; every evaluation sees only its own prefix,
// so no decision can read the future.
func (e *Engine) Run(ctx context.Context, candles []connector.Candle) (*Result, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles to simulate")
	}

	full, err := strategy.BuildFrame(candles, e.strat.Indicators())
	if err != nil {
		return nil, err
	}

	e.balance = e.cfg.InitialBalance
	e.dayStartEquity = e.cfg.InitialBalance
	e.peakEquity = e.cfg.InitialBalance
	e.currentDay = candles[0].OpenTime.UTC().Format("2006-01-02")

	for i, bar := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if day := bar.OpenTime.UTC().Format("2006-01-02"); day != e.currentDay {
			e.currentDay = day
			e.dayStartEquity = e.equityAt(bar.Open)
		}

		// Protective exits are swept against the bar range before the
		// strategy sees the close.
		e.sweepProtection(bar)

		frame := prefixFrame(full, i+1)
		actions, err := e.strat.OnBarClose(frame)
		if err != nil {
			return nil, fmt.Errorf("bar %d: %w", i, err)
		}
		for _, a := range actions {
			e.apply(a, bar)
		}

		equity := e.equityAt(bar.Close)
		e.equity = append(e.equity, db.EquityPoint{
			RunID:   e.cfg.RunID,
			BarTime: bar.OpenTime,
			Balance: e.balance,
			Equity:  equity,
		})
		if equity > e.peakEquity {
			e.peakEquity = equity
		} else if e.peakEquity > 0 {
			dd := (e.peakEquity - equity) / e.peakEquity * 100
			if dd > e.maxDrawdownPct {
				e.maxDrawdownPct = dd
			}
		}
	}

	// Whatever is still open settles at the last close.
	last := candles[len(candles)-1]
	for len(e.open) > 0 {
		e.closePosition(e.open[0], last.Close, last.OpenTime, 0, CloseReasonEnd)
	}

	return e.result(), nil
}

func (e *Engine) apply(a strategy.Action, bar connector.Candle) {
	switch a.Type {
	case strategy.ActionOpen:
		e.applyOpen(a, bar)
	case strategy.ActionClose:
		for _, p := range e.matching(a.Side) {
			e.closePosition(p, bar.Close, bar.OpenTime, 0, a.Reason)
		}
	case strategy.ActionReduce:
		remaining := a.Volume
		for _, p := range e.matching(a.Side) {
			if remaining <= 0 {
				break
			}
			vol := math.Min(remaining, p.volume)
			e.closePosition(p, bar.Close, bar.OpenTime, vol, a.Reason)
			remaining -= vol
		}
	case strategy.ActionModifyProtection:
		for _, p := range e.matching(a.Side) {
			if a.StopLoss > 0 {
				p.stopLoss = a.StopLoss
			}
			if a.TakeProfit > 0 {
				p.takeProfit = a.TakeProfit
			}
		}
	}
}

// applyOpen runs the entry through the shared filters and gates, then the
// fill model. Exits never pass through here.
func (e *Engine) applyOpen(a strategy.Action, bar connector.Candle) {
	at := bar.OpenTime
	if !e.spec.Filters.AllowsEntry(at) {
		return
	}
	equity := e.equityAt(bar.Close)
	if decision := e.riskMgr.EvaluateEntry(len(e.open), e.dayStartEquity, equity); !decision.Allowed {
		logger.S().Debugw("entry blocked", "run", e.cfg.RunID, "reason", decision.Reason)
		return
	}

	volume := a.Volume
	if volume <= 0 {
		stopDistance := math.Abs(bar.Close - a.StopLoss)
		volume = e.riskMgr.Size(equity, stopDistance, e.cfg.Symbol)
	}
	if volume <= 0 {
		return
	}

	fill := e.cfg.Fill.EntryPrice(a.Side, bar.Close)
	commission := e.cfg.Fill.Commission(volume)
	e.balance -= commission

	e.nextID++
	e.open = append(e.open, &simPosition{
		id:                e.cfg.RunID + "-S" + strconv.Itoa(e.nextID),
		side:              a.Side,
		volume:            volume,
		openTime:          at,
		openPrice:         fill,
		intendedOpenPrice: bar.Close,
		stopLoss:          a.StopLoss,
		takeProfit:        a.TakeProfit,
		commission:        commission,
	})
}

// sweepProtection checks every open position against the bar's range. The
// tie-break policy decides when one bar touches both levels.
func (e *Engine) sweepProtection(bar connector.Candle) {
	for _, p := range append([]*simPosition(nil), e.open...) {
		stopHit := p.stopLoss > 0 && barTouches(bar, p.side, p.stopLoss, true)
		targetHit := p.takeProfit > 0 && barTouches(bar, p.side, p.takeProfit, false)

		switch {
		case stopHit && targetHit:
			level, reason := e.breakTie(bar, p)
			e.closePosition(p, level, bar.OpenTime, 0, reason)
		case stopHit:
			e.closePosition(p, p.stopLoss, bar.OpenTime, 0, "STOP_LOSS")
		case targetHit:
			e.closePosition(p, p.takeProfit, bar.OpenTime, 0, "TAKE_PROFIT")
		}
	}
}

func (e *Engine) breakTie(bar connector.Candle, p *simPosition) (float64, string) {
	switch e.cfg.TieBreak {
	case TieBreakTargetFirst:
		return p.takeProfit, "TAKE_PROFIT"
	case TieBreakNearestToOpen:
		if math.Abs(bar.Open-p.takeProfit) < math.Abs(bar.Open-p.stopLoss) {
			return p.takeProfit, "TAKE_PROFIT"
		}
		return p.stopLoss, "STOP_LOSS"
	default:
		return p.stopLoss, "STOP_LOSS"
	}
}

// closePosition settles volume lots (0 = all) at the intended price run
// through the exit fill model.
func (e *Engine) closePosition(p *simPosition, intended float64, at time.Time, volume float64, reason string) {
	if volume <= 0 || volume > p.volume {
		volume = p.volume
	}
	fill := e.cfg.Fill.ExitPrice(p.side, intended)
	commission := e.cfg.Fill.Commission(volume)
	pnl := risk.PnL(e.cfg.Symbol, p.side, p.openPrice, fill, volume) - commission
	e.balance += pnl

	e.trades = append(e.trades, Trade{
		ID:                 p.id + "-" + strconv.Itoa(len(e.trades)+1),
		Symbol:             e.spec.Symbol,
		Side:               p.side,
		Volume:             volume,
		OpenTime:           p.openTime,
		OpenPrice:          p.openPrice,
		IntendedOpenPrice:  p.intendedOpenPrice,
		CloseTime:          at,
		ClosePrice:         fill,
		IntendedClosePrice: intended,
		StopLoss:           p.stopLoss,
		TakeProfit:         p.takeProfit,
		Commission:         p.commission + commission,
		PnL:                pnl,
		CloseReason:        reason,
	})

	if volume >= p.volume {
		e.remove(p)
	} else {
		p.volume -= volume
		p.realized += pnl
	}
}

func (e *Engine) matching(side connector.Side) []*simPosition {
	var out []*simPosition
	for _, p := range e.open {
		if p.side == side {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) remove(target *simPosition) {
	for i, p := range e.open {
		if p == target {
			e.open = append(e.open[:i], e.open[i+1:]...)
			return
		}
	}
}

func (e *Engine) equityAt(price float64) float64 {
	equity := e.balance
	for _, p := range e.open {
		equity += risk.PnL(e.cfg.Symbol, p.side, p.openPrice, price, p.volume)
	}
	return equity
}

func (e *Engine) result() *Result {
	res := &Result{
		RunID:          e.cfg.RunID,
		Symbol:         e.spec.Symbol,
		Timeframe:      e.spec.Timeframe,
		InitialBalance: e.cfg.InitialBalance,
		FinalBalance:   e.balance,
		FinalEquity:    e.balance,
		Trades:         e.trades,
		Equity:         e.equity,
		TotalTrades:    len(e.trades),
		MaxDrawdownPct: e.maxDrawdownPct,
	}
	var grossProfit, grossLoss float64
	for _, t := range e.trades {
		if t.PnL > 0 {
			res.WinningTrades++
			grossProfit += t.PnL
		} else {
			grossLoss -= t.PnL
		}
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossProfit / grossLoss
	}
	return res
}

// barTouches reports whether the bar's range reached an exit level for
// the given side. Stops sit on the adverse side of the entry, targets on
// the favorable side.
func barTouches(bar connector.Candle, side connector.Side, level float64, isStop bool) bool {
	if side == connector.SideBuy {
		if isStop {
			return bar.Low <= level
		}
		return bar.High >= level
	}
	if isStop {
		return bar.High >= level
	}
	return bar.Low <= level
}

// prefixFrame exposes the first n rows of a fully computed frame.
func prefixFrame(full *strategy.Frame, n int) *strategy.Frame {
	cols := make(map[string][]float64, len(full.Columns))
	for name, series := range full.Columns {
		cols[name] = series[:n]
	}
	return &strategy.Frame{
		Symbol:    full.Symbol,
		Timeframe: full.Timeframe,
		Candles:   full.Candles[:n],
		Columns:   cols,
	}
}
