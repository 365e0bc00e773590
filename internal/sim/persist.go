package sim

import (
	"context"
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// Persist writes a completed result into the backtest tables: run summary,
// equity curve and trade journal.
func Persist(ctx context.Context, store *db.Database, strategyName string, res *Result, from, to time.Time) error {
	run := db.BacktestRun{
		ID:             res.RunID,
		StrategyName:   strategyName,
		Symbol:         res.Symbol,
		Timeframe:      res.Timeframe,
		FromTime:       from,
		ToTime:         to,
		InitialBalance: res.InitialBalance,
		Status:         db.RunStateRunning,
	}
	if err := store.CreateBacktestRun(ctx, run); err != nil {
		return err
	}

	if err := store.InsertEquityPoints(ctx, res.Equity); err != nil {
		return err
	}
	for _, t := range res.Trades {
		if err := store.InsertBacktestTrade(ctx, db.BacktestTrade{
			ID:                 t.ID,
			RunID:              res.RunID,
			Symbol:             t.Symbol,
			Side:               string(t.Side),
			Volume:             t.Volume,
			OpenTime:           t.OpenTime,
			OpenPrice:          t.OpenPrice,
			IntendedOpenPrice:  t.IntendedOpenPrice,
			CloseTime:          t.CloseTime,
			ClosePrice:         t.ClosePrice,
			IntendedClosePrice: t.IntendedClosePrice,
			StopLoss:           t.StopLoss,
			TakeProfit:         t.TakeProfit,
			Commission:         t.Commission,
			PnL:                t.PnL,
			CloseReason:        t.CloseReason,
		}); err != nil {
			return err
		}
	}

	run.Status = db.RunStateCompleted
	run.FinalBalance = res.FinalBalance
	run.FinalEquity = res.FinalEquity
	run.TotalTrades = res.TotalTrades
	run.WinningTrades = res.WinningTrades
	run.MaxDrawdownPct = res.MaxDrawdownPct
	if err := store.CompleteBacktestRun(ctx, run); err != nil {
		return err
	}
	logger.S().Infow("backtest persisted",
		"run", res.RunID, "trades", res.TotalTrades, "final_balance", res.FinalBalance)
	return nil
}
