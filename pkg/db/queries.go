package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Live runs
// ----------------------------------------

// CreateLiveRun inserts a run row in its initial state.
func (d *Database) CreateLiveRun(ctx context.Context, r LiveRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO live_runs (id, strategy_name, strategy_type, symbol, timeframe,
			broker_type, account_id, state, spec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StrategyName, r.StrategyType, r.Symbol, r.Timeframe,
		r.BrokerType, r.AccountID, r.State, r.Spec)
	if err != nil {
		return fmt.Errorf("insert live run: %w", err)
	}
	return nil
}

// UpdateRunState transitions a run row.
func (d *Database) UpdateRunState(ctx context.Context, id, state string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE live_runs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, id)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLiveRun fetches one run row.
func (d *Database) GetLiveRun(ctx context.Context, id string) (*LiveRun, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_name, strategy_type, symbol, timeframe,
			broker_type, account_id, state, spec, created_at, updated_at
		FROM live_runs WHERE id = ?
	`, id)
	var r LiveRun
	err := row.Scan(&r.ID, &r.StrategyName, &r.StrategyType, &r.Symbol, &r.Timeframe,
		&r.BrokerType, &r.AccountID, &r.State, &r.Spec, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get live run: %w", err)
	}
	return &r, nil
}

// ListLiveRuns returns all run rows, newest first.
func (d *Database) ListLiveRuns(ctx context.Context) ([]LiveRun, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_name, strategy_type, symbol, timeframe,
			broker_type, account_id, state, spec, created_at, updated_at
		FROM live_runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list live runs: %w", err)
	}
	defer rows.Close()

	var out []LiveRun
	for rows.Next() {
		var r LiveRun
		if err := rows.Scan(&r.ID, &r.StrategyName, &r.StrategyType, &r.Symbol, &r.Timeframe,
			&r.BrokerType, &r.AccountID, &r.State, &r.Spec, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan live run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Execution intents
// ----------------------------------------

// CreateIntent inserts the audit row for a new intent. A duplicate
// idempotency key violates the unique index and surfaces as an error.
func (d *Database) CreateIntent(ctx context.Context, in ExecutionIntent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO execution_intents (id, idempotency_key, run_id, correlation_id,
			symbol, side, action, volume, stop_loss, take_profit, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.IdempotencyKey, in.RunID, in.CorrelationID,
		in.Symbol, in.Side, in.Action, in.Volume, in.StopLoss, in.TakeProfit,
		in.Outcome, in.Reason)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// GetIntentByKey looks up the intent persisted under an idempotency key.
func (d *Database) GetIntentByKey(ctx context.Context, key string) (*ExecutionIntent, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, idempotency_key, run_id, COALESCE(correlation_id, ''),
			symbol, side, action, volume, stop_loss, take_profit,
			outcome, COALESCE(reason, ''), COALESCE(order_id, ''), COALESCE(position_id, ''),
			executed_volume, executed_price, created_at, updated_at
		FROM execution_intents WHERE idempotency_key = ?
	`, key)
	var in ExecutionIntent
	err := row.Scan(&in.ID, &in.IdempotencyKey, &in.RunID, &in.CorrelationID,
		&in.Symbol, &in.Side, &in.Action, &in.Volume, &in.StopLoss, &in.TakeProfit,
		&in.Outcome, &in.Reason, &in.OrderID, &in.PositionID,
		&in.ExecutedVolume, &in.ExecutedPrice, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return &in, nil
}

// UpdateIntentOutcome records the terminal outcome of an intent.
func (d *Database) UpdateIntentOutcome(ctx context.Context, in ExecutionIntent) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE execution_intents
		SET outcome = ?, reason = ?, order_id = ?, position_id = ?,
			executed_volume = ?, executed_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, in.Outcome, in.Reason, in.OrderID, in.PositionID,
		in.ExecutedVolume, in.ExecutedPrice, in.ID)
	if err != nil {
		return fmt.Errorf("update intent outcome: %w", err)
	}
	return nil
}

// ListIntentsByRun returns recent intents for a run, newest first.
func (d *Database) ListIntentsByRun(ctx context.Context, runID string, limit int) ([]ExecutionIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, idempotency_key, run_id, COALESCE(correlation_id, ''),
			symbol, side, action, volume, stop_loss, take_profit,
			outcome, COALESCE(reason, ''), COALESCE(order_id, ''), COALESCE(position_id, ''),
			executed_volume, executed_price, created_at, updated_at
		FROM execution_intents WHERE run_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []ExecutionIntent
	for rows.Next() {
		var in ExecutionIntent
		if err := rows.Scan(&in.ID, &in.IdempotencyKey, &in.RunID, &in.CorrelationID,
			&in.Symbol, &in.Side, &in.Action, &in.Volume, &in.StopLoss, &in.TakeProfit,
			&in.Outcome, &in.Reason, &in.OrderID, &in.PositionID,
			&in.ExecutedVolume, &in.ExecutedPrice, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Orders
// ----------------------------------------

// CreateOrder inserts a dispatched order.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, intent_id, run_id, symbol, side, kind,
			volume, filled_volume, price, status, broker_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.IntentID, o.RunID, o.Symbol, o.Side, o.Kind,
		o.Volume, o.FilledVolume, o.Price, o.Status, o.BrokerOrderID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderFill records fill progress on an order.
func (d *Database) UpdateOrderFill(ctx context.Context, id, status string, filledVolume, price float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_volume = ?, price = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledVolume, price, id)
	if err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}
	return nil
}

// ListOrdersByRun returns orders for one run, newest first.
func (d *Database) ListOrdersByRun(ctx context.Context, runID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(intent_id, ''), COALESCE(run_id, ''), symbol, side, kind,
			volume, filled_volume, price, status, COALESCE(broker_order_id, ''),
			created_at, updated_at
		FROM orders WHERE run_id = ? ORDER BY created_at DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.IntentID, &o.RunID, &o.Symbol, &o.Side, &o.Kind,
			&o.Volume, &o.FilledVolume, &o.Price, &o.Status, &o.BrokerOrderID,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Positions
// ----------------------------------------

// CreatePosition inserts an open position.
func (d *Database) CreatePosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (id, run_id, broker_position_id, symbol, side, volume,
			open_price, open_time, stop_loss, take_profit, commission, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RunID, p.BrokerPositionID, p.Symbol, p.Side, p.Volume,
		p.OpenPrice, p.OpenTime, p.StopLoss, p.TakeProfit, p.Commission, p.Status)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// ClosePositionRow marks a position closed with its realized result.
func (d *Database) ClosePositionRow(ctx context.Context, id string, closePrice float64, closeTime time.Time, pnl float64, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET status = 'CLOSED', close_price = ?, close_time = ?,
			realized_pnl = ?, close_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, closePrice, closeTime, pnl, reason, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReducePositionRow shrinks an open position and accumulates the realized
// part of its PnL.
func (d *Database) ReducePositionRow(ctx context.Context, id string, newVolume, realizedDelta float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET volume = ?, realized_pnl = realized_pnl + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, newVolume, realizedDelta, id)
	if err != nil {
		return fmt.Errorf("reduce position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProtection sets the protective prices on an open position. Zero
// keeps the stored value.
func (d *Database) UpdateProtection(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET
			stop_loss = CASE WHEN ? > 0 THEN ? ELSE stop_loss END,
			take_profit = CASE WHEN ? > 0 THEN ? ELSE take_profit END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, stopLoss, stopLoss, takeProfit, takeProfit, id)
	if err != nil {
		return fmt.Errorf("update protection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenPositionsByRun returns open positions scoped to one run, oldest
// first so FIFO reductions walk them in order.
func (d *Database) ListOpenPositionsByRun(ctx context.Context, runID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(run_id, ''), COALESCE(broker_position_id, ''), symbol, side,
			volume, open_price, open_time, close_price, COALESCE(close_time, open_time),
			stop_loss, take_profit, commission, realized_pnl, status,
			COALESCE(close_reason, ''), created_at, updated_at
		FROM positions WHERE run_id = ? AND status = 'OPEN'
		ORDER BY open_time ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.RunID, &p.BrokerPositionID, &p.Symbol, &p.Side,
			&p.Volume, &p.OpenPrice, &p.OpenTime, &p.ClosePrice, &p.CloseTime,
			&p.StopLoss, &p.TakeProfit, &p.Commission, &p.RealizedPnL, &p.Status,
			&p.CloseReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Backtests
// ----------------------------------------

// CreateBacktestRun inserts the run row before the simulation starts.
func (d *Database) CreateBacktestRun(ctx context.Context, r BacktestRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO backtest_runs (id, strategy_name, symbol, timeframe,
			from_time, to_time, initial_balance, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StrategyName, r.Symbol, r.Timeframe,
		r.FromTime, r.ToTime, r.InitialBalance, r.Status)
	if err != nil {
		return fmt.Errorf("insert backtest run: %w", err)
	}
	return nil
}

// CompleteBacktestRun flips the run row to its terminal state with the
// summary numbers.
func (d *Database) CompleteBacktestRun(ctx context.Context, r BacktestRun) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE backtest_runs SET status = ?, final_balance = ?, final_equity = ?,
			total_trades = ?, winning_trades = ?, max_drawdown_pct = ?,
			completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, r.Status, r.FinalBalance, r.FinalEquity,
		r.TotalTrades, r.WinningTrades, r.MaxDrawdownPct, r.ID)
	if err != nil {
		return fmt.Errorf("complete backtest run: %w", err)
	}
	return nil
}

// GetBacktestRun fetches one backtest summary row.
func (d *Database) GetBacktestRun(ctx context.Context, id string) (*BacktestRun, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_name, symbol, timeframe, from_time, to_time,
			initial_balance, final_balance, final_equity, total_trades,
			winning_trades, max_drawdown_pct, status, created_at,
			COALESCE(completed_at, created_at)
		FROM backtest_runs WHERE id = ?
	`, id)
	var r BacktestRun
	err := row.Scan(&r.ID, &r.StrategyName, &r.Symbol, &r.Timeframe, &r.FromTime, &r.ToTime,
		&r.InitialBalance, &r.FinalBalance, &r.FinalEquity, &r.TotalTrades,
		&r.WinningTrades, &r.MaxDrawdownPct, &r.Status, &r.CreatedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backtest run: %w", err)
	}
	return &r, nil
}

// InsertEquityPoints appends equity curve rows in one transaction.
func (d *Database) InsertEquityPoints(ctx context.Context, points []EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin equity insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO backtest_equity (run_id, bar_time, balance, equity)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare equity insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.RunID, p.BarTime, p.Balance, p.Equity); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert equity point: %w", err)
		}
	}
	return tx.Commit()
}

// InsertBacktestTrade appends one closed simulated trade.
func (d *Database) InsertBacktestTrade(ctx context.Context, t BacktestTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO backtest_trades (id, run_id, symbol, side, volume,
			open_time, open_price, intended_open_price,
			close_time, close_price, intended_close_price,
			stop_loss, take_profit, commission, pnl, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.RunID, t.Symbol, t.Side, t.Volume,
		t.OpenTime, t.OpenPrice, t.IntendedOpenPrice,
		t.CloseTime, t.ClosePrice, t.IntendedClosePrice,
		t.StopLoss, t.TakeProfit, t.Commission, t.PnL, t.CloseReason)
	if err != nil {
		return fmt.Errorf("insert backtest trade: %w", err)
	}
	return nil
}

// ListBacktestTrades returns a run's trades in open-time order.
func (d *Database) ListBacktestTrades(ctx context.Context, runID string) ([]BacktestTrade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, run_id, symbol, side, volume,
			open_time, open_price, intended_open_price,
			COALESCE(close_time, open_time), close_price, intended_close_price,
			stop_loss, take_profit, commission, pnl, COALESCE(close_reason, '')
		FROM backtest_trades WHERE run_id = ? ORDER BY open_time ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list backtest trades: %w", err)
	}
	defer rows.Close()

	var out []BacktestTrade
	for rows.Next() {
		var t BacktestTrade
		if err := rows.Scan(&t.ID, &t.RunID, &t.Symbol, &t.Side, &t.Volume,
			&t.OpenTime, &t.OpenPrice, &t.IntendedOpenPrice,
			&t.CloseTime, &t.ClosePrice, &t.IntendedClosePrice,
			&t.StopLoss, &t.TakeProfit, &t.Commission, &t.PnL, &t.CloseReason); err != nil {
			return nil, fmt.Errorf("scan backtest trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
