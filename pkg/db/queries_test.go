package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestLiveRunLifecycle(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	run := LiveRun{
		ID:           "run-1",
		StrategyName: "sma-cross",
		StrategyType: "sectioned",
		Symbol:       "EURUSD",
		Timeframe:    "1h",
		BrokerType:   "paper",
		AccountID:    "acct-1",
		State:        RunStateRunning,
		Spec:         "name: sma-cross",
	}
	require.NoError(t, d.CreateLiveRun(ctx, run))

	got, err := d.GetLiveRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sma-cross", got.StrategyName)
	assert.Equal(t, RunStateRunning, got.State)

	require.NoError(t, d.UpdateRunState(ctx, "run-1", RunStateStopped))
	got, err = d.GetLiveRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateStopped, got.State)

	runs, err := d.ListLiveRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = d.GetLiveRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.UpdateRunState(ctx, "missing", RunStateStopped), ErrNotFound)
}

func TestIntentIdempotencyKeyUnique(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	in := ExecutionIntent{
		ID:             "i-1",
		IdempotencyKey: "key-1",
		RunID:          "run-1",
		Symbol:         "EURUSD",
		Side:           "BUY",
		Action:         "OPEN",
		Volume:         0.5,
		Outcome:        "PENDING",
	}
	require.NoError(t, d.CreateIntent(ctx, in))

	dup := in
	dup.ID = "i-2"
	err := d.CreateIntent(ctx, dup)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "UNIQUE"), "want unique violation, got %v", err)
}

func TestIntentOutcomeRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	in := ExecutionIntent{
		ID:             "i-1",
		IdempotencyKey: "key-1",
		RunID:          "run-1",
		CorrelationID:  "corr-1",
		Symbol:         "EURUSD",
		Side:           "BUY",
		Action:         "OPEN",
		Volume:         0.5,
		StopLoss:       99,
		Outcome:        "PENDING",
	}
	require.NoError(t, d.CreateIntent(ctx, in))

	in.Outcome = "EXECUTED"
	in.OrderID = "o-1"
	in.PositionID = "p-1"
	in.ExecutedVolume = 0.5
	in.ExecutedPrice = 100.25
	require.NoError(t, d.UpdateIntentOutcome(ctx, in))

	got, err := d.GetIntentByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "EXECUTED", got.Outcome)
	assert.Equal(t, "o-1", got.OrderID)
	assert.Equal(t, 100.25, got.ExecutedPrice)
	assert.Equal(t, "corr-1", got.CorrelationID)

	_, err = d.GetIntentByKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := d.ListIntentsByRun(ctx, "run-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOrders(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	require.NoError(t, d.CreateOrder(ctx, Order{
		ID:     "o-1",
		RunID:  "run-1",
		Symbol: "EURUSD",
		Side:   "BUY",
		Kind:   "MARKET",
		Volume: 0.5,
		Status: "NEW",
	}))
	require.NoError(t, d.UpdateOrderFill(ctx, "o-1", "FILLED", 0.5, 100.5))

	orders, err := d.ListOrdersByRun(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "FILLED", orders[0].Status)
	assert.Equal(t, 0.5, orders[0].FilledVolume)
	assert.Equal(t, 100.5, orders[0].Price)
}

func TestPositionLifecycle(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, d.CreatePosition(ctx, Position{
		ID:               "p-1",
		RunID:            "run-1",
		BrokerPositionID: "bp-1",
		Symbol:           "EURUSD",
		Side:             "BUY",
		Volume:           1.0,
		OpenPrice:        100,
		OpenTime:         now,
		StopLoss:         99,
		Status:           "OPEN",
	}))

	t.Run("reduce keeps row open", func(t *testing.T) {
		require.NoError(t, d.ReducePositionRow(ctx, "p-1", 0.6, 12.5))
		open, err := d.ListOpenPositionsByRun(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, 0.6, open[0].Volume)
		assert.Equal(t, 12.5, open[0].RealizedPnL)
	})

	t.Run("protection update", func(t *testing.T) {
		require.NoError(t, d.UpdateProtection(ctx, "p-1", 98.5, 0))
		open, err := d.ListOpenPositionsByRun(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, 98.5, open[0].StopLoss)
	})

	t.Run("close removes from open set", func(t *testing.T) {
		require.NoError(t, d.ClosePositionRow(ctx, "p-1", 102, now.Add(time.Hour), 20, "EXIT_LONG"))
		open, err := d.ListOpenPositionsByRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, open)

		// Closing again is a no-op conflict.
		assert.ErrorIs(t, d.ClosePositionRow(ctx, "p-1", 103, now, 0, "AGAIN"), ErrNotFound)
		assert.ErrorIs(t, d.ReducePositionRow(ctx, "p-1", 0.1, 0), ErrNotFound)
		assert.ErrorIs(t, d.UpdateProtection(ctx, "p-1", 97, 0), ErrNotFound)
	})
}

func TestOpenPositionsOrderedOldestFirst(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"p-c", "p-a", "p-b"} {
		offsets := []int{2, 0, 1}
		require.NoError(t, d.CreatePosition(ctx, Position{
			ID:       id,
			RunID:    "run-1",
			Symbol:   "EURUSD",
			Side:     "BUY",
			Volume:   0.1,
			OpenTime: base.Add(time.Duration(offsets[i]) * time.Minute),
			Status:   "OPEN",
		}))
	}

	open, err := d.ListOpenPositionsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "p-a", open[0].ID)
	assert.Equal(t, "p-b", open[1].ID)
	assert.Equal(t, "p-c", open[2].ID)
}

func TestBacktestRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 3, 0)

	run := BacktestRun{
		ID:             "bt-1",
		StrategyName:   "sma-cross",
		Symbol:         "EURUSD",
		Timeframe:      "1h",
		FromTime:       from,
		ToTime:         to,
		InitialBalance: 10000,
		Status:         "RUNNING",
	}
	require.NoError(t, d.CreateBacktestRun(ctx, run))

	run.Status = "COMPLETED"
	run.FinalBalance = 11250
	run.FinalEquity = 11250
	run.TotalTrades = 14
	run.WinningTrades = 8
	run.MaxDrawdownPct = 6.2
	require.NoError(t, d.CompleteBacktestRun(ctx, run))

	got, err := d.GetBacktestRun(ctx, "bt-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.Equal(t, 11250.0, got.FinalBalance)
	assert.Equal(t, 14, got.TotalTrades)

	require.NoError(t, d.InsertEquityPoints(ctx, []EquityPoint{
		{RunID: "bt-1", BarTime: from, Balance: 10000, Equity: 10000},
		{RunID: "bt-1", BarTime: from.Add(time.Hour), Balance: 10050, Equity: 10060},
	}))

	require.NoError(t, d.InsertBacktestTrade(ctx, BacktestTrade{
		ID:        "tr-1",
		RunID:     "bt-1",
		Symbol:    "EURUSD",
		Side:      "BUY",
		Volume:    0.5,
		OpenTime:  from,
		OpenPrice: 100,
		CloseTime: from.Add(2 * time.Hour),
		ClosePrice: 101,
		PnL:       50,
		CloseReason: "TAKE_PROFIT",
	}))

	trades, err := d.ListBacktestTrades(ctx, "bt-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "TAKE_PROFIT", trades[0].CloseReason)
	assert.Equal(t, 50.0, trades[0].PnL)
}
