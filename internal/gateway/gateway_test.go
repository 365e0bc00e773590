package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/connector"
	"execution-core/internal/coordinator"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
)

// fakeConn is a scriptable broker for pipeline tests.
type fakeConn struct {
	mu        sync.Mutex
	placeAck  connector.TradeResult
	placeErr  error
	closeAck  connector.TradeResult
	closeErr  error
	modifyErr []error
	sym       connector.SymbolInfo

	placed   []connector.TradeRequest
	closed   []closedCall
	modified int
}

type closedCall struct {
	positionID string
	volume     float64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		placeAck: connector.TradeResult{
			OrderID:        "bo-1",
			PositionID:     "bp-1",
			Status:         connector.StatusFilled,
			ExecutedVolume: 0.5,
			ExecutedPrice:  100.5,
		},
		closeAck: connector.TradeResult{
			OrderID:       "bo-2",
			Status:        connector.StatusFilled,
			ExecutedPrice: 101.0,
		},
		sym: connector.SymbolInfo{
			Name:      "EURUSD",
			TickSize:  0.0001,
			TickValue: 1,
			MinLot:    0.01,
			MaxLot:    100,
			LotStep:   0.01,
		},
	}
}

func (f *fakeConn) Name() string                       { return "fake" }
func (f *fakeConn) Connect(context.Context) error      { return nil }
func (f *fakeConn) Disconnect(context.Context) error   { return nil }
func (f *fakeConn) Connected() bool                    { return true }
func (f *fakeConn) Supports(connector.Capability) bool { return true }

func (f *fakeConn) AccountInfo(context.Context) (connector.AccountInfo, error) {
	return connector.AccountInfo{Balance: 10000, Equity: 10000}, nil
}

func (f *fakeConn) SymbolInfo(context.Context, string) (connector.SymbolInfo, error) {
	return f.sym, nil
}

func (f *fakeConn) OpenPositions(context.Context) ([]connector.PositionInfo, error) {
	return nil, nil
}

func (f *fakeConn) PlaceOrder(_ context.Context, req connector.TradeRequest) (connector.TradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return connector.TradeResult{}, f.placeErr
	}
	ack := f.placeAck
	if ack.ExecutedVolume == 0 {
		ack.ExecutedVolume = req.Volume
	}
	return ack, nil
}

func (f *fakeConn) ClosePosition(_ context.Context, positionID string, volume float64) (connector.TradeResult, error) {
	if f.closeErr != nil {
		return connector.TradeResult{}, f.closeErr
	}
	f.closed = append(f.closed, closedCall{positionID: positionID, volume: volume})
	return f.closeAck, nil
}

func (f *fakeConn) ModifyPosition(context.Context, string, float64, float64) error {
	f.modified++
	if len(f.modifyErr) > 0 {
		err := f.modifyErr[0]
		f.modifyErr = f.modifyErr[1:]
		return err
	}
	return nil
}

func (f *fakeConn) CancelOrder(context.Context, string) error { return nil }

func (f *fakeConn) LivePrice(context.Context, string) (connector.PriceTick, error) {
	return connector.PriceTick{}, nil
}

func (f *fakeConn) HistoricalCandles(context.Context, string, string, time.Time, time.Time) ([]connector.Candle, error) {
	return nil, nil
}

func (f *fakeConn) SubscribePrices(context.Context, string) (<-chan connector.PriceTick, func(), error) {
	return nil, nil, nil
}

func (f *fakeConn) SubscribeCandles(context.Context, string, string) (<-chan connector.Candle, func(), error) {
	return nil, nil, nil
}

type fixture struct {
	gw    *Gateway
	store *db.Database
	coord *coordinator.Coordinator
	conn  *fakeConn
}

func newFixture(t *testing.T, cooldown time.Duration) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	coord := coordinator.New(coordinator.NewMemoryStore(), coordinator.Options{
		LockTTL:  time.Minute,
		Cooldown: cooldown,
	})
	return &fixture{
		gw:    New(database, coord, nil, Options{ReconcileBackoff: time.Millisecond}),
		store: database,
		coord: coord,
		conn:  newFakeConn(),
	}
}

func openIntent(correlation string) Intent {
	return Intent{
		RunID:         "run-1",
		CorrelationID: correlation,
		Action:        strategy.ActionOpen,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
		Volume:        0.5,
		StopLoss:      99.0,
	}
}

func TestExecuteOpen(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	res, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 0.5, res.ExecutedVolume)
	assert.Equal(t, 100.5, res.ExecutedPrice)
	assert.False(t, res.Duplicate)
	require.Len(t, fx.conn.placed, 1)
	assert.Equal(t, "run-1", fx.conn.placed[0].Label)
	assert.Equal(t, res.IdempotencyKey, fx.conn.placed[0].ClientID)

	positions, err := fx.store.ListOpenPositionsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "bp-1", positions[0].BrokerPositionID)
	assert.Equal(t, 0.5, positions[0].Volume)
}

func TestExecuteDuplicateReplays(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	first, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, first.Outcome)

	second, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, OutcomeExecuted, second.Outcome)
	assert.Equal(t, first.IntentID, second.IntentID)
	assert.Equal(t, first.ExecutedPrice, second.ExecutedPrice)

	// The broker saw exactly one order.
	assert.Len(t, fx.conn.placed, 1)
}

func TestExecuteConcurrentSameKeyPlacesOneOrder(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	const submitters = 8

	results := make([]Result, submitters)
	errs := make([]error, submitters)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
		}(i)
	}
	close(start)
	wg.Wait()

	executed := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Outcome == OutcomeExecuted && !res.Duplicate {
			executed++
			continue
		}
		// Everyone who lost the key claim replays the owner's row: either
		// its terminal outcome or a duplicate skip while it is in flight.
		assert.True(t, res.Duplicate, "result %d: outcome=%s", i, res.Outcome)
	}
	assert.Equal(t, 1, executed)
	assert.Len(t, fx.conn.placed, 1)
}

func TestExecuteSkippedLocked(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	lock, err := fx.coord.AcquireLock(coordinator.Slot{
		RunID: "run-1", Symbol: "EURUSD", Side: connector.SideBuy,
	})
	require.NoError(t, err)
	defer lock.Release()

	res, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLocked, res.Outcome)
	assert.Equal(t, ReasonLockNotAcquired, res.Reason)
	assert.Empty(t, fx.conn.placed)

	// Replaying the same key reports the recorded skip.
	replay, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, OutcomeSkippedLocked, replay.Outcome)
}

func TestExecuteCooldownGuardsOpensOnly(t *testing.T) {
	fx := newFixture(t, time.Minute)
	ctx := context.Background()

	first, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, first.Outcome)

	// A fresh OPEN on the same slot is inside the cooldown window.
	res, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedCooldown, res.Outcome)
	assert.Equal(t, ReasonCooldownActive, res.Reason)
	assert.Len(t, fx.conn.placed, 1)

	// Exits are never cooldown-gated.
	closeRes, err := fx.gw.Execute(ctx, fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-3",
		Action:        strategy.ActionClose,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, closeRes.Outcome)
}

func TestExecuteSkipDoesNotStartCooldown(t *testing.T) {
	fx := newFixture(t, time.Minute)
	ctx := context.Background()

	lock, err := fx.coord.AcquireLock(coordinator.Slot{
		RunID: "run-1", Symbol: "EURUSD", Side: connector.SideBuy,
	})
	require.NoError(t, err)

	res, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSkippedLocked, res.Outcome)
	lock.Release()

	// The skip must not have armed the cooldown.
	res, err = fx.gw.Execute(ctx, fx.conn, openIntent("c-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
}

func TestExecuteValidation(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"missing run", func(in *Intent) { in.RunID = "" }},
		{"missing symbol", func(in *Intent) { in.Symbol = "  " }},
		{"bad side", func(in *Intent) { in.Side = "LONG" }},
		{"unknown action", func(in *Intent) { in.Action = "HEDGE" }},
		{"open without volume", func(in *Intent) { in.Volume = 0 }},
		{"negative volume", func(in *Intent) { in.Volume = -1 }},
		{"stop above buy price", func(in *Intent) { in.Price = 100; in.StopLoss = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := openIntent("c-" + tt.name)
			tt.mutate(&in)
			res, err := fx.gw.Execute(ctx, fx.conn, in)
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.Contains(t, res.Reason, ReasonValidation)
		})
	}
	assert.Empty(t, fx.conn.placed)
}

func TestExecuteModifyProtectionValidation(t *testing.T) {
	fx := newFixture(t, 0)
	res, err := fx.gw.Execute(context.Background(), fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-m",
		Action:        strategy.ActionModifyProtection,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestExecuteVolumeBelowMinimum(t *testing.T) {
	fx := newFixture(t, 0)
	in := openIntent("c-1")
	in.Volume = 0.001

	res, err := fx.gw.Execute(context.Background(), fx.conn, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Empty(t, fx.conn.placed)
}

func TestExecuteBrokerOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		reason  string
	}{
		{
			"rejected order",
			connector.NewError(connector.KindRejected, "fake", "place_order", "insufficient funds", nil),
			OutcomeRejected,
			ReasonBrokerRejected,
		},
		{
			"unsupported operation",
			connector.NewError(connector.KindUnsupported, "fake", "place_order", "pending orders", nil),
			OutcomeRejected,
			ReasonUnsupported,
		},
		{
			"connection failure",
			connector.NewError(connector.KindConnection, "fake", "place_order", "dial tcp", nil),
			OutcomeFailed,
			ReasonBrokerError,
		},
		{
			"foreign error",
			errors.New("boom"),
			OutcomeFailed,
			ReasonBrokerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, 0)
			fx.conn.placeErr = tt.err
			res, err := fx.gw.Execute(context.Background(), fx.conn, openIntent("c-1"))
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Contains(t, res.Reason, tt.reason)
		})
	}
}

func TestExecuteCloseScopedToRun(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	seedPosition(t, fx.store, "p-1", "run-1", "EURUSD", "BUY", 0.5, 100, 1)
	seedPosition(t, fx.store, "p-2", "run-1", "EURUSD", "BUY", 0.3, 101, 2)
	seedPosition(t, fx.store, "p-other", "run-2", "EURUSD", "BUY", 1.0, 100, 1)

	res, err := fx.gw.Execute(ctx, fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-close",
		Action:        strategy.ActionClose,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.InDelta(t, 0.8, res.ExecutedVolume, 1e-9)

	mine, err := fx.store.ListOpenPositionsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, mine)

	theirs, err := fx.store.ListOpenPositionsByRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestExecuteReduceWalksOldestFirst(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	seedPosition(t, fx.store, "p-old", "run-1", "EURUSD", "BUY", 0.5, 100, 1)
	seedPosition(t, fx.store, "p-new", "run-1", "EURUSD", "BUY", 0.5, 101, 2)

	res, err := fx.gw.Execute(ctx, fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-reduce",
		Action:        strategy.ActionReduce,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
		Volume:        0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.InDelta(t, 0.7, res.ExecutedVolume, 1e-9)

	// The oldest position is gone, the newer one is trimmed to 0.3.
	require.Len(t, fx.conn.closed, 2)
	assert.Equal(t, "p-old", fx.conn.closed[0].positionID)
	assert.InDelta(t, 0.5, fx.conn.closed[0].volume, 1e-9)
	assert.Equal(t, "p-new", fx.conn.closed[1].positionID)
	assert.InDelta(t, 0.2, fx.conn.closed[1].volume, 1e-9)

	open, err := fx.store.ListOpenPositionsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p-new", open[0].ID)
	assert.InDelta(t, 0.3, open[0].Volume, 1e-9)
}

func TestExecuteCloseNoTarget(t *testing.T) {
	fx := newFixture(t, 0)
	res, err := fx.gw.Execute(context.Background(), fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-none",
		Action:        strategy.ActionClose,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, ReasonNoTargetPosition, res.Reason)
}

func TestExecuteCloseScopedToPositionID(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	seedPosition(t, fx.store, "p-1", "run-1", "EURUSD", "BUY", 0.5, 100, 1)
	seedPosition(t, fx.store, "p-2", "run-1", "EURUSD", "BUY", 0.5, 100, 2)

	res, err := fx.gw.Execute(ctx, fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-one",
		Action:        strategy.ActionClose,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
		PositionID:    "p-2",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)

	open, err := fx.store.ListOpenPositionsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p-1", open[0].ID)
}

func TestExecuteModifyProtection(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	seedPosition(t, fx.store, "p-1", "run-1", "EURUSD", "BUY", 0.5, 100, 1)

	// One transient connection failure, then success: the retry absorbs it.
	fx.conn.modifyErr = []error{
		connector.NewError(connector.KindConnection, "fake", "modify", "timeout", nil),
	}

	res, err := fx.gw.Execute(ctx, fx.conn, Intent{
		RunID:         "run-1",
		CorrelationID: "c-mod",
		Action:        strategy.ActionModifyProtection,
		Symbol:        "EURUSD",
		Side:          connector.SideBuy,
		StopLoss:      99.5,
		TakeProfit:    103,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 2, fx.conn.modified)

	open, err := fx.store.ListOpenPositionsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 99.5, open[0].StopLoss)
	assert.Equal(t, 103.0, open[0].TakeProfit)
}

func TestExecuteLockReleasedAfterDispatch(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	res, err := fx.gw.Execute(ctx, fx.conn, openIntent("c-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	// The slot is free again for the next intent.
	res, err = fx.gw.Execute(ctx, fx.conn, openIntent("c-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
}

func seedPosition(t *testing.T, store *db.Database, id, runID, symbol, side string, volume, openPrice float64, seq int) {
	t.Helper()
	err := store.CreatePosition(context.Background(), db.Position{
		ID:        id,
		RunID:     runID,
		Symbol:    symbol,
		Side:      side,
		Volume:    volume,
		OpenPrice: openPrice,
		OpenTime:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Status:    "OPEN",
	})
	require.NoError(t, err)
}
