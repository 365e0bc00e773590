package db

import "time"

// LiveRun is one live strategy deployment.
type LiveRun struct {
	ID           string
	StrategyName string
	StrategyType string
	Symbol       string
	Timeframe    string
	BrokerType   string
	AccountID    string
	State        string
	Spec         string // the raw strategy document
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExecutionIntent is the persisted audit row for one submitted intent.
// The idempotency key is unique; replays land on the existing row.
type ExecutionIntent struct {
	ID             string
	IdempotencyKey string
	RunID          string
	CorrelationID  string
	Symbol         string
	Side           string
	Action         string
	Volume         float64
	StopLoss       float64
	TakeProfit     float64
	Outcome        string
	Reason         string
	OrderID        string
	PositionID     string
	ExecutedVolume float64
	ExecutedPrice  float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Order is a dispatched broker order.
type Order struct {
	ID            string
	IntentID      string
	RunID         string
	Symbol        string
	Side          string
	Kind          string
	Volume        float64
	FilledVolume  float64
	Price         float64
	Status        string
	BrokerOrderID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Position is a tracked position, open or closed.
type Position struct {
	ID               string
	RunID            string
	BrokerPositionID string
	Symbol           string
	Side             string
	Volume           float64
	OpenPrice        float64
	OpenTime         time.Time
	ClosePrice       float64
	CloseTime        time.Time
	StopLoss         float64
	TakeProfit       float64
	Commission       float64
	RealizedPnL      float64
	Status           string // OPEN or CLOSED
	CloseReason      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BacktestRun is the summary row for one simulation.
type BacktestRun struct {
	ID             string
	StrategyName   string
	Symbol         string
	Timeframe      string
	FromTime       time.Time
	ToTime         time.Time
	InitialBalance float64
	FinalBalance   float64
	FinalEquity    float64
	TotalTrades    int
	WinningTrades  int
	MaxDrawdownPct float64
	Status         string
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// EquityPoint is one bar of a backtest equity curve.
type EquityPoint struct {
	RunID   string
	BarTime time.Time
	Balance float64
	Equity  float64
}

// BacktestTrade is one closed simulated trade, including the intended
// prices before spread and slippage were applied.
type BacktestTrade struct {
	ID                 string
	RunID              string
	Symbol             string
	Side               string
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

// Run states shared by live runs and backtests.
const (
	RunStatePending   = "PENDING"
	RunStateRunning   = "RUNNING"
	RunStateStopping  = "STOPPING"
	RunStateStopped   = "STOPPED"
	RunStateCompleted = "COMPLETED"
	RunStateFailed    = "FAILED"
)
