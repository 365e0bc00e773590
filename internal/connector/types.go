package connector

import "time"

// Side denotes trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind denotes basic order types.
type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
	OrderStop   OrderKind = "STOP"
)

// OrderStatus normalizes broker order state into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// AccountInfo is the canonical account snapshot.
type AccountInfo struct {
	AccountID  string
	Currency   string
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
}

// SymbolInfo carries the contract parameters needed for sizing and rounding.
type SymbolInfo struct {
	Name         string
	Digits       int
	TickSize     float64
	TickValue    float64 // account-currency value of one tick for one lot
	MinLot       float64
	MaxLot       float64
	LotStep      float64
	ContractSize float64
}

// TradeRequest captures a canonical order to be sent to a broker.
type TradeRequest struct {
	Symbol     string
	Side       Side
	Kind       OrderKind
	Volume     float64 // lots
	Price      float64 // required for LIMIT/STOP
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
	Label      string  // run scoping tag carried to the broker where supported
	ClientID   string  // idempotent client order id
}

// TradeResult is the broker ack for a dispatched request.
type TradeResult struct {
	OrderID        string
	PositionID     string
	Status         OrderStatus
	ExecutedVolume float64
	ExecutedPrice  float64
	ClientID       string
}

// PositionInfo is the canonical open-position snapshot.
type PositionInfo struct {
	ID         string
	Symbol     string
	Side       Side
	Volume     float64
	OpenPrice  float64
	OpenTime   time.Time
	StopLoss   float64
	TakeProfit float64
	Profit     float64 // unrealized, account currency
	Label      string
}

// PriceTick is a single bid/ask quote.
type PriceTick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Mid returns the quote midpoint.
func (t PriceTick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Candle is one OHLCV bar for a symbol and timeframe.
type Candle struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
