package connector

import (
	"context"
	"time"
)

// Capability names an optional broker feature. A connector advertises the
// capabilities it implements; everything else must return an
// UNSUPPORTED_OPERATION error instead of failing silently.
type Capability string

const (
	CapMarketOrders     Capability = "MARKET_ORDERS"
	CapPendingOrders    Capability = "PENDING_ORDERS"
	CapModifyProtection Capability = "MODIFY_PROTECTION"
	CapPartialClose     Capability = "PARTIAL_CLOSE"
	CapLivePrices       Capability = "LIVE_PRICES"
	CapStreamingPrices  Capability = "STREAMING_PRICES"
	CapStreamingCandles Capability = "STREAMING_CANDLES"
	CapHistoricalData   Capability = "HISTORICAL_DATA"
)

// Connector abstracts a trading venue behind canonical DTOs. All blocking
// calls honor ctx cancellation.
type Connector interface {
	// Name identifies the broker adapter (e.g. "paper", "cwire").
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// Supports reports whether the adapter implements cap.
	Supports(cap Capability) bool

	AccountInfo(ctx context.Context) (AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	OpenPositions(ctx context.Context) ([]PositionInfo, error)

	// PlaceOrder dispatches a canonical request. The broker ack is mapped
	// into TradeResult; partial acks come back with StatusPartial.
	PlaceOrder(ctx context.Context, req TradeRequest) (TradeResult, error)

	// ClosePosition closes volume lots of the position. Volume <= 0 or
	// volume >= position size closes it fully.
	ClosePosition(ctx context.Context, positionID string, volume float64) (TradeResult, error)

	// ModifyPosition updates protective stops. Zero keeps the current value.
	ModifyPosition(ctx context.Context, positionID string, stopLoss, takeProfit float64) error

	CancelOrder(ctx context.Context, orderID string) error

	LivePrice(ctx context.Context, symbol string) (PriceTick, error)
	HistoricalCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Candle, error)

	// SubscribePrices returns a tick stream and its cancel func. The
	// channel is closed on cancel or disconnect.
	SubscribePrices(ctx context.Context, symbol string) (<-chan PriceTick, func(), error)

	// SubscribeCandles returns a closed-bar stream and its cancel func.
	SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan Candle, func(), error)
}

// HasCapability is a helper for adapters that keep a static capability list.
func HasCapability(caps []Capability, want Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
