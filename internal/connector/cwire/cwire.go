// Package cwire adapts the cwire demo broker gateway to the canonical
// connector interface. The gateway speaks JSON over REST plus websocket
// streams; decimal fields travel as strings.
package cwire

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"execution-core/internal/connector"
)

const brokerName = "cwire"

var capabilities = []connector.Capability{
	connector.CapMarketOrders,
	connector.CapPendingOrders,
	connector.CapModifyProtection,
	connector.CapPartialClose,
	connector.CapLivePrices,
	connector.CapStreamingPrices,
	connector.CapStreamingCandles,
	connector.CapHistoricalData,
}

// Options configures a cwire connection.
type Options struct {
	BaseURL   string
	StreamURL string
	APIKey    string
	APISecret string
}

// Connector talks to one cwire account.
type Connector struct {
	accountID string
	rest      *restClient
	stream    *streamClient
	connected atomic.Bool
}

// New builds a cwire connector for accountID. Connect must be called before
// any trading operation.
func New(accountID string, opts Options) *Connector {
	return &Connector{
		accountID: accountID,
		rest:      newRESTClient(opts.BaseURL, opts.APIKey, opts.APISecret),
		stream:    newStreamClient(opts.StreamURL, opts.APIKey),
	}
}

// Factory returns a connector factory bound to shared gateway options.
func Factory(opts Options) connector.Factory {
	return func(accountID string) (connector.Connector, error) {
		if opts.BaseURL == "" || opts.StreamURL == "" {
			return nil, connector.NewError(connector.KindValidation, brokerName, "factory",
				"base and stream URLs are required", nil)
		}
		return New(accountID, opts), nil
	}
}

func (c *Connector) Name() string { return brokerName }

func (c *Connector) Connect(ctx context.Context) error {
	if err := c.rest.ping(ctx); err != nil {
		return c.mapError("connect", err)
	}
	// A successful authenticated call proves the credentials.
	if _, err := c.rest.account(ctx); err != nil {
		return c.mapError("connect", err)
	}
	c.connected.Store(true)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.connected.Store(false)
	return nil
}

func (c *Connector) Connected() bool { return c.connected.Load() }

func (c *Connector) Supports(cap connector.Capability) bool {
	return connector.HasCapability(capabilities, cap)
}

func (c *Connector) AccountInfo(ctx context.Context) (connector.AccountInfo, error) {
	acc, err := c.rest.account(ctx)
	if err != nil {
		return connector.AccountInfo{}, c.mapError("account_info", err)
	}
	return connector.AccountInfo{
		AccountID:  acc.AccountID,
		Currency:   acc.Currency,
		Balance:    parseWireFloat(acc.Balance),
		Equity:     parseWireFloat(acc.Equity),
		Margin:     parseWireFloat(acc.Margin),
		FreeMargin: parseWireFloat(acc.FreeMargin),
	}, nil
}

func (c *Connector) SymbolInfo(ctx context.Context, symbol string) (connector.SymbolInfo, error) {
	sym, err := c.rest.symbol(ctx, symbol)
	if err != nil {
		return connector.SymbolInfo{}, c.mapError("symbol_info", err)
	}
	return connector.SymbolInfo{
		Name:         sym.Symbol,
		Digits:       sym.Digits,
		TickSize:     parseWireFloat(sym.TickSize),
		TickValue:    parseWireFloat(sym.TickValue),
		MinLot:       parseWireFloat(sym.MinLot),
		MaxLot:       parseWireFloat(sym.MaxLot),
		LotStep:      parseWireFloat(sym.LotStep),
		ContractSize: parseWireFloat(sym.ContractSize),
	}, nil
}

func (c *Connector) OpenPositions(ctx context.Context) ([]connector.PositionInfo, error) {
	rows, err := c.rest.positions(ctx)
	if err != nil {
		return nil, c.mapError("open_positions", err)
	}
	out := make([]connector.PositionInfo, 0, len(rows))
	for _, p := range rows {
		out = append(out, connector.PositionInfo{
			ID:         p.PositionID,
			Symbol:     p.Symbol,
			Side:       directionToSide(p.Direction),
			Volume:     parseWireFloat(p.Volume),
			OpenPrice:  parseWireFloat(p.EntryPrice),
			OpenTime:   time.UnixMilli(p.OpenedAt).UTC(),
			StopLoss:   parseWireFloat(p.StopLoss),
			TakeProfit: parseWireFloat(p.TakeProfit),
			Profit:     parseWireFloat(p.Unrealized),
			Label:      p.Label,
		})
	}
	return out, nil
}

func (c *Connector) PlaceOrder(ctx context.Context, req connector.TradeRequest) (connector.TradeResult, error) {
	wire := wireOrderRequest{
		Symbol:    req.Symbol,
		Direction: sideToDirection(req.Side),
		Type:      kindToWire(req.Kind),
		Volume:    formatWireFloat(req.Volume),
		Label:     req.Label,
		ClientRef: req.ClientID,
	}
	if req.Price > 0 {
		wire.Price = formatWireFloat(req.Price)
	}
	if req.StopLoss > 0 {
		wire.StopLoss = formatWireFloat(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		wire.TakeProfit = formatWireFloat(req.TakeProfit)
	}

	ack, err := c.rest.placeOrder(ctx, wire)
	if err != nil {
		return connector.TradeResult{}, c.mapError("place_order", err)
	}
	return ackToResult(ack), nil
}

func (c *Connector) ClosePosition(ctx context.Context, positionID string, volume float64) (connector.TradeResult, error) {
	var vol string
	if volume > 0 {
		vol = formatWireFloat(volume)
	}
	ack, err := c.rest.closePosition(ctx, positionID, vol)
	if err != nil {
		return connector.TradeResult{}, c.mapError("close_position", err)
	}
	return ackToResult(ack), nil
}

func (c *Connector) ModifyPosition(ctx context.Context, positionID string, stopLoss, takeProfit float64) error {
	var sl, tp string
	if stopLoss > 0 {
		sl = formatWireFloat(stopLoss)
	}
	if takeProfit > 0 {
		tp = formatWireFloat(takeProfit)
	}
	if err := c.rest.modifyProtection(ctx, positionID, sl, tp); err != nil {
		return c.mapError("modify_position", err)
	}
	return nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rest.cancelOrder(ctx, orderID); err != nil {
		return c.mapError("cancel_order", err)
	}
	return nil
}

func (c *Connector) LivePrice(ctx context.Context, symbol string) (connector.PriceTick, error) {
	tick, err := c.rest.price(ctx, symbol)
	if err != nil {
		return connector.PriceTick{}, c.mapError("live_price", err)
	}
	return tickToCanonical(tick), nil
}

func (c *Connector) HistoricalCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]connector.Candle, error) {
	bars, err := c.rest.candles(ctx, symbol, timeframe, from, to)
	if err != nil {
		return nil, c.mapError("historical_candles", err)
	}
	out := make([]connector.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, candleToCanonical(b))
	}
	return out, nil
}

func (c *Connector) SubscribePrices(ctx context.Context, symbol string) (<-chan connector.PriceTick, func(), error) {
	src, stop, err := c.stream.subscribeTicks(ctx, symbol)
	if err != nil {
		return nil, nil, c.mapError("subscribe_prices", err)
	}
	out := make(chan connector.PriceTick, 100)
	go func() {
		defer close(out)
		for tick := range src {
			out <- tickToCanonical(tick)
		}
	}()
	return out, stop, nil
}

func (c *Connector) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan connector.Candle, func(), error) {
	src, stop, err := c.stream.subscribeCandles(ctx, symbol, timeframe)
	if err != nil {
		return nil, nil, c.mapError("subscribe_candles", err)
	}
	out := make(chan connector.Candle, 100)
	go func() {
		defer close(out)
		for bar := range src {
			out <- candleToCanonical(bar)
		}
	}()
	return out, stop, nil
}

// mapError classifies transport and gateway failures into canonical kinds.
func (c *Connector) mapError(op string, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden:
			return connector.NewError(connector.KindAuth, brokerName, op, ae.Msg, err)
		case ae.Status == http.StatusNotImplemented || ae.Code == "unsupported":
			return connector.NewError(connector.KindUnsupported, brokerName, op, ae.Msg, err)
		case ae.Status == http.StatusBadRequest || ae.Status == http.StatusUnprocessableEntity:
			if ae.Code == "rejected" || ae.Code == "insufficient_funds" {
				return connector.NewError(connector.KindRejected, brokerName, op, ae.Msg, err)
			}
			return connector.NewError(connector.KindValidation, brokerName, op, ae.Msg, err)
		case ae.Status == http.StatusConflict:
			return connector.NewError(connector.KindRejected, brokerName, op, ae.Msg, err)
		case ae.Status >= 500:
			return connector.NewError(connector.KindConnection, brokerName, op, ae.Msg, err)
		}
		return connector.NewError(connector.KindInternal, brokerName, op, ae.Msg, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return connector.NewError(connector.KindConnection, brokerName, op, "request canceled", err)
	}
	// Network level failures (DNS, refused connections, timeouts).
	return connector.NewError(connector.KindConnection, brokerName, op, "transport failure", err)
}

func ackToResult(ack wireOrderAck) connector.TradeResult {
	return connector.TradeResult{
		OrderID:        ack.OrderID,
		PositionID:     ack.PositionID,
		Status:         ackStatus(ack.Status),
		ExecutedVolume: parseWireFloat(ack.FilledQty),
		ExecutedPrice:  parseWireFloat(ack.FilledPrice),
		ClientID:       ack.ClientRef,
	}
}

func ackStatus(s string) connector.OrderStatus {
	switch s {
	case "accepted":
		return connector.StatusNew
	case "partial":
		return connector.StatusPartial
	case "filled":
		return connector.StatusFilled
	case "canceled":
		return connector.StatusCanceled
	case "rejected":
		return connector.StatusRejected
	}
	return connector.StatusUnknown
}

func directionToSide(d string) connector.Side {
	if d == "short" {
		return connector.SideSell
	}
	return connector.SideBuy
}

func sideToDirection(s connector.Side) string {
	if s == connector.SideSell {
		return "short"
	}
	return "long"
}

func kindToWire(k connector.OrderKind) string {
	switch k {
	case connector.OrderLimit:
		return "limit"
	case connector.OrderStop:
		return "stop"
	}
	return "market"
}

func tickToCanonical(t wireTick) connector.PriceTick {
	return connector.PriceTick{
		Symbol: t.Symbol,
		Bid:    parseWireFloat(t.Bid),
		Ask:    parseWireFloat(t.Ask),
		Time:   time.UnixMilli(t.Time).UTC(),
	}
}

func candleToCanonical(b wireCandle) connector.Candle {
	return connector.Candle{
		Symbol:    b.Symbol,
		Timeframe: b.Interval,
		OpenTime:  time.UnixMilli(b.OpenTime).UTC(),
		Open:      parseWireFloat(b.Open),
		High:      parseWireFloat(b.High),
		Low:       parseWireFloat(b.Low),
		Close:     parseWireFloat(b.Close),
		Volume:    parseWireFloat(b.Volume),
	}
}
