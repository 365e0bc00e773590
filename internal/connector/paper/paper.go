// Package paper implements an in-process simulated broker. It fills market
// orders against the last pushed quote, tracks positions and balance, and
// triggers protective stops on every new tick. It backs development runs
// and the test suites that need a deterministic venue.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"execution-core/internal/connector"
)

var capabilities = []connector.Capability{
	connector.CapMarketOrders,
	connector.CapModifyProtection,
	connector.CapPartialClose,
	connector.CapLivePrices,
	connector.CapStreamingPrices,
	connector.CapStreamingCandles,
	connector.CapHistoricalData,
}

// Connector is the simulated broker for one account.
type Connector struct {
	mu        sync.Mutex
	accountID string
	currency  string
	balance   float64
	connected bool

	prices    map[string]connector.PriceTick
	symbols   map[string]connector.SymbolInfo
	history   map[string][]connector.Candle
	positions map[string]*connector.PositionInfo
	nextID    int

	priceSubs  map[string][]chan connector.PriceTick
	candleSubs map[string][]chan connector.Candle
}

// New creates a paper connector with the given starting balance.
func New(accountID string, initialBalance float64, currency string) *Connector {
	return &Connector{
		accountID:  accountID,
		currency:   currency,
		balance:    initialBalance,
		prices:     make(map[string]connector.PriceTick),
		symbols:    make(map[string]connector.SymbolInfo),
		history:    make(map[string][]connector.Candle),
		positions:  make(map[string]*connector.PositionInfo),
		priceSubs:  make(map[string][]chan connector.PriceTick),
		candleSubs: make(map[string][]chan connector.Candle),
	}
}

func (c *Connector) Name() string { return "paper" }

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	for _, subs := range c.priceSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range c.candleSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	c.priceSubs = make(map[string][]chan connector.PriceTick)
	c.candleSubs = make(map[string][]chan connector.Candle)
	return nil
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) Supports(cap connector.Capability) bool {
	return connector.HasCapability(capabilities, cap)
}

// SetSymbolInfo seeds contract parameters for a symbol.
func (c *Connector) SetSymbolInfo(info connector.SymbolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[info.Name] = info
}

// SeedCandles loads historical bars served by HistoricalCandles.
func (c *Connector) SeedCandles(symbol string, candles []connector.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[symbol] = append([]connector.Candle(nil), candles...)
}

// PushPrice publishes a quote, fans it out to subscribers and sweeps
// protective stops against it.
func (c *Connector) PushPrice(tick connector.PriceTick) {
	c.mu.Lock()
	c.prices[tick.Symbol] = tick
	subs := append([]chan connector.PriceTick(nil), c.priceSubs[tick.Symbol]...)
	c.sweepProtectionLocked(tick)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

// PushCandle publishes a closed bar to candle subscribers.
func (c *Connector) PushCandle(candle connector.Candle) {
	c.mu.Lock()
	c.history[candle.Symbol] = append(c.history[candle.Symbol], candle)
	subs := append([]chan connector.Candle(nil), c.candleSubs[candle.Symbol]...)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- candle:
		default:
		}
	}
}

func (c *Connector) AccountInfo(ctx context.Context) (connector.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connector.AccountInfo{}, c.notConnected("AccountInfo")
	}
	equity := c.balance
	for _, p := range c.positions {
		equity += c.unrealizedLocked(p)
	}
	return connector.AccountInfo{
		AccountID:  c.accountID,
		Currency:   c.currency,
		Balance:    c.balance,
		Equity:     equity,
		FreeMargin: equity,
	}, nil
}

func (c *Connector) SymbolInfo(ctx context.Context, symbol string) (connector.SymbolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.symbols[symbol]; ok {
		return info, nil
	}
	// Unseeded symbols fall back to unit parameters so tests stay terse.
	return connector.SymbolInfo{Name: symbol, TickSize: 0, LotStep: 0, ContractSize: 1}, nil
}

func (c *Connector) OpenPositions(ctx context.Context) ([]connector.PositionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, c.notConnected("OpenPositions")
	}
	out := make([]connector.PositionInfo, 0, len(c.positions))
	for _, p := range c.positions {
		snapshot := *p
		snapshot.Profit = c.unrealizedLocked(p)
		out = append(out, snapshot)
	}
	return out, nil
}

func (c *Connector) PlaceOrder(ctx context.Context, req connector.TradeRequest) (connector.TradeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connector.TradeResult{}, c.notConnected("PlaceOrder")
	}
	if req.Kind != connector.OrderMarket {
		return connector.TradeResult{}, connector.NewError(connector.KindUnsupported,
			c.Name(), "PlaceOrder", fmt.Sprintf("order kind %s not supported", req.Kind), nil)
	}
	tick, ok := c.prices[req.Symbol]
	if !ok {
		return connector.TradeResult{}, connector.NewError(connector.KindRejected,
			c.Name(), "PlaceOrder", "no quote for symbol "+req.Symbol, nil)
	}
	if req.Volume <= 0 {
		return connector.TradeResult{}, connector.NewError(connector.KindValidation,
			c.Name(), "PlaceOrder", "volume must be positive", nil)
	}

	fill := tick.Ask
	if req.Side == connector.SideSell {
		fill = tick.Bid
	}

	c.nextID++
	id := "P" + strconv.Itoa(c.nextID)
	c.positions[id] = &connector.PositionInfo{
		ID:         id,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		OpenPrice:  fill,
		OpenTime:   tick.Time,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Label:      req.Label,
	}
	return connector.TradeResult{
		OrderID:        id,
		PositionID:     id,
		Status:         connector.StatusFilled,
		ExecutedVolume: req.Volume,
		ExecutedPrice:  fill,
		ClientID:       req.ClientID,
	}, nil
}

func (c *Connector) ClosePosition(ctx context.Context, positionID string, volume float64) (connector.TradeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connector.TradeResult{}, c.notConnected("ClosePosition")
	}
	p, ok := c.positions[positionID]
	if !ok {
		return connector.TradeResult{}, connector.NewError(connector.KindRejected,
			c.Name(), "ClosePosition", "unknown position "+positionID, nil)
	}
	tick, ok := c.prices[p.Symbol]
	if !ok {
		return connector.TradeResult{}, connector.NewError(connector.KindRejected,
			c.Name(), "ClosePosition", "no quote for symbol "+p.Symbol, nil)
	}
	return c.closeLocked(p, tick, volume), nil
}

func (c *Connector) ModifyPosition(ctx context.Context, positionID string, stopLoss, takeProfit float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return c.notConnected("ModifyPosition")
	}
	p, ok := c.positions[positionID]
	if !ok {
		return connector.NewError(connector.KindRejected,
			c.Name(), "ModifyPosition", "unknown position "+positionID, nil)
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	return nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID string) error {
	return connector.NewError(connector.KindUnsupported,
		c.Name(), "CancelOrder", "pending orders not supported", nil)
}

func (c *Connector) LivePrice(ctx context.Context, symbol string) (connector.PriceTick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tick, ok := c.prices[symbol]
	if !ok {
		return connector.PriceTick{}, connector.NewError(connector.KindRejected,
			c.Name(), "LivePrice", "no quote for symbol "+symbol, nil)
	}
	return tick, nil
}

func (c *Connector) HistoricalCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]connector.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []connector.Candle
	for _, candle := range c.history[symbol] {
		if candle.OpenTime.Before(from) || candle.OpenTime.After(to) {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

func (c *Connector) SubscribePrices(ctx context.Context, symbol string) (<-chan connector.PriceTick, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, c.notConnected("SubscribePrices")
	}
	ch := make(chan connector.PriceTick, 64)
	c.priceSubs[symbol] = append(c.priceSubs[symbol], ch)
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.priceSubs[symbol] = removeTickChan(c.priceSubs[symbol], ch)
	}
	return ch, cancel, nil
}

func (c *Connector) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan connector.Candle, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, c.notConnected("SubscribeCandles")
	}
	ch := make(chan connector.Candle, 64)
	c.candleSubs[symbol] = append(c.candleSubs[symbol], ch)
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.candleSubs[symbol] = removeCandleChan(c.candleSubs[symbol], ch)
	}
	return ch, cancel, nil
}

// closeLocked realizes PnL into the balance. volume <= 0 or >= size means
// a full close. Callers hold the mutex.
func (c *Connector) closeLocked(p *connector.PositionInfo, tick connector.PriceTick, volume float64) connector.TradeResult {
	if volume <= 0 || volume > p.Volume {
		volume = p.Volume
	}
	fill := tick.Bid
	if p.Side == connector.SideSell {
		fill = tick.Ask
	}
	diff := fill - p.OpenPrice
	if p.Side == connector.SideSell {
		diff = -diff
	}
	contract := c.contractSizeLocked(p.Symbol)
	c.balance += diff * volume * contract

	if volume >= p.Volume {
		delete(c.positions, p.ID)
	} else {
		p.Volume -= volume
	}
	return connector.TradeResult{
		OrderID:        p.ID,
		PositionID:     p.ID,
		Status:         connector.StatusFilled,
		ExecutedVolume: volume,
		ExecutedPrice:  fill,
	}
}

// sweepProtectionLocked closes positions whose stop or target the quote
// touched. Stops are checked before targets. Callers hold the mutex.
func (c *Connector) sweepProtectionLocked(tick connector.PriceTick) {
	for _, p := range c.positions {
		if p.Symbol != tick.Symbol {
			continue
		}
		exitQuote := tick.Bid
		if p.Side == connector.SideSell {
			exitQuote = tick.Ask
		}
		stopHit := p.StopLoss > 0 &&
			((p.Side == connector.SideBuy && exitQuote <= p.StopLoss) ||
				(p.Side == connector.SideSell && exitQuote >= p.StopLoss))
		targetHit := p.TakeProfit > 0 &&
			((p.Side == connector.SideBuy && exitQuote >= p.TakeProfit) ||
				(p.Side == connector.SideSell && exitQuote <= p.TakeProfit))
		if stopHit || targetHit {
			c.closeLocked(p, tick, 0)
		}
	}
}

func (c *Connector) unrealizedLocked(p *connector.PositionInfo) float64 {
	tick, ok := c.prices[p.Symbol]
	if !ok {
		return 0
	}
	quote := tick.Bid
	if p.Side == connector.SideSell {
		quote = tick.Ask
	}
	diff := quote - p.OpenPrice
	if p.Side == connector.SideSell {
		diff = -diff
	}
	return diff * p.Volume * c.contractSizeLocked(p.Symbol)
}

func (c *Connector) contractSizeLocked(symbol string) float64 {
	if info, ok := c.symbols[symbol]; ok && info.ContractSize > 0 {
		return info.ContractSize
	}
	return 1
}

func (c *Connector) notConnected(op string) error {
	return connector.NewError(connector.KindConnection, c.Name(), op, "not connected", nil)
}

func removeTickChan(subs []chan connector.PriceTick, ch chan connector.PriceTick) []chan connector.PriceTick {
	for i, s := range subs {
		if s == ch {
			close(s)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func removeCandleChan(subs []chan connector.Candle, ch chan connector.Candle) []chan connector.Candle {
	for i, s := range subs {
		if s == ch {
			close(s)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
