package cwire

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"execution-core/internal/connector"
)

// restClient wraps REST access to a cwire gateway.
type restClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *connector.RateLimiter
}

func newRESTClient(baseURL, apiKey, apiSecret string) *restClient {
	return &restClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    connector.NewRateLimiter(1200, time.Minute),
	}
}

// Wire payloads. Prices and volumes travel as strings to keep decimal
// precision across the wire.

type wireAccount struct {
	AccountID  string `json:"account_id"`
	Currency   string `json:"currency"`
	Balance    string `json:"balance"`
	Equity     string `json:"equity"`
	Margin     string `json:"margin"`
	FreeMargin string `json:"free_margin"`
}

type wireSymbol struct {
	Symbol       string `json:"symbol"`
	Digits       int    `json:"digits"`
	TickSize     string `json:"tick_size"`
	TickValue    string `json:"tick_value"`
	MinLot       string `json:"min_lot"`
	MaxLot       string `json:"max_lot"`
	LotStep      string `json:"lot_step"`
	ContractSize string `json:"contract_size"`
}

type wirePosition struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Direction  string `json:"direction"` // "long" | "short"
	Volume     string `json:"volume"`
	EntryPrice string `json:"entry_price"`
	OpenedAt   int64  `json:"opened_at"` // unix millis
	StopLoss   string `json:"stop_loss"`
	TakeProfit string `json:"take_profit"`
	Unrealized string `json:"unrealized_pnl"`
	Label      string `json:"label"`
}

type wireOrderRequest struct {
	Symbol      string `json:"symbol"`
	Direction   string `json:"direction"`
	Type        string `json:"type"` // "market" | "limit" | "stop"
	Volume      string `json:"volume"`
	Price       string `json:"price,omitempty"`
	StopLoss    string `json:"stop_loss,omitempty"`
	TakeProfit  string `json:"take_profit,omitempty"`
	Label       string `json:"label,omitempty"`
	ClientRef   string `json:"client_ref,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
}

type wireOrderAck struct {
	OrderID     string `json:"order_id"`
	PositionID  string `json:"position_id"`
	Status      string `json:"status"` // "accepted" | "partial" | "filled" | "rejected"
	FilledQty   string `json:"filled_qty"`
	FilledPrice string `json:"filled_price"`
	ClientRef   string `json:"client_ref"`
	RejectCode  string `json:"reject_code,omitempty"`
}

type wireTick struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Time   int64  `json:"ts"` // unix millis
}

type wireCandle struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	OpenTime int64  `json:"open_time"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Final    bool   `json:"final"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError carries the HTTP status and decoded body of a failed call.
type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("cwire status %d code=%s: %s", e.Status, e.Code, e.Msg)
}

// do signs and performs one request. Signature is hex HMAC-SHA256 of
// "<millis><method><path><body>" with the API secret.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.limiter.ShouldDelay() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + method + path))
	mac.Write(payload)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Timestamp", ts)
	req.Header.Set("X-Api-Signature", hex.EncodeToString(mac.Sum(nil)))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	c.limiter.UpdateFromHeader(res.Header.Get("X-RateLimit-Used"))

	if res.StatusCode >= 300 {
		var we wireError
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = json.Unmarshal(data, &we)
		return &apiError{Status: res.StatusCode, Code: we.Code, Msg: we.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *restClient) account(ctx context.Context) (wireAccount, error) {
	var acc wireAccount
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, nil, &acc)
	return acc, err
}

func (c *restClient) symbol(ctx context.Context, symbol string) (wireSymbol, error) {
	var sym wireSymbol
	err := c.do(ctx, http.MethodGet, "/v1/symbols/"+url.PathEscape(symbol), nil, nil, &sym)
	return sym, err
}

func (c *restClient) positions(ctx context.Context) ([]wirePosition, error) {
	var out []wirePosition
	err := c.do(ctx, http.MethodGet, "/v1/positions", nil, nil, &out)
	return out, err
}

func (c *restClient) placeOrder(ctx context.Context, req wireOrderRequest) (wireOrderAck, error) {
	var ack wireOrderAck
	err := c.do(ctx, http.MethodPost, "/v1/orders", nil, req, &ack)
	return ack, err
}

func (c *restClient) closePosition(ctx context.Context, positionID, volume string) (wireOrderAck, error) {
	body := map[string]string{}
	if volume != "" {
		body["volume"] = volume
	}
	var ack wireOrderAck
	err := c.do(ctx, http.MethodPost, "/v1/positions/"+url.PathEscape(positionID)+"/close", nil, body, &ack)
	return ack, err
}

func (c *restClient) modifyProtection(ctx context.Context, positionID, stopLoss, takeProfit string) error {
	body := map[string]string{}
	if stopLoss != "" {
		body["stop_loss"] = stopLoss
	}
	if takeProfit != "" {
		body["take_profit"] = takeProfit
	}
	return c.do(ctx, http.MethodPut, "/v1/positions/"+url.PathEscape(positionID)+"/protection", nil, body, nil)
}

func (c *restClient) cancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

func (c *restClient) price(ctx context.Context, symbol string) (wireTick, error) {
	var tick wireTick
	q := url.Values{"symbol": {symbol}}
	err := c.do(ctx, http.MethodGet, "/v1/price", q, nil, &tick)
	return tick, err
}

func (c *restClient) candles(ctx context.Context, symbol, interval string, from, to time.Time) ([]wireCandle, error) {
	q := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"from":     {strconv.FormatInt(from.UnixMilli(), 10)},
		"to":       {strconv.FormatInt(to.UnixMilli(), 10)},
	}
	var out []wireCandle
	err := c.do(ctx, http.MethodGet, "/v1/candles", q, nil, &out)
	return out, err
}

func (c *restClient) ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/time", nil, nil, nil)
}

func parseWireFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatWireFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
