package cwire

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/connector"
)

// gatewayStub answers like a cwire gateway. Handlers are keyed by
// "<METHOD> <path>"; unmatched requests get a 404.
type gatewayStub struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	requests []*capturedRequest
	server   *httptest.Server
}

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()
	g := &gatewayStub{t: t, handlers: make(map[string]http.HandlerFunc)}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.requests = append(g.requests, &capturedRequest{
			Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body,
		})
		if h, ok := g.handlers[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gatewayStub) on(method, path string, status int, body any) {
	g.handlers[method+" "+path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}
}

func (g *gatewayStub) connector() *Connector {
	return New("acct-1", Options{
		BaseURL:   g.server.URL,
		StreamURL: "ws://unused",
		APIKey:    "key-1",
		APISecret: "secret-1",
	})
}

func TestConnectAuthenticates(t *testing.T) {
	g := newGatewayStub(t)
	g.on(http.MethodGet, "/v1/time", http.StatusOK, nil)
	g.on(http.MethodGet, "/v1/account", http.StatusOK, wireAccount{
		AccountID: "acct-1", Currency: "USD", Balance: "1000.50", Equity: "1000.50",
	})

	c := g.connector()
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	info, err := c.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acct-1", info.AccountID)
	assert.Equal(t, 1000.50, info.Balance)
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	g := newGatewayStub(t)
	g.on(http.MethodGet, "/v1/time", http.StatusOK, nil)
	g.on(http.MethodGet, "/v1/account", http.StatusUnauthorized, wireError{
		Code: "bad_key", Message: "invalid api key",
	})

	c := g.connector()
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, connector.KindAuth, connector.KindOf(err))
	assert.False(t, c.Connected())
}

func TestRequestsAreSigned(t *testing.T) {
	g := newGatewayStub(t)
	g.on(http.MethodGet, "/v1/account", http.StatusOK, wireAccount{AccountID: "acct-1"})

	c := g.connector()
	_, err := c.AccountInfo(context.Background())
	require.NoError(t, err)

	require.Len(t, g.requests, 1)
	req := g.requests[0]
	assert.Equal(t, "key-1", req.Header.Get("X-Api-Key"))

	ts := req.Header.Get("X-Api-Timestamp")
	require.NotEmpty(t, ts)
	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(ts + http.MethodGet + "/v1/account"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-Api-Signature"))
}

func TestPlaceOrderWireFormat(t *testing.T) {
	g := newGatewayStub(t)
	g.on(http.MethodPost, "/v1/orders", http.StatusOK, wireOrderAck{
		OrderID: "o-1", PositionID: "p-1", Status: "filled",
		FilledQty: "0.5", FilledPrice: "1.1005", ClientRef: "ref-1",
	})

	c := g.connector()
	res, err := c.PlaceOrder(context.Background(), connector.TradeRequest{
		Symbol:     "EURUSD",
		Side:       connector.SideSell,
		Kind:       connector.OrderMarket,
		Volume:     0.5,
		StopLoss:   1.11,
		TakeProfit: 1.09,
		Label:      "run-1",
		ClientID:   "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, connector.StatusFilled, res.Status)
	assert.Equal(t, "p-1", res.PositionID)
	assert.Equal(t, 0.5, res.ExecutedVolume)
	assert.Equal(t, 1.1005, res.ExecutedPrice)
	assert.Equal(t, "ref-1", res.ClientID)

	var sent wireOrderRequest
	require.NoError(t, json.Unmarshal(g.requests[0].Body, &sent))
	assert.Equal(t, "short", sent.Direction)
	assert.Equal(t, "market", sent.Type)
	assert.Equal(t, "0.5", sent.Volume)
	assert.Equal(t, "1.11", sent.StopLoss)
	assert.Equal(t, "1.09", sent.TakeProfit)
	assert.Equal(t, "run-1", sent.Label)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   connector.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, "", connector.KindAuth},
		{"forbidden", http.StatusForbidden, "", connector.KindAuth},
		{"not implemented", http.StatusNotImplemented, "", connector.KindUnsupported},
		{"unsupported code", http.StatusBadRequest, "unsupported", connector.KindUnsupported},
		{"validation", http.StatusBadRequest, "bad_volume", connector.KindValidation},
		{"rejected", http.StatusUnprocessableEntity, "rejected", connector.KindRejected},
		{"insufficient funds", http.StatusBadRequest, "insufficient_funds", connector.KindRejected},
		{"conflict", http.StatusConflict, "", connector.KindRejected},
		{"server error", http.StatusInternalServerError, "", connector.KindConnection},
		{"teapot", http.StatusTeapot, "", connector.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGatewayStub(t)
			g.on(http.MethodPost, "/v1/orders", tt.status, wireError{Code: tt.code, Message: tt.name})

			c := g.connector()
			_, err := c.PlaceOrder(context.Background(), connector.TradeRequest{
				Symbol: "EURUSD", Side: connector.SideBuy, Kind: connector.OrderMarket, Volume: 1,
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, connector.KindOf(err))
		})
	}
}

func TestTransportFailureMapsToConnection(t *testing.T) {
	c := New("acct-1", Options{
		BaseURL:   "http://127.0.0.1:1", // nothing listens here
		StreamURL: "ws://unused",
	})
	_, err := c.AccountInfo(context.Background())
	require.Error(t, err)
	assert.True(t, connector.IsConnection(err))
}

func TestSymbolInfoParsesDecimals(t *testing.T) {
	g := newGatewayStub(t)
	g.on(http.MethodGet, "/v1/symbols/EURUSD", http.StatusOK, wireSymbol{
		Symbol: "EURUSD", Digits: 5,
		TickSize: "0.00001", TickValue: "1", MinLot: "0.01", MaxLot: "100",
		LotStep: "0.01", ContractSize: "100000",
	})

	c := g.connector()
	info, err := c.SymbolInfo(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 5, info.Digits)
	assert.Equal(t, 0.00001, info.TickSize)
	assert.Equal(t, 100000.0, info.ContractSize)
}

func TestOpenPositionsMapping(t *testing.T) {
	g := newGatewayStub(t)
	opened := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	g.on(http.MethodGet, "/v1/positions", http.StatusOK, []wirePosition{
		{
			PositionID: "p-9", Symbol: "EURUSD", Direction: "short",
			Volume: "0.3", EntryPrice: "1.0950", OpenedAt: opened.UnixMilli(),
			StopLoss: "1.1000", TakeProfit: "1.0800", Unrealized: "-4.2", Label: "run-7",
		},
	})

	c := g.connector()
	rows, err := c.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	p := rows[0]
	assert.Equal(t, connector.SideSell, p.Side)
	assert.Equal(t, 0.3, p.Volume)
	assert.Equal(t, opened, p.OpenTime)
	assert.Equal(t, -4.2, p.Profit)
	assert.Equal(t, "run-7", p.Label)
}

func TestModifyProtectionOmitsUnsetLevels(t *testing.T) {
	g := newGatewayStub(t)
	g.on(http.MethodPut, "/v1/positions/p-1/protection", http.StatusOK, nil)

	c := g.connector()
	require.NoError(t, c.ModifyPosition(context.Background(), "p-1", 1.05, 0))

	var sent map[string]string
	require.NoError(t, json.Unmarshal(g.requests[0].Body, &sent))
	assert.Equal(t, "1.05", sent["stop_loss"])
	_, hasTP := sent["take_profit"]
	assert.False(t, hasTP)
}

func TestAckStatusMapping(t *testing.T) {
	tests := []struct {
		wire string
		want connector.OrderStatus
	}{
		{"accepted", connector.StatusNew},
		{"partial", connector.StatusPartial},
		{"filled", connector.StatusFilled},
		{"canceled", connector.StatusCanceled},
		{"rejected", connector.StatusRejected},
		{"weird", connector.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			assert.Equal(t, tt.want, ackStatus(tt.wire))
		})
	}
}

func TestWireFloatRoundTrip(t *testing.T) {
	assert.Equal(t, 0.0, parseWireFloat(""))
	assert.Equal(t, 1.0005, parseWireFloat("1.0005"))
	assert.Equal(t, "0.1", formatWireFloat(0.1))
	assert.Equal(t, "100000", formatWireFloat(100000))
}
