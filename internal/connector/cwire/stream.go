package cwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"execution-core/pkg/logger"
)

// streamClient manages websocket streams from a cwire gateway.
type streamClient struct {
	streamURL string
	apiKey    string
	dialer    *websocket.Dialer
}

func newStreamClient(streamURL, apiKey string) *streamClient {
	return &streamClient{
		streamURL: streamURL,
		apiKey:    apiKey,
		dialer:    websocket.DefaultDialer,
	}
}

func (c *streamClient) dial(ctx context.Context, channel, symbol, interval string) (*websocket.Conn, error) {
	q := url.Values{"channel": {channel}, "symbol": {symbol}}
	if interval != "" {
		q.Set("interval", interval)
	}
	u := fmt.Sprintf("%s/v1/stream?%s", c.streamURL, q.Encode())

	header := map[string][]string{"X-Api-Key": {c.apiKey}}
	conn, _, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("dial cwire stream: %w", err)
	}
	return conn, nil
}

// subscribeTicks streams bid/ask quotes for one symbol. It returns the
// channel and a stop function; the channel is closed when the stream ends.
func (c *streamClient) subscribeTicks(ctx context.Context, symbol string) (<-chan wireTick, func(), error) {
	conn, err := c.dial(ctx, "tick", symbol, "")
	if err != nil {
		return nil, nil, err
	}

	out := make(chan wireTick, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if isStreamClosed(err) {
					return
				}
				logger.S().Warnw("cwire tick stream read failed", "symbol", symbol, "error", err)
				return
			}

			var tick wireTick
			if err := json.Unmarshal(msg, &tick); err != nil {
				logger.S().Warnw("cwire tick parse failed", "error", err)
				continue
			}
			out <- tick
		}
	}()

	return out, stop, nil
}

// subscribeCandles streams bars for one symbol and interval. Only bars
// flagged final are emitted; in-progress updates are dropped.
func (c *streamClient) subscribeCandles(ctx context.Context, symbol, interval string) (<-chan wireCandle, func(), error) {
	conn, err := c.dial(ctx, "candle", symbol, interval)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan wireCandle, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if isStreamClosed(err) {
					return
				}
				logger.S().Warnw("cwire candle stream read failed", "symbol", symbol, "error", err)
				return
			}

			var bar wireCandle
			if err := json.Unmarshal(msg, &bar); err != nil {
				logger.S().Warnw("cwire candle parse failed", "error", err)
				continue
			}
			if !bar.Final {
				continue
			}
			out <- bar
		}
	}()

	return out, stop, nil
}

func isStreamClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
