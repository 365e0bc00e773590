package paper

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"execution-core/internal/connector"
)

// Feed generates synthetic random-walk market data and pushes it into a
// paper connector. Useful for local development and strategy dry runs
// without any real broker.
type Feed struct {
	Conn       *Connector
	Symbol     string
	Timeframe  string
	StartPrice float64
	Step       float64
	Spread     float64
	Interval   time.Duration

	rng *rand.Rand
}

// Start begins the feed goroutine. Ticks flow on every interval; a candle
// aggregating the ticks since the last bar closes every Timeframe worth of
// intervals. Stops when ctx is canceled.
func (f *Feed) Start(ctx context.Context) {
	if f.Symbol == "" {
		f.Symbol = "BTCUSDT"
	}
	if f.Timeframe == "" {
		f.Timeframe = "1m"
	}
	if f.StartPrice == 0 {
		f.StartPrice = 100.0
	}
	if f.Step == 0 {
		f.Step = 0.5
	}
	if f.Spread == 0 {
		f.Spread = f.Step / 5
	}
	if f.Interval == 0 {
		f.Interval = time.Second
	}
	if f.rng == nil {
		f.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	go f.loop(ctx)
}

func (f *Feed) loop(ctx context.Context) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	barDur := feedBarDuration(f.Timeframe)
	price := f.StartPrice
	bar := connector.Candle{
		Symbol:    f.Symbol,
		Timeframe: f.Timeframe,
		OpenTime:  time.Now().UTC().Truncate(barDur),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			price += (f.rng.Float64()*2 - 1) * f.Step
			if price < f.Step {
				price = f.Step
			}

			f.Conn.PushPrice(connector.PriceTick{
				Symbol: f.Symbol,
				Bid:    price - f.Spread/2,
				Ask:    price + f.Spread/2,
				Time:   now.UTC(),
			})

			if price > bar.High {
				bar.High = price
			}
			if price < bar.Low {
				bar.Low = price
			}
			bar.Close = price
			bar.Volume += f.rng.Float64() * 10

			barEnd := bar.OpenTime.Add(barDur)
			if !now.UTC().Before(barEnd) {
				f.Conn.PushCandle(bar)
				bar = connector.Candle{
					Symbol:    f.Symbol,
					Timeframe: f.Timeframe,
					OpenTime:  barEnd,
					Open:      price,
					High:      price,
					Low:       price,
					Close:     price,
				}
			}
		}
	}
}

func feedBarDuration(tf string) time.Duration {
	var n int
	var unit string
	if _, err := fmt.Sscanf(tf, "%d%s", &n, &unit); err != nil || n <= 0 {
		return time.Minute
	}
	switch unit {
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Minute
	}
}
