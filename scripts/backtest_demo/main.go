package main

import (
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"execution-core/internal/connector"
	"execution-core/internal/sim"
	"execution-core/internal/strategy"
)

// backtest_demo runs a moving-average crossover strategy over a synthetic
// candle series and prints the report. No database, broker or network is
// involved.
//
// Usage:
//   go run ./scripts/backtest_demo

const demoStrategy = `
name: demo-sma-cross
symbol: DEMOUSD
timeframe: 1h
entry:
  long:
    op: cross_above
    left: { indicator: sma, params: { period: 10 } }
    right: { indicator: sma, params: { period: 30 } }
  short:
    op: cross_below
    left: { indicator: sma, params: { period: 10 } }
    right: { indicator: sma, params: { period: 30 } }
exit:
  long:
    op: cross_below
    left: { indicator: sma, params: { period: 10 } }
    right: { indicator: sma, params: { period: 30 } }
  short:
    op: cross_above
    left: { indicator: sma, params: { period: 10 } }
    right: { indicator: sma, params: { period: 30 } }
risk:
  fixed_lot: 0.1
  stop_points: 3.0
  rr: 2.0
  max_open_positions: 1
`

func main() {
	log.Println("backtest demo starting")

	spec, err := strategy.LoadSpec([]byte(demoStrategy))
	if err != nil {
		log.Fatalf("load strategy: %v", err)
	}

	engine, err := sim.New(sim.Config{
		RunID:          "demo",
		InitialBalance: 10000,
		TieBreak:       sim.TieBreakNearestToOpen,
		Symbol: connector.SymbolInfo{
			Name:         spec.Symbol,
			MinLot:       0.01,
			MaxLot:       100,
			LotStep:      0.01,
			ContractSize: 1,
		},
	}, spec)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	candles := syntheticCandles(spec.Symbol, spec.Timeframe, 2000)
	result, err := engine.Run(context.Background(), candles)
	if err != nil {
		log.Fatalf("run simulation: %v", err)
	}

	sim.WriteReport(os.Stdout, result)
}

// syntheticCandles produces a trending random walk with a slow sine drift,
// enough structure for the crossover to trade a few dozen times.
func syntheticCandles(symbol, timeframe string, n int) []connector.Candle {
	rng := rand.New(rand.NewSource(42))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0

	candles := make([]connector.Candle, 0, n)
	for i := 0; i < n; i++ {
		drift := math.Sin(float64(i)/60.0) * 0.3
		open := price
		price += drift + (rng.Float64()*2-1)*0.8
		if price < 1 {
			price = 1
		}
		high := math.Max(open, price) + rng.Float64()*0.4
		low := math.Min(open, price) - rng.Float64()*0.4
		candles = append(candles, connector.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    100 + rng.Float64()*50,
		})
	}
	return candles
}
