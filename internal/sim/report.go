package sim

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteReport renders the result summary and the closed trades as text
// tables.
func WriteReport(w io.Writer, res *Result) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.SetTitle("Backtest %s %s %s", res.RunID, res.Symbol, res.Timeframe)
	summary.AppendRows([]table.Row{
		{"Initial balance", fmt.Sprintf("%.2f", res.InitialBalance)},
		{"Final balance", fmt.Sprintf("%.2f", res.FinalBalance)},
		{"Net profit", fmt.Sprintf("%.2f", res.FinalBalance-res.InitialBalance)},
		{"Return", fmt.Sprintf("%.2f%%", returnPct(res))},
		{"Trades", res.TotalTrades},
		{"Winners", res.WinningTrades},
		{"Win rate", fmt.Sprintf("%.1f%%", winRate(res))},
		{"Profit factor", fmt.Sprintf("%.2f", res.ProfitFactor)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", res.MaxDrawdownPct)},
	})
	summary.Render()

	if len(res.Trades) == 0 {
		return
	}
	trades := table.NewWriter()
	trades.SetOutputMirror(w)
	trades.SetStyle(table.StyleLight)
	trades.AppendHeader(table.Row{"#", "Side", "Volume", "Open", "Close", "PnL", "Reason"})
	for i, t := range res.Trades {
		trades.AppendRow(table.Row{
			i + 1,
			t.Side,
			fmt.Sprintf("%.2f", t.Volume),
			fmt.Sprintf("%.5f", t.OpenPrice),
			fmt.Sprintf("%.5f", t.ClosePrice),
			fmt.Sprintf("%.2f", t.PnL),
			t.CloseReason,
		})
	}
	trades.Render()
}

func returnPct(res *Result) float64 {
	if res.InitialBalance == 0 {
		return 0
	}
	return (res.FinalBalance - res.InitialBalance) / res.InitialBalance * 100
}

func winRate(res *Result) float64 {
	if res.TotalTrades == 0 {
		return 0
	}
	return float64(res.WinningTrades) / float64(res.TotalTrades) * 100
}
