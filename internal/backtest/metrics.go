package backtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"

	"symmetry-trader/internal/types"
)

// Metrics are the headline backtest KPIs.
type Metrics struct {
	Trades       int
	Wins         int
	WinRate      float64
	TotalPnL     float64
	AvgPnL       float64
	MaxDrawdown  float64
	SharpeRatio  float64 // annualized from daily P&L
	FinalBalance float64
}

// Compute derives the KPIs from a replay result. Sharpe annualizes the daily
// P&L series by sqrt(252); drawdown is the deepest peak-to-trough fall of the
// cumulative per-trade P&L curve.
func Compute(res *Result) Metrics {
	m := Metrics{Trades: len(res.Trades), FinalBalance: res.FinalBalance}

	cum, peak := 0.0, 0.0
	for _, t := range res.Trades {
		if t.RealizedPnL > 0 {
			m.Wins++
		}
		m.TotalPnL += t.RealizedPnL
		cum += t.RealizedPnL
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.Trades) * 100
		m.AvgPnL = m.TotalPnL / float64(m.Trades)
	}

	if len(res.DailyPnL) > 1 {
		days := make([]time.Time, 0, len(res.DailyPnL))
		for d := range res.DailyPnL {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
		daily := make([]float64, len(days))
		for i, d := range days {
			daily[i] = res.DailyPnL[d]
		}
		mean, errM := stats.Mean(daily)
		sd, errS := stats.StandardDeviation(daily)
		if errM == nil && errS == nil && sd > 0 {
			m.SharpeRatio = mean / sd * math.Sqrt(252)
		}
	}
	return m
}

// WriteReport renders the trade list and KPI summary as tables.
func WriteReport(w io.Writer, res *Result, m Metrics) {
	trades := tablewriter.NewWriter(w)
	trades.SetHeader([]string{"Closed", "Direction", "Option", "Qty", "Entry", "Exit", "Reason", "PnL"})
	trades.SetBorder(false)
	for _, t := range res.Trades {
		trades.Append([]string{
			t.ClosedAt.Format("2006-01-02 15:04"),
			string(t.Direction),
			t.OptionKey,
			fmt.Sprintf("%d", t.Quantity),
			fmt.Sprintf("%.2f", t.EntryPrice),
			fmt.Sprintf("%.2f", t.ExitPrice),
			string(t.CloseReason),
			fmt.Sprintf("%.2f", t.RealizedPnL),
		})
	}
	trades.Render()
	fmt.Fprintln(w)

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Metric", "Value"})
	summary.SetBorder(false)
	summary.AppendBulk([][]string{
		{"Days replayed", fmt.Sprintf("%d", res.DaysReplayed)},
		{"Trades", fmt.Sprintf("%d", m.Trades)},
		{"Win rate", fmt.Sprintf("%.1f%%", m.WinRate)},
		{"Total P&L", fmt.Sprintf("%.2f", m.TotalPnL)},
		{"Avg P&L per trade", fmt.Sprintf("%.2f", m.AvgPnL)},
		{"Max drawdown", fmt.Sprintf("%.2f", m.MaxDrawdown)},
		{"Sharpe (annualized)", fmt.Sprintf("%.2f", m.SharpeRatio)},
		{"Final balance", fmt.Sprintf("%.2f", m.FinalBalance)},
	})
	summary.Render()
}

// ExitBreakdown counts closes per reason, for the report footer.
func ExitBreakdown(trades []types.Position) map[types.CloseReason]int {
	out := make(map[types.CloseReason]int)
	for _, t := range trades {
		out[t.CloseReason]++
	}
	return out
}
