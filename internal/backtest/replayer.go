package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"symmetry-trader/internal/agg"
	"symmetry-trader/internal/engine"
	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/sim"
	"symmetry-trader/internal/store"
	"symmetry-trader/internal/strikes"
	"symmetry-trader/internal/types"
)

// warmupDays is how many leading days replay without trading so swing
// detection has real history before the first decision.
const warmupDays = 2

// csvDiscoverer resolves ATM strikes from the option contracts present in the
// day being replayed.
type csvDiscoverer struct {
	pairs map[float64]*contractPair
}

type contractPair struct {
	ce, pe string
	expiry string
}

func newCSVDiscoverer(rows []Row) *csvDiscoverer {
	d := &csvDiscoverer{pairs: make(map[float64]*contractPair)}
	for _, r := range rows {
		if r.Kind != "CE" && r.Kind != "PE" {
			continue
		}
		pr := d.pairs[r.Strike]
		if pr == nil {
			pr = &contractPair{}
			d.pairs[r.Strike] = pr
		}
		if r.Kind == "CE" {
			pr.ce = r.Instrument
		} else {
			pr.pe = r.Instrument
		}
		if r.Expiry != "" {
			pr.expiry = r.Expiry
		}
	}
	return d
}

func (d *csvDiscoverer) Discover(ctx context.Context, indexName string, spot float64) (strikes.Discovery, error) {
	bestStrike, bestDist := 0.0, math.MaxFloat64
	var best *contractPair
	for strike, pr := range d.pairs {
		if pr.ce == "" || pr.pe == "" {
			continue
		}
		dist := math.Abs(strike - spot)
		if dist < bestDist || (dist == bestDist && strike < bestStrike) {
			bestStrike, bestDist, best = strike, dist, pr
		}
	}
	if best == nil {
		return strikes.Discovery{}, fmt.Errorf("no CE/PE pair in dataset near spot %.2f", spot)
	}
	return strikes.Discovery{CallKey: best.ce, PutKey: best.pe, Strike: bestStrike, Expiry: best.expiry}, nil
}

// dayDiscoverer swaps the underlying contract source as replay advances from
// one dataset day to the next, keeping a single rollover manager alive across
// the whole run.
type dayDiscoverer struct {
	inner strikes.Discoverer
}

func (d *dayDiscoverer) Discover(ctx context.Context, indexName string, spot float64) (strikes.Discovery, error) {
	return d.inner.Discover(ctx, indexName, spot)
}

// collector records closed trades per day for the report.
type collector struct {
	engine.NopSink
	trades []types.Position
}

func (c *collector) PositionClosed(ctx context.Context, p types.Position) {
	c.trades = append(c.trades, p)
}

// Replayer runs a dataset through the decision pipeline day by day. One
// simulator carries the paper balance across days; risk limits reset each
// morning. A second run over the same dataset produces identical trades.
type Replayer struct {
	cfg       *store.Config
	indexName string
	icfg      store.IndexConfig
}

func NewReplayer(cfg *store.Config, indexName string) (*Replayer, error) {
	icfg, ok := cfg.Indices[indexName]
	if !ok {
		return nil, fmt.Errorf("index %s not present in config", indexName)
	}
	// Strikes are scoped to one dataset day, so a position can never be
	// carried overnight in replay. Force the session-end exit.
	cc := *cfg
	cc.Exits.ForceCloseAtEnd = true
	return &Replayer{cfg: &cc, indexName: indexName, icfg: icfg}, nil
}

// Result is the outcome of one replay.
type Result struct {
	Trades       []types.Position
	DailyPnL     map[time.Time]float64
	FinalBalance float64
	DaysReplayed int
}

// Run replays the loaded days in order through one pipeline, so candle
// history and reference levels confirmed on warmup days carry into the
// trading days. The first warmupDays days never trade.
func (r *Replayer) Run(ctx context.Context, days []Day) (*Result, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	ex := r.cfg.Execution
	simulator := sim.New(ex.SlippagePct, ex.CommissionPct, ex.FixedCharge, ex.InitialBalance)
	risk := engine.NewRiskState(r.cfg.Risk.MaxDailyLoss, r.cfg.Risk.MaxPositions)
	sink := &collector{}

	dailyPnL := make(map[time.Time]float64)
	interval := time.Duration(r.cfg.IntervalMinutes) * time.Minute

	disc := &dayDiscoverer{}
	roll := strikes.NewManager(r.indexName, r.icfg.Key,
		r.cfg.Rollover.PeriodMinutes, r.icfg.RolloverPoints, disc)
	pipe := engine.New(r.indexName, r.cfg, r.icfg, agg.New(interval), roll, risk, simulator, sink)

	for i, day := range days {
		risk.ResetDay(day.Date)
		pipe.ResetDay()
		startPnL := risk.RealizedToday()

		disc.inner = newCSVDiscoverer(day.Rows)
		pipe.SetWarmup(i < warmupDays)

		var lastTS time.Time
		for _, row := range day.Rows {
			pipe.ApplyCandle(ctx, row.candle())
			lastTS = row.Timestamp.Time
		}
		pipe.CloseSession(ctx, lastTS.Add(interval))

		dailyPnL[day.Date] = risk.RealizedToday() - startPnL
		logger.Debug(ctx, "Replayed day",
			"date", day.Date.Format("2006-01-02"),
			"pnl", dailyPnL[day.Date], "balance", simulator.Balance())
	}

	sort.SliceStable(sink.trades, func(i, j int) bool {
		return sink.trades[i].ClosedAt.Before(sink.trades[j].ClosedAt)
	})
	return &Result{
		Trades:       sink.trades,
		DailyPnL:     dailyPnL,
		FinalBalance: simulator.Balance(),
		DaysReplayed: len(days),
	}, nil
}
