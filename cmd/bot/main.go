package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"symmetry-trader/internal/agg"
	"symmetry-trader/internal/alerts"
	"symmetry-trader/internal/engine"
	"symmetry-trader/internal/feed"
	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/persist"
	"symmetry-trader/internal/sim"
	"symmetry-trader/internal/store"
	"symmetry-trader/internal/strikes"
	"symmetry-trader/internal/types"
)

// warmupCandles is how many index intervals must pass after the first tick
// before a pipeline may trade.
const warmupCandles = 20

// stallTimeout pauses a pipeline when none of its instruments ticked for this
// long during market hours.
const stallTimeout = 2 * time.Minute

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

type pipeState struct {
	pipe      *engine.Pipeline
	icfg      store.IndexConfig
	epoch     uint64
	firstTick time.Time
	lastTick  time.Time
	paused    bool
	pausedAt  time.Time
	warmedUp  bool
}

// alertSink forwards the relevant engine events to Telegram.
type alertSink struct {
	engine.NopSink
	notifier *alerts.Notifier
}

func (a alertSink) SignalCreated(ctx context.Context, s types.Signal) {
	a.notifier.SignalCreated(ctx, s)
}

func (a alertSink) PositionClosed(ctx context.Context, p types.Position) {
	a.notifier.PositionClosed(ctx, p)
}

func main() {
	_ = godotenv.Load()
	must(logger.Init())
	cfg, err := store.LoadConfig("config.yaml")
	must(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ist, err := time.LoadLocation("Asia/Kolkata")
	must(err)

	db, err := persist.Open(cfg.Persist.Path)
	must(err)
	defer db.Close()
	writer := persist.NewWriter(db)
	defer writer.Close()

	notifier, err := alerts.New(cfg.Alerts.Enabled, os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"))
	must(err)

	kc := kiteconnect.New(os.Getenv("KITE_API_KEY"))
	kc.SetAccessToken(os.Getenv("KITE_ACCESS_TOKEN"))
	disc := strikes.NewKiteDiscoverer(kc)

	source := feed.NewKiteSource(os.Getenv("KITE_API_KEY"), os.Getenv("KITE_ACCESS_TOKEN"))
	must(source.Start(ctx))
	defer source.Stop(ctx)

	now := time.Now().In(ist)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, ist)

	risk := engine.NewRiskState(cfg.Risk.MaxDailyLoss, cfg.Risk.MaxPositions)
	ex := cfg.Execution
	simulator := sim.New(ex.SlippagePct, ex.CommissionPct, ex.FixedCharge, ex.InitialBalance)
	sink := engine.MultiSink{writer, alertSink{notifier: notifier}}

	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	pipes := make(map[string]*pipeState)        // by index name
	byInstrument := make(map[string]*pipeState) // by feed key
	indexSubs := make(map[string]uint32)
	for name, icfg := range cfg.Indices {
		roll := strikes.NewManager(name, icfg.Key, cfg.Rollover.PeriodMinutes, icfg.RolloverPoints, disc)
		pipe := engine.New(name, cfg, icfg, agg.New(interval), roll, risk, simulator, sink)
		pipe.SetWarmup(true)
		ps := &pipeState{pipe: pipe, icfg: icfg}
		pipes[name] = ps
		byInstrument[icfg.Key] = ps
		indexSubs[icfg.Key] = icfg.Token
	}
	recovered := recoverState(ctx, db, risk, pipes, day)
	must(source.Subscribe(ctx, indexSubs))

	closeAt := sessionClose(cfg.Session.CloseIST, day, ist)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	stall := time.NewTicker(30 * time.Second)
	defer stall.Stop()

	riskAlerted := false

	logger.Info(ctx, "Bot started", "mode", cfg.Mode, "indices", len(pipes),
		"interval_minutes", cfg.IntervalMinutes, "recovered_positions", recovered)

	for {
		select {
		case t, ok := <-source.Ticks():
			if !ok {
				logger.Warn(ctx, "Tick stream closed, shutting down")
				shutdown(ctx, pipes, time.Now().In(ist), risk, simulator)
				return
			}
			ps := byInstrument[t.Instrument]
			if ps == nil {
				continue
			}
			handleTick(ctx, ps, t, db, interval)
			if !riskAlerted && risk.RealizedToday() <= -cfg.Risk.MaxDailyLoss {
				riskAlerted = true
				notifier.RiskEvent(ctx, ps.pipe.Name(),
					fmt.Sprintf("Daily loss cap hit (realized %.2f), no new entries today", risk.RealizedToday()))
			}
			if trip := ps.pipe.Triplet(); trip.Epoch != ps.epoch {
				ps.epoch = trip.Epoch
				resubscribe(ctx, source, disc, byInstrument, ps, trip)
			}
			if time.Now().In(ist).After(closeAt) {
				logger.Info(ctx, "Session close reached")
				shutdown(ctx, pipes, closeAt, risk, simulator)
				return
			}
		case <-stall.C:
			for _, ps := range pipes {
				if ps.paused || ps.lastTick.IsZero() {
					continue
				}
				if time.Since(ps.lastTick) > stallTimeout {
					ps.paused = true
					ps.pausedAt = ps.lastTick
					ps.pipe.Pause(ctx)
				}
			}
		case <-sigc:
			logger.Info(ctx, "Shutting down on signal")
			shutdown(ctx, pipes, time.Now().In(ist), risk, simulator)
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleTick feeds one tick into its pipeline, resuming first if the pipeline
// was paused by a stream gap. Resume replays stored candles from the gap so
// aggregation restarts from clean interval boundaries.
func handleTick(ctx context.Context, ps *pipeState, t types.Tick, db *persist.Store, interval time.Duration) {
	if ps.paused {
		var backfill []types.Candle
		trip := ps.pipe.Triplet()
		for _, key := range []string{trip.CallKey, trip.PutKey, ps.icfg.Key} {
			if key == "" {
				continue
			}
			if cs, err := db.Candles(key, ps.pausedAt, t.Timestamp); err == nil {
				backfill = append(backfill, cs...)
			}
		}
		ps.pipe.Resume(ctx, backfill)
		ps.paused = false
	}
	if ps.firstTick.IsZero() {
		ps.firstTick = t.Timestamp
	}
	ps.lastTick = t.Timestamp

	ps.pipe.OnTick(ctx, t)

	if !ps.warmedUp && t.Timestamp.Sub(ps.firstTick) >= time.Duration(warmupCandles)*interval {
		ps.warmedUp = true
		ps.pipe.SetWarmup(false)
		logger.Info(ctx, "Warmup complete", "index", ps.pipe.Name())
	}
}

// recoverState rehydrates the risk ledger and re-adopts open positions after
// a restart. Returns the number of adopted positions.
func recoverState(ctx context.Context, db *persist.Store, risk *engine.RiskState, pipes map[string]*pipeState, day time.Time) int {
	pnl, err := db.RealizedPnLToday(day, day.Add(24*time.Hour))
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load today's realized PnL", err)
	}
	open, err := db.OpenPositions()
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load open positions", err)
	}
	adopted := 0
	for i := range open {
		p := open[i]
		ps, ok := pipes[p.IndexName]
		if !ok {
			logger.Warn(ctx, "Open position for unconfigured index", "index", p.IndexName)
			continue
		}
		ps.pipe.AdoptPosition(&p)
		adopted++
		logger.Info(ctx, "Recovered open position",
			"index", p.IndexName, "direction", string(p.Direction),
			"entry", p.EntryPrice, "stop", p.StopPrice)
	}
	risk.Rehydrate(day, pnl, adopted)
	return adopted
}

// resubscribe swaps feed subscriptions to the rolled option pair.
func resubscribe(ctx context.Context, source *feed.KiteSource, disc *strikes.KiteDiscoverer, byInstrument map[string]*pipeState, ps *pipeState, trip types.InstrumentTriplet) {
	var stale []string
	for key, owner := range byInstrument {
		if owner != ps || key == ps.icfg.Key {
			continue
		}
		if key != trip.CallKey && key != trip.PutKey {
			stale = append(stale, key)
			delete(byInstrument, key)
		}
	}
	if err := source.Unsubscribe(ctx, stale); err != nil {
		logger.ErrorWithErr(ctx, "Unsubscribe failed", err, "index", ps.pipe.Name())
	}

	subs := make(map[string]uint32)
	for _, key := range []string{trip.CallKey, trip.PutKey} {
		token, ok := disc.Token(key)
		if !ok {
			logger.Error(ctx, "No token for option", "instrument", key)
			continue
		}
		subs[key] = token
		byInstrument[key] = ps
	}
	if err := source.Subscribe(ctx, subs); err != nil {
		logger.ErrorWithErr(ctx, "Subscribe failed", err, "index", ps.pipe.Name())
	}
}

func shutdown(ctx context.Context, pipes map[string]*pipeState, at time.Time, risk *engine.RiskState, simulator *sim.Simulator) {
	for _, ps := range pipes {
		ps.pipe.CloseSession(ctx, at)
	}
	logger.Info(ctx, "Session summary",
		"realized_pnl", risk.RealizedToday(),
		"open_positions", risk.OpenCount(),
		"balance", simulator.Balance())
}

// sessionClose parses the HH:MM close time onto today's date in IST.
func sessionClose(hhmm string, day time.Time, ist *time.Location) time.Time {
	t, err := time.ParseInLocation("15:04", hhmm, ist)
	if err != nil {
		t, _ = time.ParseInLocation("15:04", "15:30", ist)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, ist)
}
