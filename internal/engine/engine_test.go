package engine

import (
	"context"
	"testing"
	"time"

	"symmetry-trader/internal/agg"
	"symmetry-trader/internal/sim"
	"symmetry-trader/internal/store"
	"symmetry-trader/internal/strikes"
	"symmetry-trader/internal/types"
)

type fixedDiscoverer struct {
	d strikes.Discovery
}

func (f fixedDiscoverer) Discover(ctx context.Context, indexName string, spot float64) (strikes.Discovery, error) {
	return f.d, nil
}

type recordingSink struct {
	NopSink
	levels  []types.ReferenceLevel
	signals []types.Signal
	opened  []types.Position
	closed  []types.Position
}

func (r *recordingSink) LevelConfirmed(ctx context.Context, l types.ReferenceLevel) {
	r.levels = append(r.levels, l)
}

func (r *recordingSink) SignalCreated(ctx context.Context, s types.Signal) {
	r.signals = append(r.signals, s)
}

func (r *recordingSink) PositionOpened(ctx context.Context, p types.Position) {
	r.opened = append(r.opened, p)
}

func (r *recordingSink) PositionClosed(ctx context.Context, p types.Position) {
	r.closed = append(r.closed, p)
}

func testConfig() *store.Config {
	cfg := &store.Config{Mode: "PAPER", IntervalMinutes: 1}
	cfg.Rollover.PeriodMinutes = 5
	cfg.Swing.Window = 3
	cfg.Swing.PullbackDepth = 1
	cfg.Swing.ATRPeriod = 3
	cfg.Swing.ATRMult = 0.01
	cfg.Confluence.Threshold = 3
	cfg.Confluence.OppositeLowWindow = 5
	cfg.Confluence.RetestTolerance = 2
	cfg.Guardrails.Absorption = true
	cfg.Guardrails.FakeBreak = true
	cfg.Guardrails.Asymmetry = true
	cfg.Exits.StopBuffer = 1
	cfg.Exits.TrailMode = "ATR"
	cfg.Exits.TrailATRMult = 1.5
	cfg.Exits.TrailSMAPeriod = 5
	cfg.Exits.BreakevenGainPct = 10
	cfg.Exits.HardStopPct = 50
	cfg.Exits.ExhaustionCloses = 2
	cfg.Exits.CooldownMinutes = 15
	cfg.Exits.ForceCloseAtEnd = true
	cfg.Risk.MaxDailyLoss = 50000
	cfg.Risk.MaxPositions = 4
	return cfg
}

func testIndexConfig() store.IndexConfig {
	return store.IndexConfig{Key: "IDX", LotSize: 75, RolloverPoints: 25}
}

type bar struct {
	open, high, low, close float64
	oi                     float64
}

// minute is one replay step: the option candles apply before the index candle
// of the same interval.
type minute struct {
	ce, pe, idx bar
}

// squeezeDay produces a BUY_CE squeeze: a confirmed high at minute 1, a full
// 4/4 breakout at minute 3, and a stop-loss exit at minute 4.
func squeezeDay() []minute {
	return []minute{
		{ce: bar{10, 10.5, 9.5, 10, 1000}, pe: bar{10, 10.5, 9.5, 10, 500}, idx: bar{100, 102, 99, 101, 0}},
		{ce: bar{10, 12.5, 10, 12, 1000}, pe: bar{10, 10, 8, 8, 500}, idx: bar{101, 110, 100, 108, 0}},
		{ce: bar{12, 12.5, 11, 11.5, 1000}, pe: bar{8, 9, 8, 8.5, 500}, idx: bar{108, 105, 98, 104, 0}},
		{ce: bar{11.5, 13.5, 12, 13, 900}, pe: bar{8.5, 8.5, 6.8, 7, 600}, idx: bar{104, 111.5, 103, 111, 0}},
		{ce: bar{13, 13, 9.8, 10, 900}, pe: bar{7, 8, 7, 7.5, 600}, idx: bar{111, 111, 105, 106, 0}},
	}
}

func runDay(t *testing.T, minutes []minute) (*Pipeline, *recordingSink, *sim.Simulator) {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()
	icfg := testIndexConfig()

	disc := fixedDiscoverer{d: strikes.Discovery{CallKey: "CE", PutKey: "PE", Strike: 100, Expiry: "2026-03-05"}}
	roll := strikes.NewManager("NIFTY", icfg.Key, cfg.Rollover.PeriodMinutes, icfg.RolloverPoints, disc)
	risk := NewRiskState(cfg.Risk.MaxDailyLoss, cfg.Risk.MaxPositions)
	simulator := sim.New(0, 0, 0, 100000)
	sink := &recordingSink{}

	pipe := New("NIFTY", cfg, icfg, agg.New(time.Minute), roll, risk, simulator, sink)
	for i, m := range minutes {
		start := t0.Add(time.Duration(i) * time.Minute)
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "CE", Start: start,
			Open: m.ce.open, High: m.ce.high, Low: m.ce.low, Close: m.ce.close, OI: m.ce.oi})
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "PE", Start: start,
			Open: m.pe.open, High: m.pe.high, Low: m.pe.low, Close: m.pe.close, OI: m.pe.oi})
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "IDX", Start: start,
			Open: m.idx.open, High: m.idx.high, Low: m.idx.low, Close: m.idx.close})
	}
	return pipe, sink, simulator
}

func TestPipelineFullSqueezeLifecycle(t *testing.T) {
	_, sink, _ := runDay(t, squeezeDay())

	if len(sink.levels) == 0 {
		t.Fatal("expected at least one confirmed level")
	}
	first := sink.levels[0]
	if first.Direction != types.LevelHigh {
		t.Errorf("expected a High level, got %s", first.Direction)
	}
	if first.IndexPrice != 110 {
		t.Errorf("expected level at 110, got %f", first.IndexPrice)
	}
	if first.CallPrice != 12 || first.PutPrice != 8 {
		t.Errorf("option prices must come from the extreme's candle, got CE=%f PE=%f",
			first.CallPrice, first.PutPrice)
	}
	if first.Epoch != 1 {
		t.Errorf("expected epoch 1, got %d", first.Epoch)
	}

	if len(sink.signals) != 1 {
		t.Fatalf("expected exactly one signal, got %d", len(sink.signals))
	}
	sig := sink.signals[0]
	if sig.Direction != types.BuyCE {
		t.Errorf("expected BUY_CE, got %s", sig.Direction)
	}
	if sig.Score != 4 {
		t.Errorf("expected score 4, got %d", sig.Score)
	}
	if sig.OptionPrice != 13 {
		t.Errorf("expected entry reference price 13, got %f", sig.OptionPrice)
	}

	if len(sink.opened) != 1 {
		t.Fatalf("expected one open, got %d", len(sink.opened))
	}
	open := sink.opened[0]
	if open.EntryPrice != 13 {
		t.Errorf("zero-slippage entry must fill at 13, got %f", open.EntryPrice)
	}
	if open.StopPrice != 11 {
		t.Errorf("stop must sit at breakout low minus buffer (12-1), got %f", open.StopPrice)
	}
	if open.Quantity != 75 {
		t.Errorf("expected lot size 75, got %d", open.Quantity)
	}

	if len(sink.closed) != 1 {
		t.Fatalf("expected one close, got %d", len(sink.closed))
	}
	closed := sink.closed[0]
	if closed.CloseReason != types.CloseStopLoss {
		t.Errorf("expected STOP_LOSS, got %s", closed.CloseReason)
	}
	want := (10.0 - 13.0) * 75
	if closed.RealizedPnL != want {
		t.Errorf("expected pnl %f, got %f", want, closed.RealizedPnL)
	}
}

func TestPipelineReplayIsDeterministic(t *testing.T) {
	_, a, simA := runDay(t, squeezeDay())
	_, b, simB := runDay(t, squeezeDay())

	if len(a.closed) != len(b.closed) {
		t.Fatalf("trade counts differ: %d vs %d", len(a.closed), len(b.closed))
	}
	for i := range a.closed {
		x, y := a.closed[i], b.closed[i]
		if x.Direction != y.Direction || x.EntryPrice != y.EntryPrice ||
			x.ExitPrice != y.ExitPrice || x.RealizedPnL != y.RealizedPnL ||
			x.CloseReason != y.CloseReason || !x.OpenedAt.Equal(y.OpenedAt) {
			t.Errorf("trade %d differs:\n%+v\n%+v", i, x, y)
		}
	}
	if simA.Balance() != simB.Balance() {
		t.Errorf("balances differ: %f vs %f", simA.Balance(), simB.Balance())
	}
}

func TestPipelineFakeBreakVoidsSignal(t *testing.T) {
	day := squeezeDay()
	// Active-side OI rising into the breakout: writers are adding, not
	// covering. The candidate still scores 3 but the guardrail voids it.
	day[3].ce.oi = 1100
	_, sink, _ := runDay(t, day)

	if len(sink.signals) != 0 {
		t.Fatalf("fake break must void the signal, got %d signals", len(sink.signals))
	}
	if len(sink.opened) != 0 {
		t.Error("no position may open on a voided signal")
	}
}

func TestPipelineWarmupSuppressesTrading(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	icfg := testIndexConfig()
	disc := fixedDiscoverer{d: strikes.Discovery{CallKey: "CE", PutKey: "PE", Strike: 100}}
	roll := strikes.NewManager("NIFTY", icfg.Key, cfg.Rollover.PeriodMinutes, icfg.RolloverPoints, disc)
	pipe := New("NIFTY", cfg, icfg, agg.New(time.Minute), roll,
		NewRiskState(50000, 4), sim.New(0, 0, 0, 100000), &recordingSink{})
	sink := pipe.sink.(*recordingSink)
	pipe.SetWarmup(true)

	for i, m := range squeezeDay() {
		start := t0.Add(time.Duration(i) * time.Minute)
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "CE", Start: start, Open: m.ce.open, High: m.ce.high, Low: m.ce.low, Close: m.ce.close, OI: m.ce.oi})
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "PE", Start: start, Open: m.pe.open, High: m.pe.high, Low: m.pe.low, Close: m.pe.close, OI: m.pe.oi})
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "IDX", Start: start, Open: m.idx.open, High: m.idx.high, Low: m.idx.low, Close: m.idx.close})
	}

	if len(sink.levels) == 0 {
		t.Error("warmup must still confirm levels")
	}
	if len(sink.signals) != 0 || len(sink.opened) != 0 {
		t.Error("warmup must not trade")
	}
}

func TestPipelineForceCloseAtSessionEnd(t *testing.T) {
	ctx := context.Background()
	// Stop only the replay before the exit candle so the position is still
	// open at session end.
	pipe, sink, _ := runDay(t, squeezeDay()[:4])
	if len(sink.opened) != 1 {
		t.Fatalf("expected an open position, got %d", len(sink.opened))
	}
	// A partial candle is in flight when the session ends; the forced exit
	// must fill at its price, not at the last fully closed candle's.
	pipe.OnTick(ctx, types.Tick{Instrument: "CE", Timestamp: t0.Add(4*time.Minute + 10*time.Second), LastPrice: 12.4})
	pipe.CloseSession(ctx, t0.Add(5*time.Minute))

	if len(sink.closed) != 1 {
		t.Fatalf("expected forced close, got %d", len(sink.closed))
	}
	if sink.closed[0].CloseReason != types.CloseTimeExit {
		t.Errorf("expected TIME_EXIT, got %s", sink.closed[0].CloseReason)
	}
	if sink.closed[0].ExitPrice != 12.4 {
		t.Errorf("forced exit must fill at the session's final price, got %f", sink.closed[0].ExitPrice)
	}
}

func TestPipelineSymmetryBreakExit(t *testing.T) {
	day := squeezeDay()
	// The index holds above the 110 level but the call slips back under its
	// recorded reference price of 12 while staying above the 11 stop.
	day[4] = minute{
		ce:  bar{13, 13.2, 11.4, 11.5, 900},
		pe:  bar{7, 8, 7, 7.5, 600},
		idx: bar{111, 112.5, 110.5, 112, 0},
	}
	_, sink, _ := runDay(t, day)

	if len(sink.opened) != 1 {
		t.Fatalf("expected one open, got %d", len(sink.opened))
	}
	open := sink.opened[0]
	if open.LevelIndexPrice != 110 || open.LevelOptionPrice != 12 {
		t.Fatalf("position must pin its founding level, got index=%f option=%f",
			open.LevelIndexPrice, open.LevelOptionPrice)
	}
	if len(sink.closed) != 1 {
		t.Fatalf("expected one close, got %d", len(sink.closed))
	}
	closed := sink.closed[0]
	if closed.CloseReason != types.CloseSymmetryBreak {
		t.Errorf("expected SYMMETRY_BREAK, got %s", closed.CloseReason)
	}
	if closed.ExitPrice != 11.5 {
		t.Errorf("expected exit at 11.5, got %f", closed.ExitPrice)
	}
}

func TestPipelineAdoptedPositionOutlastsOppositeLows(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	icfg := testIndexConfig()
	disc := fixedDiscoverer{d: strikes.Discovery{CallKey: "CE", PutKey: "PE", Strike: 100}}
	roll := strikes.NewManager("NIFTY", icfg.Key, cfg.Rollover.PeriodMinutes, icfg.RolloverPoints, disc)
	sink := &recordingSink{}
	pipe := New("NIFTY", cfg, icfg, agg.New(time.Minute), roll,
		NewRiskState(50000, 4), sim.New(0, 0, 0, 100000), sink)

	// Recovered before any tick: no quotes exist to anchor the exhaustion
	// tracking yet.
	pipe.AdoptPosition(&types.Position{
		SignalID: "recovered", IndexName: "NIFTY", Direction: types.BuyCE,
		OptionKey: "CE", CallKey: "CE", PutKey: "PE",
		Quantity: 75, EntryPrice: 13, StopPrice: 5, OpenedAt: t0.Add(-time.Hour),
	})

	// The put prints a strictly lower close every minute: the crush is alive
	// and the position must stay open.
	peCloses := []float64{8, 7.5, 7, 6.5}
	for i, pc := range peCloses {
		start := t0.Add(time.Duration(i) * time.Minute)
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "CE", Start: start, Open: 13, High: 13, Low: 13, Close: 13, OI: 900})
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "PE", Start: start, Open: pc, High: pc, Low: pc, Close: pc, OI: 600})
		pipe.ApplyCandle(ctx, types.Candle{Instrument: "IDX", Start: start, Open: 100, High: 101, Low: 99, Close: 100})
	}

	if len(sink.closed) != 0 {
		t.Fatalf("adopted position must not close while the opposite keeps making lows, got %s",
			sink.closed[0].CloseReason)
	}
	if pipe.Position() == nil {
		t.Error("expected the recovered position to still be open")
	}
}

func TestPipelineCooldownBlocksReentry(t *testing.T) {
	day := squeezeDay()
	// Repeat the breakout pattern right after the stop-out; the cooldown
	// window (15 minutes) must block the second entry.
	day = append(day,
		minute{ce: bar{10, 13.5, 12, 13, 800}, pe: bar{7.5, 7.5, 6, 6.2, 700}, idx: bar{106, 112, 105, 111.8, 0}},
	)
	_, sink, _ := runDay(t, day)

	if len(sink.signals) != 1 {
		t.Errorf("cooldown must block re-entry, got %d signals", len(sink.signals))
	}
}
