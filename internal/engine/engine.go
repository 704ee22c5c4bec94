// Package engine implements the squeeze-detection decision core: reference
// level tracking, confluence scoring, guardrails, and the position lifecycle.
// The same pipeline drives live paper trading and backtest replay; the only
// difference between the two is where candles come from.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/sim"
	"symmetry-trader/internal/store"
	"symmetry-trader/internal/strikes"
	"symmetry-trader/internal/types"
)

const historyDepth = 500

// Sink receives engine events for persistence, alerting, and reporting.
// Implementations must not block; the pipeline calls them synchronously on
// its decision path.
type Sink interface {
	CandleClosed(ctx context.Context, c types.Candle)
	LevelConfirmed(ctx context.Context, l types.ReferenceLevel)
	SignalCreated(ctx context.Context, s types.Signal)
	PositionOpened(ctx context.Context, p types.Position)
	StopMoved(ctx context.Context, p types.Position)
	PositionClosed(ctx context.Context, p types.Position)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) CandleClosed(context.Context, types.Candle)           {}
func (NopSink) LevelConfirmed(context.Context, types.ReferenceLevel) {}
func (NopSink) SignalCreated(context.Context, types.Signal)          {}
func (NopSink) PositionOpened(context.Context, types.Position)       {}
func (NopSink) StopMoved(context.Context, types.Position)            {}
func (NopSink) PositionClosed(context.Context, types.Position)       {}

// MultiSink fans every event out to each sink in order.
type MultiSink []Sink

func (m MultiSink) CandleClosed(ctx context.Context, c types.Candle) {
	for _, s := range m {
		s.CandleClosed(ctx, c)
	}
}

func (m MultiSink) LevelConfirmed(ctx context.Context, l types.ReferenceLevel) {
	for _, s := range m {
		s.LevelConfirmed(ctx, l)
	}
}

func (m MultiSink) SignalCreated(ctx context.Context, sig types.Signal) {
	for _, s := range m {
		s.SignalCreated(ctx, sig)
	}
}

func (m MultiSink) PositionOpened(ctx context.Context, p types.Position) {
	for _, s := range m {
		s.PositionOpened(ctx, p)
	}
}

func (m MultiSink) StopMoved(ctx context.Context, p types.Position) {
	for _, s := range m {
		s.StopMoved(ctx, p)
	}
}

func (m MultiSink) PositionClosed(ctx context.Context, p types.Position) {
	for _, s := range m {
		s.PositionClosed(ctx, p)
	}
}

// Pipeline is the full decision chain for one index. It is single-threaded:
// the owner feeds it ticks or candles from one goroutine and every decision
// happens synchronously on an index candle close.
type Pipeline struct {
	name     string
	icfg     store.IndexConfig
	interval time.Duration

	agg    Ingest
	roll   *strikes.Manager
	walls  *wallDetector
	score  *scorer
	guards *guardrails
	exits  *exitManager
	risk   *RiskState
	sim    *sim.Simulator
	sink   Sink

	cooldown   time.Duration
	forceClose bool

	hist   map[string]*series
	quotes map[string]types.Quote
	levels levelBook

	pos    *types.Position
	exitSt *exitState

	// lastSwing dedupes swing confirmations: the same extreme candle must
	// not mint a level twice.
	lastSwing map[types.LevelDirection]time.Time

	warmup bool
	paused bool
}

// Ingest is the tick-to-candle stage, satisfied by agg.Aggregator. Backtests
// bypass it and call ApplyCandle directly.
type Ingest interface {
	Apply(t types.Tick) (types.Candle, bool)
	Flush(instrument string) (types.Candle, bool)
	Pause(instrument string)
	Resume(instrument string)
	LastSeen(instrument string) (time.Time, bool)
}

// New wires a pipeline for one index from the shared config, the shared risk
// state, and this index's rollover manager.
func New(name string, cfg *store.Config, icfg store.IndexConfig, ingest Ingest, roll *strikes.Manager, risk *RiskState, s *sim.Simulator, sink Sink) *Pipeline {
	if sink == nil {
		sink = NopSink{}
	}
	return &Pipeline{
		name:     name,
		icfg:     icfg,
		interval: time.Duration(cfg.IntervalMinutes) * time.Minute,
		agg:      ingest,
		roll:     roll,
		walls:    newWallDetector(cfg.Swing.Window, cfg.Swing.PullbackDepth, cfg.Swing.ATRPeriod, cfg.Swing.ATRMult),
		score: &scorer{
			threshold:         cfg.Confluence.Threshold,
			oppositeLowWindow: cfg.Confluence.OppositeLowWindow,
			decay:             &decayFilter{tolerance: cfg.Confluence.RetestTolerance},
		},
		guards: &guardrails{
			absorption: cfg.Guardrails.Absorption,
			fakeBreak:  cfg.Guardrails.FakeBreak,
			asymmetry:  cfg.Guardrails.Asymmetry,
		},
		exits: &exitManager{
			stopBuffer:       cfg.Exits.StopBuffer,
			trailMode:        cfg.Exits.TrailMode,
			trailATRMult:     cfg.Exits.TrailATRMult,
			trailSMAPeriod:   cfg.Exits.TrailSMAPeriod,
			trailATRPeriod:   cfg.Swing.ATRPeriod,
			breakevenGainPct: cfg.Exits.BreakevenGainPct,
			hardStopPct:      cfg.Exits.HardStopPct,
			exhaustionCloses: cfg.Exits.ExhaustionCloses,
		},
		risk:       risk,
		sim:        s,
		sink:       sink,
		cooldown:   time.Duration(cfg.Exits.CooldownMinutes) * time.Minute,
		forceClose: cfg.Exits.ForceCloseAtEnd,
		hist:       make(map[string]*series),
		quotes:     make(map[string]types.Quote),
		lastSwing:  make(map[types.LevelDirection]time.Time),
	}
}

// Name returns the index this pipeline trades.
func (p *Pipeline) Name() string { return p.name }

// Triplet returns the active instrument snapshot; the owner watches its epoch
// to keep feed subscriptions in step with rollover.
func (p *Pipeline) Triplet() types.InstrumentTriplet { return p.roll.Current() }

// SetWarmup toggles warmup mode: candles accumulate and swings confirm, but
// no entry or exit decisions are taken.
func (p *Pipeline) SetWarmup(on bool) { p.warmup = on }

// Position returns the open position, if any.
func (p *Pipeline) Position() *types.Position {
	if p.pos.Open() {
		return p.pos
	}
	return nil
}

// AdoptPosition installs a recovered open position after a restart. The stop
// survives through the record; exhaustion tracking re-anchors on the first
// opposite close observed after adoption.
func (p *Pipeline) AdoptPosition(pos *types.Position) {
	p.pos = pos
	p.exitSt = newExitState(p.quotes[p.oppositeKey(pos)].LTP)
}

// OnTick feeds one raw tick. A tick that closes a candle advances the
// pipeline exactly as a replayed candle would.
func (p *Pipeline) OnTick(ctx context.Context, t types.Tick) {
	if p.paused {
		return
	}
	if c, ok := p.agg.Apply(t); ok {
		p.ApplyCandle(ctx, c)
	}
}

// ApplyCandle folds one closed candle into the pipeline. Option candles only
// update state; an index candle additionally runs the decision cycle.
func (p *Pipeline) ApplyCandle(ctx context.Context, c types.Candle) {
	p.record(ctx, c)
	if c.Instrument == p.icfg.Key {
		p.runCycle(ctx, c)
	}
}

// record folds the candle into history and quotes without taking a decision.
func (p *Pipeline) record(ctx context.Context, c types.Candle) {
	prevOI := 0.0
	if s, ok := p.hist[c.Instrument]; ok {
		if last, ok := s.last(); ok {
			prevOI = last.OI
		}
	}
	s, ok := p.hist[c.Instrument]
	if !ok {
		s = newSeries(historyDepth)
		p.hist[c.Instrument] = s
	}
	s.add(c)

	delta := 0.0
	if prevOI > 0 {
		delta = c.OI - prevOI
	}
	p.quotes[c.Instrument] = types.Quote{LTP: c.Close, OI: c.OI, OIDelta: delta}

	p.sink.CandleClosed(ctx, c)
}

// runCycle is the per-index-close decision sequence: rollover, level
// confirmation, exit checks, then entry evaluation. A cycle that rolls the
// strikes takes no trading decision.
func (p *Pipeline) runCycle(ctx context.Context, indexCandle types.Candle) {
	now := indexCandle.Start.Add(p.interval)

	trip, rolled, err := p.roll.MaybeRoll(ctx, indexCandle.Close, now)
	if err != nil {
		logger.ErrorWithErr(ctx, "Rollover check failed", err, "index", p.name)
	}
	if trip.Epoch == 0 {
		return
	}
	p.confirmLevels(ctx, trip, now)
	if rolled {
		logger.Info(ctx, "Rolled to new ATM strikes",
			"index", p.name, "strike", trip.Strike, "epoch", trip.Epoch,
			"call", trip.CallKey, "put", trip.PutKey)
		return
	}
	if p.warmup {
		return
	}
	if p.pos.Open() {
		p.checkExits(ctx, now)
		return
	}
	p.tryEnter(ctx, trip, indexCandle, now)
}

// confirmLevels runs swing detection on the index history and mints reference
// levels for any newly confirmed extreme, sampling the option prices from the
// candles at the extreme's interval.
func (p *Pipeline) confirmLevels(ctx context.Context, trip types.InstrumentTriplet, now time.Time) {
	idxHist, ok := p.hist[p.icfg.Key]
	if !ok {
		return
	}
	for _, sw := range p.walls.detect(idxHist.candles) {
		if last, seen := p.lastSwing[sw.Direction]; seen && !sw.At.After(last) {
			continue
		}
		ceHist, okCE := p.hist[trip.CallKey]
		peHist, okPE := p.hist[trip.PutKey]
		if !okCE || !okPE {
			continue
		}
		ceCandle, okCE := ceHist.at(sw.At)
		peCandle, okPE := peHist.at(sw.At)
		if !okCE || !okPE {
			// No option candle at the extreme's interval; the level would be
			// anchored to fabricated prices. Skip it.
			logger.Debug(ctx, "Skipping level with missing option candle",
				"index", p.name, "direction", string(sw.Direction), "at", sw.At)
			continue
		}
		p.lastSwing[sw.Direction] = sw.At

		level := types.ReferenceLevel{
			ID:          uuid.NewString(),
			IndexName:   p.name,
			Direction:   sw.Direction,
			IndexPrice:  sw.Price,
			CallPrice:   ceCandle.Close,
			PutPrice:    peCandle.Close,
			CallKey:     trip.CallKey,
			PutKey:      trip.PutKey,
			ConfirmedAt: now,
			Epoch:       trip.Epoch,
		}
		p.levels.confirm(level)
		p.sink.LevelConfirmed(ctx, level)
		logger.Info(ctx, "Reference level confirmed",
			"index", p.name, "direction", string(sw.Direction),
			"index_price", sw.Price, "ce_price", ceCandle.Close, "pe_price", peCandle.Close,
			"epoch", trip.Epoch)
	}
}

// tryEnter evaluates both active levels against the current candle close and
// opens a position when the best candidate clears the threshold, survives the
// guardrails, and the risk gate allows another entry.
func (p *Pipeline) tryEnter(ctx context.Context, trip types.InstrumentTriplet, indexCandle types.Candle, now time.Time) {
	if lastClose, ok := p.risk.LastClose(p.name); ok && now.Before(lastClose.Add(p.cooldown)) {
		return
	}

	var best types.Evaluation
	have := false
	for _, dir := range []types.LevelDirection{types.LevelHigh, types.LevelLow} {
		level, ok := p.levels.active(dir)
		if !ok || level.Epoch != trip.Epoch {
			continue
		}
		activeKey, oppKey := trip.CallKey, trip.PutKey
		if dir == types.LevelLow {
			activeKey, oppKey = trip.PutKey, trip.CallKey
		}
		oppHist, ok := p.hist[oppKey]
		if !ok {
			continue
		}
		ev := p.score.evaluate(evalInput{
			Level:      level,
			IndexPrice: indexCandle.Close,
			ActiveQ:    p.quotes[activeKey],
			OppositeQ:  p.quotes[oppKey],
			OppHistory: oppHist.candles,
			At:         now,
			Epoch:      trip.Epoch,
		})
		if !p.score.passes(ev) {
			continue
		}
		if have {
			best = better(best, ev)
		} else {
			best, have = ev, true
		}
	}
	if !have {
		return
	}

	activeKey, oppKey := trip.CallKey, trip.PutKey
	if best.Direction == types.BuyPE {
		activeKey, oppKey = trip.PutKey, trip.CallKey
	}
	activeQ := p.quotes[activeKey]

	if tripped := p.guards.check(best, activeQ); tripped != "" {
		logger.Info(ctx, "Signal voided by guardrail",
			"index", p.name, "direction", string(best.Direction),
			"guardrail", tripped, "score", best.Score)
		return
	}
	if allowed, reason := p.risk.CanEnter(); !allowed {
		logger.Risk(ctx, p.name, "ENTRY_BLOCKED", "reason", reason)
		return
	}

	fill, err := p.sim.Fill(sim.Buy, activeQ.LTP, p.icfg.LotSize)
	if err != nil {
		logger.ErrorWithErr(ctx, "Entry fill rejected", err, "index", p.name)
		return
	}

	// Initial stop: the low of the active option's breakout candle minus the
	// configured buffer, floored at zero for deep-ATM premiums.
	stop := 0.0
	if s, ok := p.hist[activeKey]; ok {
		if last, ok := s.last(); ok {
			stop = last.Low - p.stopBuffer()
		}
	}
	if stop < 0 {
		stop = 0
	}

	sig := types.Signal{
		ID:          uuid.NewString(),
		IndexName:   p.name,
		Direction:   best.Direction,
		TriggeredAt: now,
		LevelID:     best.Level.ID,
		IndexPrice:  indexCandle.Close,
		OptionPrice: activeQ.LTP,
		Score:       best.Score,
		CallKey:     trip.CallKey,
		PutKey:      trip.PutKey,
	}
	refOption := best.Level.CallPrice
	if best.Direction == types.BuyPE {
		refOption = best.Level.PutPrice
	}
	p.pos = &types.Position{
		SignalID:         sig.ID,
		IndexName:        p.name,
		Direction:        best.Direction,
		OptionKey:        activeKey,
		CallKey:          trip.CallKey,
		PutKey:           trip.PutKey,
		Quantity:         p.icfg.LotSize,
		EntryPrice:       fill.Price,
		EntryIndexPrice:  indexCandle.Close,
		StopPrice:        stop,
		LevelIndexPrice:  best.Level.IndexPrice,
		LevelOptionPrice: refOption,
		TrailingAnchor:   fill.Price,
		OpenedAt:         now,
	}
	p.exitSt = newExitState(p.quotes[oppKey].LTP)
	p.risk.ApplyOpen()

	p.sink.SignalCreated(ctx, sig)
	p.sink.PositionOpened(ctx, *p.pos)
	logger.Signal(ctx, p.name, string(best.Direction), best.Score, indexCandle.Close, activeQ.LTP,
		"level_id", best.Level.ID, "decay_conviction", best.DecayConviction)
	logger.Trade(ctx, p.name, string(best.Direction), "OPEN", p.icfg.LotSize, fill.Price,
		"stop", stop, "cost", fill.Cost)
}

// checkExits maintains the trailing stop and closes the position when any
// exit condition fires.
func (p *Pipeline) checkExits(ctx context.Context, now time.Time) {
	activeQ := p.quotes[p.pos.OptionKey]
	oppKey := p.oppositeKey(p.pos)
	oppQ := p.quotes[oppKey]

	p.exitSt.observeOpposite(oppQ.LTP)

	var activeHist []types.Candle
	if s, ok := p.hist[p.pos.OptionKey]; ok {
		activeHist = s.candles
	}

	prevStop := p.pos.StopPrice
	p.exits.updateTrail(p.pos, activeQ.LTP, activeHist)
	if p.pos.StopPrice > prevStop {
		p.sink.StopMoved(ctx, *p.pos)
		logger.Debug(ctx, "Trailing stop raised",
			"index", p.name, "from", prevStop, "to", p.pos.StopPrice)
	}

	indexClose := p.quotes[p.icfg.Key].LTP
	reason := p.exits.check(p.pos, p.exitSt, indexClose, activeQ.LTP, activeHist, oppQ)
	if reason == "" {
		return
	}
	p.closeAtMarket(ctx, reason, activeQ.LTP, now)
}

// closeAtMarket fills the exit, settles P&L, and releases the risk slot.
func (p *Pipeline) closeAtMarket(ctx context.Context, reason types.CloseReason, price float64, now time.Time) {
	fill, err := p.sim.Fill(sim.Sell, price, p.pos.Quantity)
	if err != nil {
		logger.ErrorWithErr(ctx, "Exit fill rejected", err, "index", p.name, "reason", string(reason))
		return
	}
	closePosition(p.pos, reason, types.Fill{Price: fill.Price, Cost: fill.Cost}, now)
	p.sim.Settle(p.pos.RealizedPnL)
	p.risk.ApplyClose(p.name, p.pos.RealizedPnL, now)

	p.sink.PositionClosed(ctx, *p.pos)
	logger.Trade(ctx, p.name, string(p.pos.Direction), "CLOSE", p.pos.Quantity, fill.Price,
		"reason", string(reason), "pnl", p.pos.RealizedPnL)

	p.exitSt = nil
}

// CloseSession flushes in-progress candles and, when configured, force-closes
// any open position at the last known price with a TIME_EXIT. Flushed partials
// update quotes (so the exit fills at the session's final price) but never run
// the decision cycle.
func (p *Pipeline) CloseSession(ctx context.Context, now time.Time) {
	trip := p.roll.Current()
	for _, key := range []string{trip.CallKey, trip.PutKey, p.icfg.Key} {
		if key == "" {
			continue
		}
		if c, ok := p.agg.Flush(key); ok {
			p.record(ctx, c)
		}
	}
	if p.forceClose && p.pos.Open() {
		price := p.quotes[p.pos.OptionKey].LTP
		if price > 0 {
			p.closeAtMarket(ctx, types.CloseTimeExit, price, now)
		}
	}
}

// Pause stops decision-making and discards in-progress aggregation after a
// stream gap. Candles built across a gap would be stitched from disjoint data.
func (p *Pipeline) Pause(ctx context.Context) {
	p.paused = true
	trip := p.roll.Current()
	for _, key := range []string{trip.CallKey, trip.PutKey, p.icfg.Key} {
		if key != "" {
			p.agg.Pause(key)
		}
	}
	logger.Warn(ctx, "Pipeline paused on stream gap", "index", p.name)
}

// Resume re-enables the pipeline, optionally replaying backfilled candles to
// rebuild continuity before live ticks flow again.
func (p *Pipeline) Resume(ctx context.Context, backfill []types.Candle) {
	for _, c := range backfill {
		p.ApplyCandle(ctx, c)
	}
	trip := p.roll.Current()
	for _, key := range []string{trip.CallKey, trip.PutKey, p.icfg.Key} {
		if key != "" {
			p.agg.Resume(key)
		}
	}
	p.paused = false
	logger.Info(ctx, "Pipeline resumed", "index", p.name, "backfilled", len(backfill))
}

// ResetDay clears per-day decision state at session open. Candle history and
// confirmed levels are intentionally retained; only the swing dedupe anchors
// reset with the day.
func (p *Pipeline) ResetDay() {
	p.lastSwing = make(map[types.LevelDirection]time.Time)
}

func (p *Pipeline) oppositeKey(pos *types.Position) string {
	if pos.OptionKey == pos.CallKey {
		return pos.PutKey
	}
	return pos.CallKey
}

func (p *Pipeline) stopBuffer() float64 {
	return p.exits.stopBuffer
}
