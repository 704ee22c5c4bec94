package engine

import (
	"testing"
	"time"

	"symmetry-trader/internal/types"
)

func oppCandles(lows ...float64) []types.Candle {
	out := make([]types.Candle, len(lows))
	for i, l := range lows {
		out[i] = types.Candle{
			Instrument: "PE",
			Start:      t0.Add(time.Duration(i) * time.Minute),
			Low:        l,
			Close:      l + 1,
		}
	}
	return out
}

func highLevel() types.ReferenceLevel {
	return types.ReferenceLevel{
		ID:         "lvl",
		Direction:  types.LevelHigh,
		IndexPrice: 22500,
		CallPrice:  120,
		PutPrice:   95,
		Epoch:      1,
	}
}

func newTestScorer() *scorer {
	return &scorer{threshold: 3, oppositeLowWindow: 5, decay: &decayFilter{tolerance: 2}}
}

func TestEvaluateFullConfluenceBuyCE(t *testing.T) {
	s := newTestScorer()
	ev := s.evaluate(evalInput{
		Level:      highLevel(),
		IndexPrice: 22510,
		ActiveQ:    types.Quote{LTP: 128, OIDelta: -1500},
		OppositeQ:  types.Quote{LTP: 80, OIDelta: 900},
		OppHistory: oppCandles(95, 92, 90, 88, 85),
		At:         t0.Add(10 * time.Minute),
		Epoch:      1,
	})
	if ev.Direction != types.BuyCE {
		t.Errorf("expected BUY_CE, got %s", ev.Direction)
	}
	if ev.Score != 4 {
		t.Fatalf("expected score 4, got %d (%+v)", ev.Score, ev)
	}
	if !ev.IndexBreak || !ev.OptionBreak || !ev.OppositeBreakdown || !ev.OIPanic {
		t.Errorf("all four conditions should hold: %+v", ev)
	}
	if !s.passes(ev) {
		t.Error("score 4 must pass threshold 3")
	}
	if !ev.DecayConviction {
		t.Error("option above its reference at the level must set the conviction flag")
	}
}

func TestEvaluatePartialScoreFailsThreshold(t *testing.T) {
	s := newTestScorer()
	// Index breaks but the option lags and OI is quiet.
	ev := s.evaluate(evalInput{
		Level:      highLevel(),
		IndexPrice: 22510,
		ActiveQ:    types.Quote{LTP: 115, OIDelta: 0},
		OppositeQ:  types.Quote{LTP: 96, OIDelta: 0},
		OppHistory: oppCandles(95, 94, 94, 95, 95),
		Epoch:      1,
	})
	if ev.Score != 1 {
		t.Fatalf("expected score 1, got %d", ev.Score)
	}
	if s.passes(ev) {
		t.Error("score 1 must not pass")
	}
}

func TestEvaluateLowLevelBuyPE(t *testing.T) {
	s := newTestScorer()
	level := types.ReferenceLevel{
		Direction:  types.LevelLow,
		IndexPrice: 22400,
		CallPrice:  100,
		PutPrice:   110,
		Epoch:      1,
	}
	ev := s.evaluate(evalInput{
		Level:      level,
		IndexPrice: 22390,
		ActiveQ:    types.Quote{LTP: 118, OIDelta: -200},
		OppositeQ:  types.Quote{LTP: 70, OIDelta: 400},
		OppHistory: oppCandles(90, 85, 80, 78, 75),
		Epoch:      1,
	})
	if ev.Direction != types.BuyPE {
		t.Errorf("expected BUY_PE, got %s", ev.Direction)
	}
	if ev.Score != 4 {
		t.Fatalf("expected score 4, got %d", ev.Score)
	}
}

func TestOppositeBreakdownExcludesCurrentCandle(t *testing.T) {
	s := newTestScorer()
	// The most recent candle's low must not count as its own support.
	hist := oppCandles(95, 90, 60)
	ev := s.evaluate(evalInput{
		Level:      highLevel(),
		IndexPrice: 22400, // no index break
		ActiveQ:    types.Quote{LTP: 100},
		OppositeQ:  types.Quote{LTP: 61}, // above prior support 90? no: below
		OppHistory: hist,
		Epoch:      1,
	})
	if !ev.OppositeBreakdown {
		t.Error("close below prior support must count even when today's low is lower")
	}
}

func TestOIPanicNeedsBothSides(t *testing.T) {
	s := newTestScorer()
	ev := s.evaluate(evalInput{
		Level:      highLevel(),
		IndexPrice: 22400,
		ActiveQ:    types.Quote{LTP: 100, OIDelta: -500},
		OppositeQ:  types.Quote{LTP: 96, OIDelta: -100},
		OppHistory: oppCandles(95, 95, 95),
		Epoch:      1,
	})
	if ev.OIPanic {
		t.Error("active covering without opposite build-up is not panic")
	}
}

func TestBetterTieBreakIsTotal(t *testing.T) {
	older := types.Evaluation{Score: 3, Level: types.ReferenceLevel{ID: "old", Direction: types.LevelLow, ConfirmedAt: t0}}
	newer := types.Evaluation{Score: 3, Level: types.ReferenceLevel{ID: "new", Direction: types.LevelLow, ConfirmedAt: t0.Add(time.Minute)}}
	strong := types.Evaluation{Score: 4, Level: types.ReferenceLevel{ID: "strong", Direction: types.LevelLow, ConfirmedAt: t0}}

	if got := better(older, strong); got.Level.ID != "strong" {
		t.Error("higher score must win")
	}
	if got := better(older, newer); got.Level.ID != "new" {
		t.Error("more recent confirmation must win a score tie")
	}

	sameHigh := types.Evaluation{Score: 3, Level: types.ReferenceLevel{ID: "h", Direction: types.LevelHigh, ConfirmedAt: t0}}
	sameLow := types.Evaluation{Score: 3, Level: types.ReferenceLevel{ID: "l", Direction: types.LevelLow, ConfirmedAt: t0}}
	if got := better(sameHigh, sameLow); got.Level.ID != "h" {
		t.Error("High must win a full tie")
	}
	if got := better(sameLow, sameHigh); got.Level.ID != "h" {
		t.Error("tie-break must not depend on argument order")
	}
}

func TestGuardrailsFixedOrder(t *testing.T) {
	g := &guardrails{absorption: true, fakeBreak: true, asymmetry: true}
	level := highLevel()

	// Everything wrong at once: absorption reports first.
	ev := types.Evaluation{Direction: types.BuyCE, IndexBreak: true, Level: level}
	if got := g.check(ev, types.Quote{LTP: 110, OIDelta: 500}); got != "ABSORPTION" {
		t.Errorf("expected ABSORPTION, got %q", got)
	}
	// Option confirmed but writers adding: fake break.
	if got := g.check(ev, types.Quote{LTP: 130, OIDelta: 500}); got != "FAKE_BREAK" {
		t.Errorf("expected FAKE_BREAK, got %q", got)
	}
	// Clean OI but the victim never broke down: asymmetry.
	if got := g.check(ev, types.Quote{LTP: 130, OIDelta: -500}); got != "ASYMMETRY" {
		t.Errorf("expected ASYMMETRY, got %q", got)
	}
	ev.OppositeBreakdown = true
	if got := g.check(ev, types.Quote{LTP: 130, OIDelta: -500}); got != "" {
		t.Errorf("clean candidate must pass, got %q", got)
	}
}

func TestGuardrailsDisabled(t *testing.T) {
	g := &guardrails{}
	ev := types.Evaluation{Direction: types.BuyCE, IndexBreak: true, Level: highLevel()}
	if got := g.check(ev, types.Quote{LTP: 100, OIDelta: 500}); got != "" {
		t.Errorf("disabled guardrails must not trip, got %q", got)
	}
}
