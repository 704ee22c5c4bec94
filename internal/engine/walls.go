package engine

import (
	"time"

	"symmetry-trader/internal/types"
)

// swingPoint is an index extreme that survived its pullback confirmation.
type swingPoint struct {
	Direction types.LevelDirection
	Price     float64
	At        time.Time
}

// wallDetector confirms swing highs/lows on closed index candles.
//
// A High is confirmed at candle i-k when that candle holds the window's
// maximum high and each of the k subsequent candles printed a strictly lower
// high; symmetric for Lows. Confirmation therefore lags the extreme by k
// candles: the level has withstood at least one retest before it can drive a
// trigger. A magnitude filter (move from the window open must exceed
// atrMult x ATR) drops structureless drift.
type wallDetector struct {
	window    int
	pullback  int
	atrPeriod int
	atrMult   float64
}

func newWallDetector(window, pullback, atrPeriod int, atrMult float64) *wallDetector {
	return &wallDetector{window: window, pullback: pullback, atrPeriod: atrPeriod, atrMult: atrMult}
}

func (d *wallDetector) detect(candles []types.Candle) []swingPoint {
	if len(candles) < d.window || len(candles) < d.pullback+1 {
		return nil
	}
	win := candles[len(candles)-d.window:]

	a := atr(win, d.atrPeriod)
	threshold := 5.0
	if a > 0 {
		threshold = a * d.atrMult
	}

	maxHigh, minLow := win[0].High, win[0].Low
	for _, c := range win[1:] {
		if c.High > maxHigh {
			maxHigh = c.High
		}
		if c.Low < minLow {
			minLow = c.Low
		}
	}
	windowOpen := win[0].Open

	cand := candles[len(candles)-1-d.pullback]
	after := candles[len(candles)-d.pullback:]

	var swings []swingPoint

	if cand.High == maxHigh && absDiff(maxHigh, windowOpen) >= threshold {
		confirmed := true
		for _, c := range after {
			if c.High >= cand.High {
				confirmed = false
				break
			}
		}
		if confirmed {
			swings = append(swings, swingPoint{Direction: types.LevelHigh, Price: cand.High, At: cand.Start})
		}
	}

	if cand.Low == minLow && absDiff(minLow, windowOpen) >= threshold {
		confirmed := true
		for _, c := range after {
			if c.Low <= cand.Low {
				confirmed = false
				break
			}
		}
		if confirmed {
			swings = append(swings, swingPoint{Direction: types.LevelLow, Price: cand.Low, At: cand.Start})
		}
	}

	return swings
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// levelBook is the append-only store of reference levels per direction.
// The newest level per direction is the active one; superseded levels are
// retained for analytics but never drive triggers again.
type levelBook struct {
	highs []types.ReferenceLevel
	lows  []types.ReferenceLevel
}

func (b *levelBook) confirm(l types.ReferenceLevel) {
	switch l.Direction {
	case types.LevelHigh:
		b.highs = append(b.highs, l)
	case types.LevelLow:
		b.lows = append(b.lows, l)
	}
}

// active returns the current level for a direction, or false when none has
// been confirmed yet.
func (b *levelBook) active(dir types.LevelDirection) (types.ReferenceLevel, bool) {
	switch dir {
	case types.LevelHigh:
		if len(b.highs) == 0 {
			return types.ReferenceLevel{}, false
		}
		return b.highs[len(b.highs)-1], true
	default:
		if len(b.lows) == 0 {
			return types.ReferenceLevel{}, false
		}
		return b.lows[len(b.lows)-1], true
	}
}
