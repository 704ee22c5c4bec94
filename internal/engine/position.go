package engine

import (
	"time"

	"symmetry-trader/internal/types"
)

// exitManager evaluates trailing-stop maintenance and exit conditions on every
// index candle close while a position is open. Checks run in a fixed order so
// a candle that satisfies several conditions always reports the same reason:
// hard stop, then stop loss, then symmetry break, then target exhaustion.
type exitManager struct {
	stopBuffer       float64
	trailMode        string
	trailATRMult     float64
	trailSMAPeriod   int
	trailATRPeriod   int
	breakevenGainPct float64
	hardStopPct      float64
	exhaustionCloses int
}

// exitState is the per-position mutable tracking the exit manager owns. It is
// recreated on entry and discarded on close. An adopted position has no
// opposite quote yet, so the anchor seeds lazily from the first close seen.
type exitState struct {
	oppositeLowest float64 // lowest opposite-option close since entry
	staleCloses    int     // consecutive closes without a new opposite low
	seeded         bool
}

func newExitState(oppositeClose float64) *exitState {
	st := &exitState{}
	if oppositeClose > 0 {
		st.oppositeLowest = oppositeClose
		st.seeded = true
	}
	return st
}

// observeOpposite folds one opposite-option close into the exhaustion
// tracking. A new low resets the stale counter; the first observed close
// only establishes the anchor.
func (st *exitState) observeOpposite(close float64) {
	if !st.seeded {
		if close > 0 {
			st.oppositeLowest = close
			st.seeded = true
		}
		return
	}
	if close < st.oppositeLowest {
		st.oppositeLowest = close
		st.staleCloses = 0
		return
	}
	st.staleCloses++
}

// updateTrail raises the stop per the configured mode. Stops only ever move
// up; activeHist is the closed-candle history of the position's own option.
func (m *exitManager) updateTrail(pos *types.Position, activeClose float64, activeHist []types.Candle) {
	if activeClose > pos.TrailingAnchor {
		pos.TrailingAnchor = activeClose
	}

	switch m.trailMode {
	case "ATR":
		a := atr(activeHist, m.trailATRPeriod)
		if a <= 0 {
			return
		}
		trail := pos.TrailingAnchor - m.trailATRMult*a
		if trail > pos.StopPrice {
			pos.StopPrice = trail
		}
		// Profit lock: once the option runs 3 ATR past entry the stop may
		// never give back more than the first ATR of gains.
		if activeClose > pos.EntryPrice+3*a {
			lock := pos.EntryPrice + a
			if lock > pos.StopPrice {
				pos.StopPrice = lock
			}
		}
	case "BREAKEVEN":
		if pos.EntryPrice <= 0 {
			return
		}
		gain := (activeClose - pos.EntryPrice) / pos.EntryPrice * 100
		if gain >= m.breakevenGainPct && pos.EntryPrice > pos.StopPrice {
			pos.StopPrice = pos.EntryPrice
		}
	}
	// SMA mode trails nothing; the check side compares against the SMA.
}

// check returns the exit reason for this candle close, or "" to stay in.
// indexClose is the index close of the same cycle, oppQ carries the opposite
// option's OI delta for the exhaustion check.
func (m *exitManager) check(pos *types.Position, st *exitState, indexClose, activeClose float64, activeHist []types.Candle, oppQ types.Quote) types.CloseReason {
	if pos.EntryPrice > 0 {
		loss := (pos.EntryPrice - activeClose) / pos.EntryPrice * 100
		if loss >= m.hardStopPct {
			return types.CloseHardStop
		}
	}
	if activeClose <= pos.StopPrice {
		return types.CloseStopLoss
	}
	if m.trailMode == "SMA" {
		if s := sma(activeHist, m.trailSMAPeriod); s > 0 && activeClose < s {
			return types.CloseStopLoss
		}
	}
	// Symmetry break: the index still holds beyond the founding level but the
	// active option has fallen back under its recorded reference price. The
	// option is no longer confirming the move; exit regardless of P&L.
	if pos.LevelOptionPrice > 0 && activeClose < pos.LevelOptionPrice {
		beyond := indexClose >= pos.LevelIndexPrice
		if pos.Direction == types.BuyPE {
			beyond = indexClose <= pos.LevelIndexPrice
		}
		if beyond {
			return types.CloseSymmetryBreak
		}
	}
	// Target exhaustion: the crushed side has stopped making new lows and its
	// writers are no longer adding. The squeeze fuel is spent.
	if st.staleCloses >= m.exhaustionCloses && oppQ.OIDelta >= 0 {
		return types.CloseTargetExhaustion
	}
	return ""
}

// close finalizes the position record with the exit fill.
func closePosition(pos *types.Position, reason types.CloseReason, fill types.Fill, at time.Time) {
	pos.CloseReason = reason
	pos.ExitPrice = fill.Price
	pos.ClosedAt = at
	pos.RealizedPnL = (fill.Price-pos.EntryPrice)*float64(pos.Quantity) - fill.Cost
}
