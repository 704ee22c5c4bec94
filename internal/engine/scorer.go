package engine

import (
	"time"

	"symmetry-trader/internal/types"
)

// scorer evaluates the four-condition confluence rule against the state at a
// candle close. Each condition is worth exactly one point:
//
//  1. index price crosses beyond the reference level in its direction
//  2. the active option crosses beyond its own recorded reference price
//  3. the opposite option breaks below its own rolling local support
//  4. OI panic: active option OI falling while opposite option OI rises
type scorer struct {
	threshold         int
	oppositeLowWindow int
	decay             *decayFilter
}

type evalInput struct {
	Level      types.ReferenceLevel
	IndexPrice float64
	ActiveQ    types.Quote
	OppositeQ  types.Quote
	OppHistory []types.Candle
	At         time.Time
	Epoch      uint64
}

func (s *scorer) evaluate(in evalInput) types.Evaluation {
	bull := in.Level.Direction == types.LevelHigh

	ev := types.Evaluation{
		At:    in.At,
		Level: in.Level,
		Epoch: in.Epoch,
	}
	if bull {
		ev.Direction = types.BuyCE
	} else {
		ev.Direction = types.BuyPE
	}

	refActive, refIndex := in.Level.PutPrice, in.Level.IndexPrice
	if bull {
		refActive = in.Level.CallPrice
	}

	if (bull && in.IndexPrice > refIndex) || (!bull && in.IndexPrice < refIndex) {
		ev.IndexBreak = true
		ev.Score++
	}
	if in.ActiveQ.LTP > refActive {
		ev.OptionBreak = true
		ev.Score++
	}
	if support, ok := lowestLow(in.OppHistory, s.oppositeLowWindow); ok && in.OppositeQ.LTP < support {
		ev.OppositeBreakdown = true
		ev.Score++
	}
	if in.ActiveQ.OIDelta < 0 && in.OppositeQ.OIDelta > 0 {
		ev.OIPanic = true
		ev.Score++
	}
	ev.DecayConviction = s.decay.check(in.IndexPrice, in.ActiveQ.LTP, in.Level)

	return ev
}

// passes reports whether the evaluation clears the configured score threshold.
func (s *scorer) passes(ev types.Evaluation) bool {
	return ev.Score >= s.threshold
}

// better resolves a same-cycle tie between two candidate evaluations: higher
// score wins, then the more recently confirmed level, then High before Low so
// the ordering is total.
func better(a, b types.Evaluation) types.Evaluation {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return a
		}
		return b
	}
	if !a.Level.ConfirmedAt.Equal(b.Level.ConfirmedAt) {
		if a.Level.ConfirmedAt.After(b.Level.ConfirmedAt) {
			return a
		}
		return b
	}
	if a.Level.Direction == types.LevelHigh {
		return a
	}
	return b
}
