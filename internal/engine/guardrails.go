package engine

import "symmetry-trader/internal/types"

// guardrails post-filter candidate evaluations that already cleared the score
// threshold. Any single hit voids the candidate outright; it is never retried
// until a later candle produces a fresh evaluation.
type guardrails struct {
	absorption bool
	fakeBreak  bool
	asymmetry  bool
}

// check returns the name of the first tripped guardrail, or "" when the
// candidate is clean. Order is fixed for deterministic verdicts.
func (g *guardrails) check(ev types.Evaluation, activeQ types.Quote) string {
	// Absorption: index broke out but the active option is still at or below
	// its reference price. Redundant with condition 2 at thresholds that
	// require it, kept as a zero-tolerance re-check against tick noise
	// between candle close and evaluation.
	if g.absorption && ev.IndexBreak {
		refActive := ev.Level.PutPrice
		if ev.Direction == types.BuyCE {
			refActive = ev.Level.CallPrice
		}
		if activeQ.LTP <= refActive {
			return "ABSORPTION"
		}
	}
	// Fake break: writers on the active side are adding, not covering.
	if g.fakeBreak && activeQ.OIDelta > 0 {
		return "FAKE_BREAK"
	}
	// Asymmetry: the victim side never broke its own support.
	if g.asymmetry && !ev.OppositeBreakdown {
		return "ASYMMETRY"
	}
	return ""
}
