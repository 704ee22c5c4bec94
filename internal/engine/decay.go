package engine

import "symmetry-trader/internal/types"

// decayFilter implements the anti-theta divergence check: when the index
// retests a reference level but the matching option trades above its recorded
// price at that level, time decay has been overpowered by aggressive buying.
// The result is an advisory conviction flag, never a gate.
type decayFilter struct {
	tolerance float64
}

func (f *decayFilter) check(indexPrice, optionPrice float64, level types.ReferenceLevel) bool {
	switch level.Direction {
	case types.LevelHigh:
		if indexPrice >= level.IndexPrice-f.tolerance {
			return optionPrice > level.CallPrice
		}
	case types.LevelLow:
		if indexPrice <= level.IndexPrice+f.tolerance {
			return optionPrice > level.PutPrice
		}
	}
	return false
}
