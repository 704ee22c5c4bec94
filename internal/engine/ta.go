package engine

import (
	"math"
	"time"

	"symmetry-trader/internal/types"
)

// series is a bounded ring of closed candles for one instrument.
type series struct {
	candles []types.Candle
	max     int
}

func newSeries(max int) *series {
	return &series{max: max}
}

func (s *series) add(c types.Candle) {
	s.candles = append(s.candles, c)
	if len(s.candles) > s.max {
		s.candles = s.candles[1:]
	}
}

func (s *series) len() int { return len(s.candles) }

func (s *series) last() (types.Candle, bool) {
	if len(s.candles) == 0 {
		return types.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// at returns the candle whose interval starts exactly at ts.
func (s *series) at(ts time.Time) (types.Candle, bool) {
	for i := len(s.candles) - 1; i >= 0; i-- {
		if s.candles[i].Start.Equal(ts) {
			return s.candles[i], true
		}
		if s.candles[i].Start.Before(ts) {
			break
		}
	}
	return types.Candle{}, false
}

// tail returns up to n most recent candles.
func (s *series) tail(n int) []types.Candle {
	if len(s.candles) <= n {
		return s.candles
	}
	return s.candles[len(s.candles)-n:]
}

// atr computes the Average True Range over the last period true ranges.
// Shrinks the period when history is short; 0 with fewer than two candles.
func atr(candles []types.Candle, period int) float64 {
	if len(candles) < 2 {
		return 0
	}
	effective := period
	if len(candles)-1 < effective {
		effective = len(candles) - 1
	}
	var trs []float64
	for i := 1; i < len(candles); i++ {
		h := candles[i].High
		l := candles[i].Low
		pc := candles[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		trs = append(trs, tr)
	}
	sum := 0.0
	for _, tr := range trs[len(trs)-effective:] {
		sum += tr
	}
	return sum / float64(effective)
}

// sma computes the simple moving average of the last period closes.
// Returns 0 when there is not enough history.
func sma(candles []types.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period)
}

// lowestLow returns the minimum low over the last n candles, excluding the
// most recent one (the candle under evaluation).
func lowestLow(candles []types.Candle, n int) (float64, bool) {
	if len(candles) < 2 {
		return 0, false
	}
	prior := candles[:len(candles)-1]
	if len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	low := prior[0].Low
	for _, c := range prior[1:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low, true
}
