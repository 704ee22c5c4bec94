// Package agg converts raw ticks into fixed-interval OHLCV candles.
package agg

import (
	"time"

	"symmetry-trader/internal/types"
)

type bucket struct {
	candle types.Candle
}

// Aggregator accumulates ticks per instrument and emits a closed candle when
// a tick arrives beyond the current interval boundary. The first tick of a
// new interval seeds open=high=low=close=price.
type Aggregator struct {
	interval time.Duration
	buckets  map[string]*bucket
	lastTS   map[string]time.Time
	paused   map[string]bool
}

func New(interval time.Duration) *Aggregator {
	return &Aggregator{
		interval: interval,
		buckets:  make(map[string]*bucket),
		lastTS:   make(map[string]time.Time),
		paused:   make(map[string]bool),
	}
}

// Apply feeds one tick. Malformed ticks (non-positive price, timestamp not
// after the last seen for that instrument) are dropped without advancing
// aggregation. Returns the closed candle, if this tick closed one.
func (a *Aggregator) Apply(t types.Tick) (types.Candle, bool) {
	if t.LastPrice <= 0 {
		return types.Candle{}, false
	}
	if last, ok := a.lastTS[t.Instrument]; ok && !t.Timestamp.After(last) {
		return types.Candle{}, false
	}
	if a.paused[t.Instrument] {
		return types.Candle{}, false
	}
	a.lastTS[t.Instrument] = t.Timestamp

	start := t.Timestamp.Truncate(a.interval)
	b, ok := a.buckets[t.Instrument]
	if !ok {
		a.buckets[t.Instrument] = &bucket{candle: seed(t, start)}
		return types.Candle{}, false
	}

	if start.After(b.candle.Start) {
		closed := b.candle
		b.candle = seed(t, start)
		return closed, true
	}

	c := &b.candle
	if t.LastPrice > c.High {
		c.High = t.LastPrice
	}
	if t.LastPrice < c.Low {
		c.Low = t.LastPrice
	}
	c.Close = t.LastPrice
	c.Volume += t.Quantity
	if t.OI > 0 {
		c.OI = t.OI
	}
	return types.Candle{}, false
}

// Flush force-closes the in-progress candle for an instrument, used at
// session end so the last interval is not lost.
func (a *Aggregator) Flush(instrument string) (types.Candle, bool) {
	b, ok := a.buckets[instrument]
	if !ok {
		return types.Candle{}, false
	}
	delete(a.buckets, instrument)
	return b.candle, true
}

// Pause discards the instrument's in-progress candle and rejects further
// ticks until Resume. A stream gap must never produce a candle stitched from
// fabricated or disjoint data.
func (a *Aggregator) Pause(instrument string) {
	a.paused[instrument] = true
	delete(a.buckets, instrument)
}

// Resume re-enables aggregation for an instrument after resynchronization.
func (a *Aggregator) Resume(instrument string) {
	delete(a.paused, instrument)
}

// LastSeen returns the timestamp of the last accepted tick for an instrument.
func (a *Aggregator) LastSeen(instrument string) (time.Time, bool) {
	ts, ok := a.lastTS[instrument]
	return ts, ok
}

func seed(t types.Tick, start time.Time) types.Candle {
	return types.Candle{
		Instrument: t.Instrument,
		Start:      start,
		Open:       t.LastPrice,
		High:       t.LastPrice,
		Low:        t.LastPrice,
		Close:      t.LastPrice,
		Volume:     t.Quantity,
		OI:         t.OI,
	}
}
