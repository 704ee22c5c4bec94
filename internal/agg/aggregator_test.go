package agg

import (
	"testing"
	"time"

	"symmetry-trader/internal/types"
)

var base = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func tick(inst string, at time.Time, price, qty, oi float64) types.Tick {
	return types.Tick{Instrument: inst, Timestamp: at, LastPrice: price, Quantity: qty, OI: oi}
}

func TestApplyBuildsCandle(t *testing.T) {
	a := New(time.Minute)

	if _, closed := a.Apply(tick("CE", base, 100, 10, 5000)); closed {
		t.Fatal("first tick must not close a candle")
	}
	a.Apply(tick("CE", base.Add(10*time.Second), 105, 5, 5100))
	a.Apply(tick("CE", base.Add(30*time.Second), 98, 5, 5200))
	a.Apply(tick("CE", base.Add(50*time.Second), 101, 10, 5300))

	c, closed := a.Apply(tick("CE", base.Add(61*time.Second), 102, 1, 5400))
	if !closed {
		t.Fatal("tick past the boundary must close the candle")
	}
	if c.Open != 100 || c.High != 105 || c.Low != 98 || c.Close != 101 {
		t.Errorf("unexpected OHLC: %+v", c)
	}
	if c.Volume != 30 {
		t.Errorf("expected volume 30, got %f", c.Volume)
	}
	if c.OI != 5300 {
		t.Errorf("expected OI from last tick of the interval, got %f", c.OI)
	}
	if !c.Start.Equal(base) {
		t.Errorf("expected start %v, got %v", base, c.Start)
	}
}

func TestApplyDropsMalformedTicks(t *testing.T) {
	a := New(time.Minute)
	a.Apply(tick("CE", base, 100, 1, 0))

	if _, closed := a.Apply(tick("CE", base.Add(time.Second), -5, 1, 0)); closed {
		t.Error("non-positive price must be dropped")
	}
	// Same timestamp as the last accepted tick.
	a.Apply(tick("CE", base.Add(2*time.Second), 101, 1, 0))
	if _, closed := a.Apply(tick("CE", base.Add(2*time.Second), 102, 1, 0)); closed {
		t.Error("non-increasing timestamp must be dropped")
	}
	// The dropped ticks must not have touched the bucket.
	c, ok := a.Flush("CE")
	if !ok {
		t.Fatal("expected an in-progress candle")
	}
	if c.High != 101 || c.Close != 101 {
		t.Errorf("dropped ticks leaked into the candle: %+v", c)
	}
}

func TestInstrumentsAggregateIndependently(t *testing.T) {
	a := New(time.Minute)
	a.Apply(tick("CE", base, 100, 1, 0))
	a.Apply(tick("PE", base.Add(time.Second), 50, 1, 0))

	c, closed := a.Apply(tick("CE", base.Add(61*time.Second), 101, 1, 0))
	if !closed || c.Instrument != "CE" {
		t.Fatal("expected CE candle close")
	}
	if _, peClosed := a.Apply(tick("PE", base.Add(30*time.Second), 51, 1, 0)); peClosed {
		t.Error("PE candle must still be open")
	}
}

func TestPauseDiscardsAndRejects(t *testing.T) {
	a := New(time.Minute)
	a.Apply(tick("CE", base, 100, 1, 0))
	a.Pause("CE")

	if _, ok := a.Flush("CE"); ok {
		t.Error("pause must discard the in-progress candle")
	}
	if _, closed := a.Apply(tick("CE", base.Add(61*time.Second), 102, 1, 0)); closed {
		t.Error("paused instrument must reject ticks")
	}

	a.Resume("CE")
	a.Apply(tick("CE", base.Add(2*time.Minute), 103, 1, 0))
	c, closed := a.Apply(tick("CE", base.Add(3*time.Minute), 104, 1, 0))
	if !closed || c.Open != 103 {
		t.Errorf("expected a fresh candle after resume, got %+v closed=%v", c, closed)
	}
}

func TestFlushForceCloses(t *testing.T) {
	a := New(time.Minute)
	a.Apply(tick("CE", base, 100, 2, 0))
	a.Apply(tick("CE", base.Add(20*time.Second), 104, 3, 0))

	c, ok := a.Flush("CE")
	if !ok {
		t.Fatal("expected flushed candle")
	}
	if c.Close != 104 || c.Volume != 5 {
		t.Errorf("unexpected flushed candle: %+v", c)
	}
	if _, ok := a.Flush("CE"); ok {
		t.Error("second flush must find nothing")
	}
}
