package engine

import (
	"testing"
	"time"

	"symmetry-trader/internal/types"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func candle(minute int, open, high, low, close float64) types.Candle {
	return types.Candle{
		Instrument: "IDX",
		Start:      t0.Add(time.Duration(minute) * time.Minute),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      close,
	}
}

func TestDetectConfirmsHighAfterPullback(t *testing.T) {
	d := newWallDetector(4, 2, 14, 0.01)
	candles := []types.Candle{
		candle(0, 100, 102, 99, 101),
		candle(1, 101, 120, 100, 118), // the extreme
		candle(2, 118, 117, 112, 114),
		candle(3, 114, 115, 110, 111),
	}
	swings := d.detect(candles)
	if len(swings) != 1 {
		t.Fatalf("expected 1 swing, got %d", len(swings))
	}
	sw := swings[0]
	if sw.Direction != types.LevelHigh {
		t.Errorf("expected High, got %s", sw.Direction)
	}
	if sw.Price != 120 {
		t.Errorf("expected price 120, got %f", sw.Price)
	}
	if !sw.At.Equal(t0.Add(time.Minute)) {
		t.Errorf("expected extreme at minute 1, got %v", sw.At)
	}
}

func TestDetectRequiresStrictPullback(t *testing.T) {
	d := newWallDetector(4, 2, 14, 0.01)
	candles := []types.Candle{
		candle(0, 100, 102, 99, 101),
		candle(1, 101, 120, 100, 118),
		candle(2, 118, 117, 112, 114),
		candle(3, 114, 120, 110, 119), // retakes the extreme
	}
	if swings := d.detect(candles); len(swings) != 0 {
		t.Fatalf("equal high within the pullback must not confirm, got %v", swings)
	}
}

func TestDetectConfirmsLow(t *testing.T) {
	d := newWallDetector(4, 2, 14, 0.01)
	candles := []types.Candle{
		candle(0, 100, 102, 99, 100),
		candle(1, 100, 101, 80, 84), // the extreme
		candle(2, 84, 90, 83, 88),
		candle(3, 88, 92, 85, 90),
	}
	swings := d.detect(candles)
	if len(swings) != 1 || swings[0].Direction != types.LevelLow {
		t.Fatalf("expected one Low swing, got %v", swings)
	}
	if swings[0].Price != 80 {
		t.Errorf("expected price 80, got %f", swings[0].Price)
	}
}

func TestDetectMagnitudeFilterDropsDrift(t *testing.T) {
	// With no usable ATR the move must exceed the 5-point floor.
	d := newWallDetector(3, 1, 14, 1.2)
	candles := []types.Candle{
		{Instrument: "IDX", Start: t0, Open: 100, High: 101, Low: 100, Close: 100.5},
		{Instrument: "IDX", Start: t0.Add(time.Minute), Open: 100.5, High: 102, Low: 100, Close: 101},
		{Instrument: "IDX", Start: t0.Add(2 * time.Minute), Open: 101, High: 101.5, Low: 100, Close: 100.5},
	}
	if swings := d.detect(candles); len(swings) != 0 {
		t.Fatalf("sub-threshold move must not confirm, got %v", swings)
	}
}

func TestDetectNeedsEnoughHistory(t *testing.T) {
	d := newWallDetector(15, 2, 14, 1.2)
	candles := []types.Candle{candle(0, 100, 110, 90, 105)}
	if swings := d.detect(candles); swings != nil {
		t.Fatalf("short history must yield nothing, got %v", swings)
	}
}

func TestLevelBookNewestPerDirection(t *testing.T) {
	var book levelBook
	if _, ok := book.active(types.LevelHigh); ok {
		t.Fatal("empty book must have no active level")
	}
	book.confirm(types.ReferenceLevel{ID: "a", Direction: types.LevelHigh, IndexPrice: 100})
	book.confirm(types.ReferenceLevel{ID: "b", Direction: types.LevelHigh, IndexPrice: 110})
	book.confirm(types.ReferenceLevel{ID: "c", Direction: types.LevelLow, IndexPrice: 90})

	high, ok := book.active(types.LevelHigh)
	if !ok || high.ID != "b" {
		t.Errorf("expected newest high 'b', got %+v", high)
	}
	low, ok := book.active(types.LevelLow)
	if !ok || low.ID != "c" {
		t.Errorf("expected low 'c', got %+v", low)
	}
}
