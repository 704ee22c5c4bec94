package engine

import (
	"fmt"
	"sync"
	"time"
)

// RiskState holds the process-wide daily limits shared by every pipeline
// instance. All reads and writes happen under one mutex so the max-position
// and daily-loss checks stay correct across concurrent instances.
//
// Once the daily-loss limit trips it stays latched until the next session
// reset, even if realized P&L later recovers.
type RiskState struct {
	mu           sync.Mutex
	day          time.Time
	realized     float64
	openCount    int
	lossLatched  bool
	maxDailyLoss float64
	maxPositions int
	lastClose    map[string]time.Time
}

func NewRiskState(maxDailyLoss float64, maxPositions int) *RiskState {
	return &RiskState{
		maxDailyLoss: maxDailyLoss,
		maxPositions: maxPositions,
		lastClose:    make(map[string]time.Time),
	}
}

// ResetDay starts a new trading session: realized P&L, the loss latch, and
// cooldown anchors are cleared. Open position count is carried (a position
// held overnight is still open).
func (r *RiskState) ResetDay(day time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.day = day
	r.realized = 0
	r.lossLatched = false
	r.lastClose = make(map[string]time.Time)
}

// Rehydrate restores persisted state after a restart.
func (r *RiskState) Rehydrate(day time.Time, realized float64, openCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.day = day
	r.realized = realized
	r.openCount = openCount
	if r.realized <= -r.maxDailyLoss {
		r.lossLatched = true
	}
}

// CanEnter is the side-effect-free gate consulted before any entry.
func (r *RiskState) CanEnter() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lossLatched {
		return false, "max daily loss reached"
	}
	if r.openCount >= r.maxPositions {
		return false, fmt.Sprintf("max positions (%d) reached", r.maxPositions)
	}
	return true, ""
}

// ApplyOpen records a newly opened position.
func (r *RiskState) ApplyOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openCount++
}

// ApplyClose records a close: realized P&L, position count, and the
// per-instrument cooldown anchor, in one atomic section.
func (r *RiskState) ApplyClose(indexName string, pnl float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realized += pnl
	if r.openCount > 0 {
		r.openCount--
	}
	r.lastClose[indexName] = at
	if r.realized <= -r.maxDailyLoss {
		r.lossLatched = true
	}
}

// LastClose returns the time of the most recent close on an instrument.
func (r *RiskState) LastClose(indexName string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastClose[indexName]
	return t, ok
}

// RealizedToday returns today's realized P&L.
func (r *RiskState) RealizedToday() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.realized
}

// OpenCount returns the number of currently open positions across instances.
func (r *RiskState) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openCount
}
