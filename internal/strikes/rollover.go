// Package strikes owns at-the-money contract selection and rollover. The
// active instrument triplet is immutable; rollover swaps the whole snapshot
// and bumps the epoch only when the strikes actually change.
package strikes

import (
	"context"
	"fmt"
	"time"

	"symmetry-trader/internal/types"
)

// Discovery is one ATM resolution: the call/put keys for the strike nearest
// the spot on the nearest expiry.
type Discovery struct {
	CallKey string
	PutKey  string
	Strike  float64
	Expiry  string
}

// Discoverer resolves the ATM pair for an index at a given spot price.
// Implementations: the Kite instrument-master lookup for live runs and a
// CSV-derived resolver for backtests.
type Discoverer interface {
	Discover(ctx context.Context, indexName string, spot float64) (Discovery, error)
}

// Manager decides when a pipeline's triplet is stale and produces the
// replacement. Not safe for concurrent use; each pipeline owns one.
type Manager struct {
	indexName string
	indexKey  string
	period    time.Duration
	points    float64
	disc      Discoverer

	current   types.InstrumentTriplet
	lastCheck time.Time
}

func NewManager(indexName, indexKey string, periodMinutes int, rolloverPoints float64, disc Discoverer) *Manager {
	return &Manager{
		indexName: indexName,
		indexKey:  indexKey,
		period:    time.Duration(periodMinutes) * time.Minute,
		points:    rolloverPoints,
		disc:      disc,
	}
}

// Current returns the active triplet. Epoch 0 means Init has not run.
func (m *Manager) Current() types.InstrumentTriplet {
	return m.current
}

// Init performs the first discovery and installs epoch 1.
func (m *Manager) Init(ctx context.Context, spot float64, now time.Time) (types.InstrumentTriplet, error) {
	d, err := m.disc.Discover(ctx, m.indexName, spot)
	if err != nil {
		return types.InstrumentTriplet{}, fmt.Errorf("initial strike discovery for %s: %w", m.indexName, err)
	}
	m.current = types.InstrumentTriplet{
		IndexKey:  m.indexKey,
		CallKey:   d.CallKey,
		PutKey:    d.PutKey,
		Strike:    d.Strike,
		Expiry:    d.Expiry,
		Epoch:     1,
		RolledAt:  now,
		SpotPrice: spot,
	}
	m.lastCheck = now
	return m.current, nil
}

// MaybeRoll re-resolves the ATM pair when the check period has elapsed or the
// spot has drifted past the configured point threshold since the last roll.
// It returns the new triplet and true only when the strikes changed; a
// re-discovery that lands on the same contracts keeps the current epoch.
func (m *Manager) MaybeRoll(ctx context.Context, spot float64, now time.Time) (types.InstrumentTriplet, bool, error) {
	if m.current.Epoch == 0 {
		t, err := m.Init(ctx, spot, now)
		return t, err == nil, err
	}
	drift := spot - m.current.SpotPrice
	if drift < 0 {
		drift = -drift
	}
	if now.Sub(m.lastCheck) < m.period && drift < m.points {
		return m.current, false, nil
	}
	m.lastCheck = now

	d, err := m.disc.Discover(ctx, m.indexName, spot)
	if err != nil {
		// Keep trading the current triplet; the next cycle retries.
		return m.current, false, fmt.Errorf("strike re-discovery for %s: %w", m.indexName, err)
	}
	if d.CallKey == m.current.CallKey && d.PutKey == m.current.PutKey {
		// Same contracts: refresh the drift anchor, keep the epoch.
		m.current.SpotPrice = spot
		return m.current, false, nil
	}
	m.current = types.InstrumentTriplet{
		IndexKey:  m.indexKey,
		CallKey:   d.CallKey,
		PutKey:    d.PutKey,
		Strike:    d.Strike,
		Expiry:    d.Expiry,
		Epoch:     m.current.Epoch + 1,
		RolledAt:  now,
		SpotPrice: spot,
	}
	return m.current, true, nil
}
