package strikes

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// KiteDiscoverer resolves ATM contracts from the Kite instrument master. The
// master is large, so it is fetched once and reused until the TTL expires.
type KiteDiscoverer struct {
	kc       *kiteconnect.Client
	exchange string
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	master []kiteconnect.Instrument
	loaded time.Time
}

func NewKiteDiscoverer(kc *kiteconnect.Client) *KiteDiscoverer {
	return &KiteDiscoverer{
		kc:       kc,
		exchange: "NFO",
		ttl:      6 * time.Hour,
		now:      time.Now,
	}
}

func (d *KiteDiscoverer) instruments() ([]kiteconnect.Instrument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.master != nil && d.now().Sub(d.loaded) < d.ttl {
		return d.master, nil
	}
	master, err := d.kc.GetInstrumentsByExchange(d.exchange)
	if err != nil {
		return nil, fmt.Errorf("fetching %s instrument master: %w", d.exchange, err)
	}
	d.master = master
	d.loaded = d.now()
	return d.master, nil
}

// Discover picks the nearest-expiry strike closest to spot that has both a
// call and a put listed.
func (d *KiteDiscoverer) Discover(ctx context.Context, indexName string, spot float64) (Discovery, error) {
	master, err := d.instruments()
	if err != nil {
		return Discovery{}, err
	}
	today := d.now().Truncate(24 * time.Hour)

	var nearest time.Time
	for _, inst := range master {
		if inst.Name != indexName {
			continue
		}
		if inst.InstrumentType != "CE" && inst.InstrumentType != "PE" {
			continue
		}
		exp := inst.Expiry.Time
		if exp.Before(today) {
			continue
		}
		if nearest.IsZero() || exp.Before(nearest) {
			nearest = exp
		}
	}
	if nearest.IsZero() {
		return Discovery{}, fmt.Errorf("no live option series for %s", indexName)
	}

	type pair struct{ ce, pe *kiteconnect.Instrument }
	pairs := make(map[float64]*pair)
	for i := range master {
		inst := &master[i]
		if inst.Name != indexName || !inst.Expiry.Time.Equal(nearest) {
			continue
		}
		pr := pairs[inst.StrikePrice]
		if pr == nil {
			pr = &pair{}
			pairs[inst.StrikePrice] = pr
		}
		switch inst.InstrumentType {
		case "CE":
			pr.ce = inst
		case "PE":
			pr.pe = inst
		}
	}

	bestStrike, bestDist := 0.0, math.MaxFloat64
	var bestPair *pair
	for strike, pr := range pairs {
		if pr.ce == nil || pr.pe == nil {
			continue
		}
		dist := math.Abs(strike - spot)
		// Equidistant strikes resolve to the lower one so repeated discovery
		// at the same spot is stable.
		if dist < bestDist || (dist == bestDist && strike < bestStrike) {
			bestStrike, bestDist, bestPair = strike, dist, pr
		}
	}
	if bestPair == nil {
		return Discovery{}, fmt.Errorf("no complete CE/PE pair for %s near spot %.2f", indexName, spot)
	}
	return Discovery{
		CallKey: bestPair.ce.Tradingsymbol,
		PutKey:  bestPair.pe.Tradingsymbol,
		Strike:  bestStrike,
		Expiry:  nearest.Format("2006-01-02"),
	}, nil
}

// Token resolves an option tradingsymbol to its websocket instrument token.
func (d *KiteDiscoverer) Token(tradingsymbol string) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range d.master {
		if inst.Tradingsymbol == tradingsymbol {
			return uint32(inst.InstrumentToken), true
		}
	}
	return 0, false
}
