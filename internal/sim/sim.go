// Package sim fills paper orders with a deterministic slippage and
// transaction-cost model, shared by live paper trading and backtest replay.
package sim

import (
	"errors"
	"fmt"
)

// Side of a simulated order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

var (
	ErrInvalidPrice    = errors.New("order price must be positive")
	ErrInvalidQuantity = errors.New("order quantity must be positive")
)

// Fill is a simulated execution.
type Fill struct {
	Price float64 // slippage-adjusted fill price
	Cost  float64 // turnover commission plus fixed per-side charge
}

// Simulator applies symmetric slippage against the trader (buys fill higher,
// sells fill lower) and a turnover-based commission plus a flat per-side
// charge. Deterministic given its inputs.
type Simulator struct {
	slippage   float64 // fraction, e.g. 0.001
	commission float64 // fraction of turnover
	fixed      float64 // flat charge per side
	balance    float64
}

// New builds a simulator. Percentages are given in percent (0.1 = 0.1%).
func New(slippagePct, commissionPct, fixedCharge, initialBalance float64) *Simulator {
	return &Simulator{
		slippage:   slippagePct / 100.0,
		commission: commissionPct / 100.0,
		fixed:      fixedCharge,
		balance:    initialBalance,
	}
}

// Fill executes an order at the requested price. The entry cost is debited
// from the paper balance on buys; sells credit the net proceeds delta via
// Settle.
func (s *Simulator) Fill(side Side, price float64, qty int) (Fill, error) {
	if price <= 0 {
		return Fill{}, fmt.Errorf("%w: %.2f", ErrInvalidPrice, price)
	}
	if qty <= 0 {
		return Fill{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	var fillPrice float64
	switch side {
	case Buy:
		fillPrice = price * (1 + s.slippage)
	case Sell:
		fillPrice = price * (1 - s.slippage)
	default:
		return Fill{}, fmt.Errorf("unknown order side %q", side)
	}
	cost := fillPrice*float64(qty)*s.commission + s.fixed
	if side == Buy {
		s.balance -= cost
	}
	return Fill{Price: fillPrice, Cost: cost}, nil
}

// Settle books the net P&L of a closed round trip into the paper balance.
func (s *Simulator) Settle(netPnL float64) {
	s.balance += netPnL
}

// Balance returns the current paper balance.
func (s *Simulator) Balance() float64 {
	return s.balance
}
