package types

import "time"

// Candle is a fixed-interval OHLCV bar. OI carries the instrument's open
// interest at the close of the interval (0 for the index, where Volume may
// itself be a futures proxy).
type Candle struct {
	Instrument string
	Start      time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	OI         float64
}

// Tick is a raw inbound market-data event. OI is only meaningful for option
// instruments and is zero otherwise.
type Tick struct {
	Instrument string
	Timestamp  time.Time
	LastPrice  float64
	Quantity   float64
	OI         float64
}

// Quote is the per-instrument state the scorer and exit checks read: last
// close, open interest at close, and the OI change over the last interval.
type Quote struct {
	LTP     float64
	OI      float64
	OIDelta float64
}

// InstrumentTriplet is an immutable snapshot of the instruments a pipeline
// trades: the index plus its at-the-money call and put. It is replaced, never
// mutated, on rollover; Epoch increments with every replacement so in-flight
// evaluations can detect staleness.
type InstrumentTriplet struct {
	IndexKey  string
	CallKey   string
	PutKey    string
	Strike    float64
	Expiry    string
	Epoch     uint64
	RolledAt  time.Time
	SpotPrice float64
}

// LevelDirection labels a reference level by the swing that created it.
type LevelDirection string

const (
	LevelHigh LevelDirection = "High"
	LevelLow  LevelDirection = "Low"
)

// ReferenceLevel is a confirmed swing ("wall"): the index extreme plus the
// CE/PE prices sampled at the exact candle of that extreme. Levels are
// append-only; the most recent per direction is the active one.
type ReferenceLevel struct {
	ID          string
	IndexName   string
	Direction   LevelDirection
	IndexPrice  float64
	CallPrice   float64
	PutPrice    float64
	CallKey     string
	PutKey      string
	ConfirmedAt time.Time
	Epoch       uint64
}

// Direction of a trade signal. Both are long option positions.
type Direction string

const (
	BuyCE Direction = "BUY_CE"
	BuyPE Direction = "BUY_PE"
)

// Evaluation is the transient per-candle confluence result. Score counts the
// four entry conditions; DecayConviction is the advisory anti-theta flag and
// never contributes to Score.
type Evaluation struct {
	Direction         Direction
	At                time.Time
	Score             int
	IndexBreak        bool
	OptionBreak       bool
	OppositeBreakdown bool
	OIPanic           bool
	DecayConviction   bool
	Level             ReferenceLevel
	Epoch             uint64
}

// Signal is an accepted entry candidate: score cleared the threshold and no
// guardrail voided it. Immutable once created.
type Signal struct {
	ID          string
	IndexName   string
	Direction   Direction
	TriggeredAt time.Time
	LevelID     string
	IndexPrice  float64
	OptionPrice float64
	Score       int
	CallKey     string
	PutKey      string
}

// CloseReason is the terminal state of a position.
type CloseReason string

const (
	CloseStopLoss         CloseReason = "STOP_LOSS"
	CloseSymmetryBreak    CloseReason = "SYMMETRY_BREAK"
	CloseTargetExhaustion CloseReason = "TARGET_EXHAUSTION"
	CloseHardStop         CloseReason = "HARD_STOP"
	CloseTimeExit         CloseReason = "TIME_EXIT"
)

// Position is the lifecycle record of one trade. At most one position is open
// per index at any time. LevelIndexPrice and LevelOptionPrice pin the founding
// reference level so the symmetry-break exit survives a restart.
type Position struct {
	SignalID         string
	IndexName        string
	Direction        Direction
	OptionKey        string
	CallKey          string
	PutKey           string
	Quantity         int
	EntryPrice       float64
	EntryIndexPrice  float64
	StopPrice        float64
	LevelIndexPrice  float64
	LevelOptionPrice float64
	TrailingAnchor   float64
	OpenedAt         time.Time
	ClosedAt         time.Time
	ExitPrice        float64
	CloseReason      CloseReason
	RealizedPnL      float64
}

// Open reports whether the position has not yet been closed.
func (p *Position) Open() bool { return p != nil && p.CloseReason == "" }

// Fill is the simulator's answer to an order request.
type Fill struct {
	Price float64
	Cost  float64
}
