package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IndexConfig holds the per-index knobs: the market-data key of the index,
// the contract lot size, and the price move that forces an ATM rollover.
type IndexConfig struct {
	Key            string  `yaml:"key"`
	Token          uint32  `yaml:"token"` // websocket instrument token of the index
	LotSize        int     `yaml:"lot_size"`
	RolloverPoints float64 `yaml:"rollover_points"`
}

type Config struct {
	Mode            string                 `yaml:"mode"` // PAPER is the only accepted value
	IntervalMinutes int                    `yaml:"interval_minutes"`
	Indices         map[string]IndexConfig `yaml:"indices"`

	Rollover struct {
		PeriodMinutes int `yaml:"period_minutes"`
	} `yaml:"rollover"`

	Swing struct {
		Window        int     `yaml:"window"`
		PullbackDepth int     `yaml:"pullback_depth"`
		ATRPeriod     int     `yaml:"atr_period"`
		ATRMult       float64 `yaml:"atr_mult"`
	} `yaml:"swing"`

	Confluence struct {
		Threshold         int     `yaml:"threshold"`
		OppositeLowWindow int     `yaml:"opposite_low_window"`
		RetestTolerance   float64 `yaml:"retest_tolerance"`
	} `yaml:"confluence"`

	Guardrails struct {
		Absorption bool `yaml:"absorption"`
		FakeBreak  bool `yaml:"fake_break"`
		Asymmetry  bool `yaml:"asymmetry"`
	} `yaml:"guardrails"`

	Exits struct {
		StopBuffer         float64 `yaml:"stop_buffer"`
		TrailMode          string  `yaml:"trail_mode"` // ATR, SMA or BREAKEVEN
		TrailATRMult       float64 `yaml:"trail_atr_mult"`
		TrailSMAPeriod     int     `yaml:"trail_sma_period"`
		BreakevenGainPct   float64 `yaml:"breakeven_gain_pct"`
		HardStopPct        float64 `yaml:"hard_stop_pct"`
		ExhaustionCloses   int     `yaml:"exhaustion_closes"`
		CooldownMinutes    int     `yaml:"cooldown_minutes"`
		ForceCloseAtEnd    bool    `yaml:"force_close_at_end"`
	} `yaml:"exits"`

	Risk struct {
		MaxDailyLoss float64 `yaml:"max_daily_loss"`
		MaxPositions int     `yaml:"max_positions"`
	} `yaml:"risk"`

	Execution struct {
		SlippagePct    float64 `yaml:"slippage_pct"`
		CommissionPct  float64 `yaml:"commission_pct"`
		FixedCharge    float64 `yaml:"fixed_charge"`
		InitialBalance float64 `yaml:"initial_balance"`
	} `yaml:"execution"`

	Persist struct {
		Path string `yaml:"path"`
	} `yaml:"persist"`

	Alerts struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"alerts"`

	Session struct {
		OpenIST  string `yaml:"open_ist"`
		CloseIST string `yaml:"close_ist"`
	} `yaml:"session"`
}

func (c *Config) Validate() error {
	if c.Mode != "PAPER" {
		return fmt.Errorf("invalid mode '%s': only 'PAPER' is supported", c.Mode)
	}
	switch c.IntervalMinutes {
	case 1, 3, 5:
	default:
		return fmt.Errorf("interval_minutes must be 1, 3 or 5, got %d", c.IntervalMinutes)
	}
	if len(c.Indices) == 0 {
		return fmt.Errorf("indices cannot be empty")
	}
	for name, ic := range c.Indices {
		if ic.Key == "" {
			return fmt.Errorf("index %s: key cannot be empty", name)
		}
		if ic.LotSize <= 0 {
			return fmt.Errorf("index %s: lot_size must be positive, got %d", name, ic.LotSize)
		}
		if ic.RolloverPoints <= 0 {
			return fmt.Errorf("index %s: rollover_points must be positive", name)
		}
	}
	if c.Confluence.Threshold < 1 || c.Confluence.Threshold > 4 {
		return fmt.Errorf("confluence.threshold must be between 1-4, got %d", c.Confluence.Threshold)
	}
	if c.Swing.PullbackDepth < 1 {
		return fmt.Errorf("swing.pullback_depth must be at least 1, got %d", c.Swing.PullbackDepth)
	}
	if c.Exits.HardStopPct <= 0 || c.Exits.HardStopPct >= 100 {
		return fmt.Errorf("exits.hard_stop_pct must be between 0-100, got %.2f", c.Exits.HardStopPct)
	}
	switch c.Exits.TrailMode {
	case "ATR", "SMA", "BREAKEVEN":
	default:
		return fmt.Errorf("exits.trail_mode must be 'ATR', 'SMA' or 'BREAKEVEN', got '%s'", c.Exits.TrailMode)
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be positive, got %d", c.Risk.MaxPositions)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "PAPER"
	}
	if c.IntervalMinutes == 0 {
		c.IntervalMinutes = 1
	}
	if c.Rollover.PeriodMinutes == 0 {
		c.Rollover.PeriodMinutes = 5
	}
	if c.Swing.Window == 0 {
		c.Swing.Window = 15
	}
	if c.Swing.PullbackDepth == 0 {
		c.Swing.PullbackDepth = 2
	}
	if c.Swing.ATRPeriod == 0 {
		c.Swing.ATRPeriod = 14
	}
	if c.Swing.ATRMult == 0 {
		c.Swing.ATRMult = 1.2
	}
	if c.Confluence.Threshold == 0 {
		c.Confluence.Threshold = 3
	}
	if c.Confluence.OppositeLowWindow == 0 {
		c.Confluence.OppositeLowWindow = 5
	}
	if c.Confluence.RetestTolerance == 0 {
		c.Confluence.RetestTolerance = 2.0
	}
	if c.Exits.StopBuffer == 0 {
		c.Exits.StopBuffer = 5.0
	}
	if c.Exits.TrailMode == "" {
		c.Exits.TrailMode = "ATR"
	}
	if c.Exits.TrailATRMult == 0 {
		c.Exits.TrailATRMult = 1.5
	}
	if c.Exits.TrailSMAPeriod == 0 {
		c.Exits.TrailSMAPeriod = 5
	}
	if c.Exits.BreakevenGainPct == 0 {
		c.Exits.BreakevenGainPct = 10.0
	}
	if c.Exits.HardStopPct == 0 {
		c.Exits.HardStopPct = 20.0
	}
	if c.Exits.ExhaustionCloses == 0 {
		c.Exits.ExhaustionCloses = 2
	}
	if c.Exits.CooldownMinutes == 0 {
		c.Exits.CooldownMinutes = 15
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 50000
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 4
	}
	if c.Execution.SlippagePct == 0 {
		c.Execution.SlippagePct = 0.1
	}
	if c.Execution.CommissionPct == 0 {
		c.Execution.CommissionPct = 0.05
	}
	if c.Execution.FixedCharge == 0 {
		c.Execution.FixedCharge = 20
	}
	if c.Execution.InitialBalance == 0 {
		c.Execution.InitialBalance = 1000000
	}
	if c.Persist.Path == "" {
		c.Persist.Path = "data/trader.db"
	}
	if c.Session.OpenIST == "" {
		c.Session.OpenIST = "09:15"
	}
	if c.Session.CloseIST == "" {
		c.Session.CloseIST = "15:30"
	}
}
