package store

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
mode: PAPER
indices:
  NIFTY:
    key: "NSE:NIFTY 50"
    token: 256265
    lot_size: 75
    rollover_points: 25
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.IntervalMinutes != 1 {
		t.Errorf("expected default interval 1, got %d", cfg.IntervalMinutes)
	}
	if cfg.Confluence.Threshold != 3 {
		t.Errorf("expected default threshold 3, got %d", cfg.Confluence.Threshold)
	}
	if cfg.Swing.Window != 15 || cfg.Swing.PullbackDepth != 2 {
		t.Errorf("unexpected swing defaults: %+v", cfg.Swing)
	}
	if cfg.Exits.TrailMode != "ATR" {
		t.Errorf("expected default trail mode ATR, got %s", cfg.Exits.TrailMode)
	}
	if cfg.Risk.MaxDailyLoss != 50000 || cfg.Risk.MaxPositions != 4 {
		t.Errorf("unexpected risk defaults: %+v", cfg.Risk)
	}
	if cfg.Execution.SlippagePct != 0.1 || cfg.Execution.FixedCharge != 20 {
		t.Errorf("unexpected execution defaults: %+v", cfg.Execution)
	}
	if cfg.Session.CloseIST != "15:30" {
		t.Errorf("expected default close 15:30, got %s", cfg.Session.CloseIST)
	}
}

func TestLoadConfigRejectsNonPaperMode(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
mode: LIVE
indices:
  NIFTY:
    key: "NSE:NIFTY 50"
    lot_size: 75
    rollover_points: 25
`))
	if err == nil {
		t.Fatal("expected validation error for LIVE mode")
	}
}

func TestLoadConfigRejectsBadInterval(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+"interval_minutes: 7\n"))
	if err == nil {
		t.Fatal("expected validation error for interval 7")
	}
}

func TestLoadConfigRejectsEmptyIndices(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "mode: PAPER\nindices: {}\n"))
	if err == nil {
		t.Fatal("expected validation error for empty indices")
	}
}

func TestLoadConfigRejectsBadThreshold(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+"confluence:\n  threshold: 5\n"))
	if err == nil {
		t.Fatal("expected validation error for threshold 5")
	}
}

func TestLoadConfigRejectsBadTrailMode(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+"exits:\n  trail_mode: CHANDELIER\n"))
	if err == nil {
		t.Fatal("expected validation error for unknown trail mode")
	}
}
