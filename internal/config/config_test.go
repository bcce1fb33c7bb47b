package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/domain"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// The shipped mode tables must be strictly ordered: conservative
	// demands more than balanced, balanced more than aggressive.
	cons := cfg.ModeParams(domain.ModeConservative)
	bal := cfg.ModeParams(domain.ModeBalanced)
	agg := cfg.ModeParams(domain.ModeAggressive)

	assert.Greater(t, cons.MinConfidenceStructural, bal.MinConfidenceStructural)
	assert.Greater(t, bal.MinConfidenceStructural, agg.MinConfidenceStructural)
	assert.Greater(t, cons.MinConfluences, bal.MinConfluences)
	assert.False(t, cons.AllowNeutralEntries)
	assert.True(t, bal.AllowNeutralEntries)
	assert.Less(t, cons.RiskPerTradePct, agg.RiskPerTradePct)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: aggressive
tick_interval: 10s
risk:
  max_daily_drawdown_pct: 5
budget:
  classes:
    structural:
      daily_max: 6
      cooldown: 30m
    tactical:
      daily_max: 20
      cooldown: 5m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeAggressive, cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.Tick)
	assert.InDelta(t, 5.0, cfg.Risk.MaxDailyDrawdownPct, 1e-9)
	assert.Equal(t, 6, cfg.Budget.Classes["structural"].DailyMax)
	// Untouched sections keep their defaults.
	assert.InDelta(t, 50.0, cfg.Risk.GlobalMaxLeverage, 1e-9)
	assert.InDelta(t, 1.0, cfg.Position.BreakevenAtR, 1e-9)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown_mode", func(c *Config) { c.Mode = "reckless" }},
		{"zero_global_leverage", func(c *Config) { c.Risk.GlobalMaxLeverage = 0 }},
		{"zero_drawdown", func(c *Config) { c.Risk.MaxDailyDrawdownPct = 0 }},
		{"warn_threshold_over_one", func(c *Config) { c.Budget.WarnThreshold = 1.5 }},
		{"zero_daily_max", func(c *Config) {
			c.Budget.Classes["structural"] = ClassBudget{DailyMax: 0}
		}},
		{"partial_fraction_one", func(c *Config) { c.Position.PartialFraction = 1 }},
		{"zero_default_leverage", func(c *Config) { c.Limits.DefaultMaxLeverage = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModeParams_FallsBackToBalanced(t *testing.T) {
	cfg := Default()
	got := cfg.ModeParams(domain.TradingMode("unknown"))
	assert.Equal(t, cfg.ModeParams(domain.ModeBalanced), got)
}

func TestOverrideAllowed(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.OverrideAllowed(domain.ModeConservative))
	assert.True(t, cfg.OverrideAllowed(domain.ModeBalanced))
	assert.True(t, cfg.OverrideAllowed(domain.ModeAggressive))

	cfg.Override.Enabled = false
	assert.False(t, cfg.OverrideAllowed(domain.ModeBalanced))
}
