package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Config is the full runtime configuration. Loaded once, treated as
// immutable afterwards; mode tables are looked up by explicit mode key.
type Config struct {
	Mode        domain.TradingMode    `yaml:"mode"`
	Instruments []string              `yaml:"instruments"`
	Modes       map[string]ModeParams `yaml:"modes"`
	Budget      BudgetConfig          `yaml:"budget"`
	Scanner     ScannerConfig         `yaml:"scanner"`
	Risk        RiskConfig            `yaml:"risk"`
	Limits      LimitsConfig          `yaml:"limits"`
	Position    PositionConfig        `yaml:"position"`
	Override    OverrideConfig        `yaml:"override"`
	Exchange    ExchangeConfig        `yaml:"exchange"`
	Proposer    ProposerConfig        `yaml:"proposer"`
	Redis       RedisConfig           `yaml:"redis"`
	Postgres    PostgresConfig        `yaml:"postgres"`
	Ops         OpsConfig             `yaml:"ops"`
	Tick        time.Duration         `yaml:"tick_interval"`
	Shadow      []ShadowVariant       `yaml:"shadow_variants"`
}

// ModeParams is one row of the per-mode threshold table.
type ModeParams struct {
	// Quality gate
	MinConfidenceStructural float64 `yaml:"min_confidence_structural"`
	MinConfidenceTactical   float64 `yaml:"min_confidence_tactical"`
	MinConfluences          int     `yaml:"min_confluences"`
	ConfluencePenalty       float64 `yaml:"confluence_penalty"`
	MaxCandleBodyPct        float64 `yaml:"max_candle_body_pct"`

	// Trend guard
	AllowNeutralEntries  bool    `yaml:"allow_neutral_entries"`
	MinConfidenceNeutral float64 `yaml:"min_confidence_neutral"`

	// Risk
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct"`
	MaxOpenTrades   int     `yaml:"max_open_trades"`

	// Position management
	MaxAdds      int     `yaml:"max_adds"`
	MinPnLForAdd float64 `yaml:"min_pnl_for_add_pct"`
}

// BudgetConfig controls the proposer call budget per class.
type BudgetConfig struct {
	Classes       map[string]ClassBudget `yaml:"classes"`
	ResetHourUTC  int                    `yaml:"reset_hour_utc"`
	WarnThreshold float64                `yaml:"warn_threshold"`
}

// ClassBudget is the quota for one proposer class.
type ClassBudget struct {
	DailyMax int           `yaml:"daily_max"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// ScannerConfig bounds trigger emission per tick.
type ScannerConfig struct {
	MaxStructuralTriggers int     `yaml:"max_structural_triggers"`
	MaxTacticalTriggers   int     `yaml:"max_tactical_triggers"`
	StrongMoveATRMult     float64 `yaml:"strong_move_atr_multiplier"`
	PullbackEMADistPct    float64 `yaml:"pullback_ema_distance_pct"`
	BreakoutLookback      int     `yaml:"breakout_lookback_bars"`
}

// RiskConfig holds the global risk ceilings shared by every mode.
type RiskConfig struct {
	GlobalMaxLeverage   float64 `yaml:"global_max_leverage"`
	MaxDailyDrawdownPct float64 `yaml:"max_daily_drawdown_pct"`
	MinNotional         float64 `yaml:"min_notional"`
}

// LimitsConfig controls the asset limit registry.
type LimitsConfig struct {
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	DefaultMaxLeverage float64       `yaml:"default_max_leverage"`
}

// PositionConfig controls lifecycle management of open positions.
type PositionConfig struct {
	BreakevenAtR        float64           `yaml:"breakeven_at_r"`
	PartialAtR          float64           `yaml:"partial_at_r"`
	PartialFraction     float64           `yaml:"partial_fraction"`
	TrailingFromR       float64           `yaml:"trailing_from_r"`
	DefensiveTrailMult  float64           `yaml:"defensive_trail_multiplier"`
	AddFraction         float64           `yaml:"add_fraction"`
	ReentryCooldown     time.Duration     `yaml:"reentry_cooldown"`
	TrailingSource      map[string]string `yaml:"trailing_source"` // category -> swing|ema|atr
	TrailingATRMult     float64           `yaml:"trailing_atr_multiplier"`
	TrailingEMADistPct  float64           `yaml:"trailing_ema_distance_pct"`
	TrailingSwingBuffer float64           `yaml:"trailing_swing_buffer_pct"`
}

// OverrideConfig tunes the structural-shift quality override. The
// alignment threshold is configuration, not a constant: the policy it
// encodes is still under empirical validation.
type OverrideConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MinAlignmentScore float64  `yaml:"min_alignment_score"`
	AllowedModes      []string `yaml:"allowed_modes"`
}

// ExchangeConfig configures the live exchange client.
type ExchangeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WebsocketURL   string        `yaml:"websocket_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
}

// ProposerConfig configures the external proposer client.
type ProposerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig locates the persisted-state store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig locates the audit journal.
type PostgresConfig struct {
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// OpsConfig configures the operator control surface.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// ShadowVariant describes one simulated variant run alongside real orders
// in SHADOW mode.
type ShadowVariant struct {
	Name           string          `yaml:"name"`
	Category       domain.Category `yaml:"category"`
	Instruments    []string        `yaml:"instruments"`
	RiskMult       float64         `yaml:"risk_multiplier"`
	StopMult       float64         `yaml:"stop_multiplier"`
	TakeProfitMult float64         `yaml:"take_profit_multiplier"`
}

// Default returns the production baseline. Threshold values follow the
// shipped mode tables; everything is overridable from yaml.
func Default() *Config {
	return &Config{
		Mode:        domain.ModeBalanced,
		Instruments: []string{"BTC", "ETH"},
		Modes: map[string]ModeParams{
			string(domain.ModeConservative): {
				MinConfidenceStructural: 0.78,
				MinConfidenceTactical:   0.80,
				MinConfluences:          3,
				ConfluencePenalty:       0.08,
				MaxCandleBodyPct:        3.0,
				AllowNeutralEntries:     false,
				MinConfidenceNeutral:    0.80,
				RiskPerTradePct:         1.0,
				MaxOpenTrades:           3,
				MaxAdds:                 0,
				MinPnLForAdd:            3.0,
			},
			string(domain.ModeBalanced): {
				MinConfidenceStructural: 0.72,
				MinConfidenceTactical:   0.74,
				MinConfluences:          2,
				ConfluencePenalty:       0.05,
				MaxCandleBodyPct:        3.0,
				AllowNeutralEntries:     true,
				MinConfidenceNeutral:    0.72,
				RiskPerTradePct:         2.0,
				MaxOpenTrades:           5,
				MaxAdds:                 1,
				MinPnLForAdd:            2.0,
			},
			string(domain.ModeAggressive): {
				MinConfidenceStructural: 0.68,
				MinConfidenceTactical:   0.70,
				MinConfluences:          1,
				ConfluencePenalty:       0.03,
				MaxCandleBodyPct:        4.0,
				AllowNeutralEntries:     true,
				MinConfidenceNeutral:    0.65,
				RiskPerTradePct:         3.0,
				MaxOpenTrades:           8,
				MaxAdds:                 2,
				MinPnLForAdd:            1.5,
			},
		},
		Budget: BudgetConfig{
			Classes: map[string]ClassBudget{
				string(domain.CategoryStructural): {DailyMax: 12, Cooldown: 60 * time.Minute},
				string(domain.CategoryTactical):   {DailyMax: 40, Cooldown: 10 * time.Minute},
			},
			ResetHourUTC:  0,
			WarnThreshold: 0.8,
		},
		Scanner: ScannerConfig{
			MaxStructuralTriggers: 3,
			MaxTacticalTriggers:   5,
			StrongMoveATRMult:     1.5,
			PullbackEMADistPct:    1.5,
			BreakoutLookback:      20,
		},
		Risk: RiskConfig{
			GlobalMaxLeverage:   50,
			MaxDailyDrawdownPct: 10.0,
			MinNotional:         10.0,
		},
		Limits: LimitsConfig{
			RefreshInterval:    15 * time.Minute,
			StaleAfter:         time.Hour,
			DefaultMaxLeverage: 3,
		},
		Position: PositionConfig{
			BreakevenAtR:        1.0,
			PartialAtR:          2.0,
			PartialFraction:     0.5,
			TrailingFromR:       3.0,
			DefensiveTrailMult:  0.5,
			AddFraction:         0.5,
			ReentryCooldown:     30 * time.Minute,
			TrailingSource:      map[string]string{string(domain.CategoryStructural): "swing", string(domain.CategoryTactical): "ema"},
			TrailingATRMult:     2.0,
			TrailingEMADistPct:  1.0,
			TrailingSwingBuffer: 0.25,
		},
		Override: OverrideConfig{
			Enabled:           true,
			MinAlignmentScore: 0.6,
			AllowedModes:      []string{string(domain.ModeBalanced), string(domain.ModeAggressive)},
		},
		Exchange: ExchangeConfig{
			Timeout:        10 * time.Second,
			RatePerSecond:  5,
			MaxRetries:     3,
			BackoffInitial: 500 * time.Millisecond,
		},
		Proposer: ProposerConfig{Timeout: 45 * time.Second},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Postgres: PostgresConfig{Timeout: 5 * time.Second},
		Ops:      OpsConfig{ListenAddr: ":8087"},
		Tick:     30 * time.Second,
	}
}

// Load reads yaml configuration over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ModeParams resolves the threshold table for a mode, falling back to
// balanced when the key is unknown.
func (c *Config) ModeParams(mode domain.TradingMode) ModeParams {
	if p, ok := c.Modes[string(mode)]; ok {
		return p
	}
	return c.Modes[string(domain.ModeBalanced)]
}

// OverrideAllowed reports whether the structural-shift override may fire
// in the given mode.
func (c *Config) OverrideAllowed(mode domain.TradingMode) bool {
	if !c.Override.Enabled {
		return false
	}
	for _, m := range c.Override.AllowedModes {
		if m == string(mode) {
			return true
		}
	}
	return false
}

// Validate rejects configurations that would weaken the safety rails.
func (c *Config) Validate() error {
	if _, ok := c.Modes[string(c.Mode)]; !ok {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Risk.GlobalMaxLeverage <= 0 {
		return fmt.Errorf("config: global_max_leverage must be positive")
	}
	if c.Risk.MaxDailyDrawdownPct <= 0 {
		return fmt.Errorf("config: max_daily_drawdown_pct must be positive")
	}
	if c.Budget.WarnThreshold <= 0 || c.Budget.WarnThreshold > 1 {
		return fmt.Errorf("config: budget warn_threshold must be in (0,1]")
	}
	for name, cb := range c.Budget.Classes {
		if cb.DailyMax <= 0 {
			return fmt.Errorf("config: budget class %s daily_max must be positive", name)
		}
	}
	if c.Position.PartialFraction <= 0 || c.Position.PartialFraction >= 1 {
		return fmt.Errorf("config: partial_fraction must be in (0,1)")
	}
	if c.Limits.DefaultMaxLeverage <= 0 {
		return fmt.Errorf("config: default_max_leverage must be positive")
	}
	return nil
}
