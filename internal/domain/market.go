package domain

import "time"

// InstrumentState is the deterministic indicator snapshot for one
// instrument at a tick. Produced by the market data layer; consumed by
// the scanner, the gates and the position manager.
type InstrumentState struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`

	// Regime
	Bias           Bias    `json:"bias"`
	RegimeShifted  bool    `json:"regime_shifted"` // large-timeframe directional shift this refresh
	AlignmentScore float64 `json:"alignment_score"`

	// Indicators
	ATR             float64 `json:"atr"`
	EMAFast         float64 `json:"ema_fast"`
	EMASlow         float64 `json:"ema_slow"`
	RecentHigh      float64 `json:"recent_high"` // lookback-range extremes
	RecentLow       float64 `json:"recent_low"`
	SwingHigh       float64 `json:"swing_high"` // last confirmed swing points
	SwingLow        float64 `json:"swing_low"`
	LastCandlePct   float64 `json:"last_candle_pct"` // signed body of the last closed candle, %
	ConfluenceCount int     `json:"confluence_count"`
}

// MarketState is the tick-wide snapshot across instruments.
type MarketState struct {
	Timestamp   time.Time                  `json:"timestamp"`
	Instruments map[string]InstrumentState `json:"instruments"`
}

// AccountState is the exchange account snapshot shared by sizing and
// position management within a tick.
type AccountState struct {
	Equity        float64    `json:"equity"`
	OpenPositions []Position `json:"open_positions"`
	FetchedAt     time.Time  `json:"fetched_at"`
}
