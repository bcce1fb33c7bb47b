package domain

import (
	"time"
)

// Direction is the side of a proposal or position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the opposing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Bias is the prevailing regime classification for an instrument,
// derived from multi-timeframe indicators.
type Bias string

const (
	BiasLong    Bias = "long"
	BiasShort   Bias = "short"
	BiasNeutral Bias = "neutral"
)

// Agrees reports whether a trade direction is aligned with the bias.
// Neutral agrees with nothing and blocks nothing by itself.
func (b Bias) Agrees(d Direction) bool {
	return (b == BiasLong && d == DirectionLong) || (b == BiasShort && d == DirectionShort)
}

// Contradicts reports whether a trade direction runs against the bias.
func (b Bias) Contradicts(d Direction) bool {
	return (b == BiasLong && d == DirectionShort) || (b == BiasShort && d == DirectionLong)
}

// Category separates longer-horizon structural (swing) positions from
// shorter-horizon tactical (scalp) positions. Each category carries
// independent thresholds and management rules.
type Category string

const (
	CategoryStructural Category = "structural"
	CategoryTactical   Category = "tactical"
)

// TradingMode selects a per-mode threshold table. Modes are passed
// explicitly through every call; there is no ambient mode state.
type TradingMode string

const (
	ModeConservative TradingMode = "conservative"
	ModeBalanced     TradingMode = "balanced"
	ModeAggressive   TradingMode = "aggressive"
)

// TriggerType enumerates the deterministic causes a scanner can emit.
type TriggerType string

const (
	TriggerRegimeShift TriggerType = "regime_shift"
	TriggerPullback    TriggerType = "pullback"
	TriggerBreakout    TriggerType = "breakout"
	TriggerStrongMove  TriggerType = "strong_move"
)

// Trigger is a deterministically detected market condition that justifies
// spending a rate-limited proposer call. Immutable after creation.
type Trigger struct {
	ID         string      `json:"id"`
	Category   Category    `json:"category"`
	Type       TriggerType `json:"type"`
	Instrument string      `json:"instrument"`
	Timeframe  string      `json:"timeframe"`
	Direction  Direction   `json:"direction"`
	Priority   int         `json:"priority"` // 1 = highest
	Evidence   float64     `json:"evidence"`
	FiredAt    time.Time   `json:"fired_at"`
}

// Proposal is the untrusted output of an external proposer. Every numeric
// field must pass Validate before the proposal enters the pipeline.
type Proposal struct {
	Instrument        string    `json:"instrument"`
	Direction         Direction `json:"direction"`
	Category          Category  `json:"category"`
	Confidence        float64   `json:"confidence"`          // [0,1]
	RequestedLeverage float64   `json:"requested_leverage"`  // > 0
	RiskPct           float64   `json:"risk_pct,omitempty"`  // optional override, % of equity
	StopPct           float64   `json:"stop_pct"`            // stop distance from entry, %
	TakeProfitPct     float64   `json:"take_profit_pct"`     // target distance from entry, %
	Confluences       []string  `json:"confluences"`
	StructuralStop    *float64  `json:"structural_stop,omitempty"` // structural proposals only
	ManagementStyle   string    `json:"management_style,omitempty"`
	RefPrice          float64   `json:"ref_price"` // proposer's reference price
}

// Verdict is the outcome of the gating pipeline for one proposal.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// Decision is the append-only record of one pipeline outcome.
// Never mutated after creation.
type Decision struct {
	ID                string       `json:"id"`
	TriggerID         string       `json:"trigger_id,omitempty"`
	Instrument        string       `json:"instrument"`
	Direction         Direction    `json:"direction"`
	Category          Category     `json:"category"`
	Verdict           Verdict      `json:"verdict"`
	Reason            RejectReason `json:"reason,omitempty"`
	AppliedConfidence float64      `json:"applied_confidence"`
	FinalLeverage     float64      `json:"final_leverage,omitempty"`
	FinalSize         float64      `json:"final_size,omitempty"`
	Defensive         bool         `json:"defensive,omitempty"` // tighter trailing downstream
	DecidedAt         time.Time    `json:"decided_at"`
}

// AssetLimit holds the per-instrument constraints refreshed from the
// exchange. Stale or missing entries fall back to a conservative default,
// never to an unbounded value.
type AssetLimit struct {
	Instrument    string    `json:"instrument"`
	MaxLeverage   float64   `json:"max_leverage"`
	IsolatedOnly  bool      `json:"isolated_only"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// MarginMode is the margin treatment requested for an order.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// Position is the lifecycle record of one open position. Mutated only by
// the position manager and close events; removed from the open-set on
// full close.
type Position struct {
	ID            string     `json:"id"`
	Instrument    string     `json:"instrument"`
	Side          Direction  `json:"side"`
	EntryPrice    float64    `json:"entry_price"`
	Size          float64    `json:"size"`
	OriginalSize  float64    `json:"original_size"` // size at open, before partials and adds
	Leverage      float64    `json:"leverage"`
	MarginMode    MarginMode `json:"margin_mode"`
	Category      Category   `json:"category"`
	StopPrice     float64    `json:"stop_price"`
	TakeProfit    float64    `json:"take_profit"`
	AddsCount     int        `json:"adds_count"`
	OpenedAt      time.Time  `json:"opened_at"`
	TrailingRef   float64    `json:"trailing_ref"` // high/low water mark since entry
	BreakevenSet  bool       `json:"breakeven_set"`
	PartialTaken  bool       `json:"partial_taken"`
	RiskFree      bool       `json:"risk_free"`
	Defensive     bool       `json:"defensive"`
	InitialRisk   float64    `json:"initial_risk"` // entry-to-stop distance at open
	Paper         bool       `json:"paper"`
	ShadowVariant string     `json:"shadow_variant,omitempty"`
}

// UnrealizedPnLPct returns the unrealized return in percent of entry price.
func (p *Position) UnrealizedPnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == DirectionLong {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// UnrealizedPnL returns the unrealized PnL in quote currency.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == DirectionLong {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}

// RMultiple returns current profit measured in multiples of the initial
// entry-to-stop risk distance. Zero when the initial risk is unknown.
func (p *Position) RMultiple(price float64) float64 {
	if p.InitialRisk <= 0 {
		return 0
	}
	var profit float64
	if p.Side == DirectionLong {
		profit = price - p.EntryPrice
	} else {
		profit = p.EntryPrice - price
	}
	return profit / p.InitialRisk
}
