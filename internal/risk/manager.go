// Package risk converts accepted proposals into bounded orders. Sizing
// runs before capping: computing the nominal size first and then
// shrinking leverage keeps the risked amount constant, whereas the
// reverse order would inflate notionals the cap then shrinks
// inconsistently.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Params are the per-mode risk knobs.
type Params struct {
	RiskPerTradePct float64
	MaxOpenTrades   int
}

// Limits are the global ceilings shared by every mode.
type Limits struct {
	GlobalMaxLeverage float64
	MinNotional       float64
}

// Order is a fully bounded order ready for execution-mode routing.
type Order struct {
	Instrument string            `json:"instrument"`
	Direction  domain.Direction  `json:"direction"`
	Category   domain.Category   `json:"category"`
	Size       float64           `json:"size"`
	Notional   float64           `json:"notional"`
	Leverage   float64           `json:"leverage"`
	MarginMode domain.MarginMode `json:"margin_mode"`
	EntryPrice float64           `json:"entry_price"` // reference price at sizing time
	StopPrice  float64           `json:"stop_price"`
	TakeProfit float64           `json:"take_profit"`
	RiskAmount float64           `json:"risk_amount"`
	Defensive  bool              `json:"defensive"`
}

// SizeResult reports the sizing outcome, including any leverage
// adjustment that must be audited.
type SizeResult struct {
	Approved          bool
	Reason            domain.RejectReason
	Order             *Order
	LeverageAdjusted  bool
	RequestedLeverage float64
	Detail            string
}

// Manager performs sizing and capping. The circuit breaker it consults
// is owned by the pipeline and updated once per tick.
type Manager struct {
	limits  Limits
	breaker *CircuitBreaker
	log     zerolog.Logger
}

// NewManager creates a risk manager.
func NewManager(limits Limits, breaker *CircuitBreaker, log zerolog.Logger) *Manager {
	return &Manager{
		limits:  limits,
		breaker: breaker,
		log:     log.With().Str("component", "risk").Logger(),
	}
}

// SizeAndCap turns an accepted proposal into a bounded order, in this
// exact order: nominal size from risk percentage, leverage cap against
// the asset and global ceilings, notional recompute consistent with the
// capped leverage, then the hard rejections (minimum notional, breaker,
// open-position cap).
func (m *Manager) SizeAndCap(p *domain.Proposal, equity float64, limit domain.AssetLimit, params Params, openPositions int) SizeResult {
	if equity <= 0 {
		return SizeResult{Reason: domain.ReasonInvalidProposal, Detail: "account equity unavailable or zero"}
	}

	// Step 1: nominal size from equity, risk percentage and stop distance.
	riskPct := params.RiskPerTradePct
	if p.RiskPct > 0 && p.RiskPct < riskPct {
		riskPct = p.RiskPct // proposer may only reduce risk, never raise it
	}
	riskAmount := equity * riskPct / 100
	stopDistance := p.RefPrice * p.StopPct / 100
	if p.Category == domain.CategoryStructural && p.StructuralStop != nil {
		sd := math.Abs(p.RefPrice - *p.StructuralStop)
		if sd > 0 {
			stopDistance = sd
		}
	}
	if stopDistance <= 0 {
		return SizeResult{Reason: domain.ReasonInvalidProposal, Detail: "stop distance is zero"}
	}
	size := riskAmount / stopDistance
	notional := size * p.RefPrice

	// Step 2: leverage cap. The asset ceiling comes from the registry and
	// is conservative when the exchange table is stale.
	finalLeverage := math.Min(p.RequestedLeverage, math.Min(limit.MaxLeverage, m.limits.GlobalMaxLeverage))
	adjusted := finalLeverage < p.RequestedLeverage
	if adjusted {
		m.log.Warn().
			Str("instrument", p.Instrument).
			Float64("requested", p.RequestedLeverage).
			Float64("asset_max", limit.MaxLeverage).
			Float64("global_max", m.limits.GlobalMaxLeverage).
			Float64("final", finalLeverage).
			Msg("leverage adjusted to exchange/global ceiling")
	}

	// Step 3: recompute notional consistent with the capped leverage.
	if maxNotional := riskAmount * finalLeverage; notional > maxNotional {
		notional = maxNotional
		size = notional / p.RefPrice
	}

	// Step 4: hard rejections.
	if notional < m.limits.MinNotional {
		// Bump leverage toward the minimum order size, never past the cap.
		required := m.limits.MinNotional / riskAmount
		if required > finalLeverage {
			return SizeResult{
				Reason:            domain.ReasonMinNotional,
				RequestedLeverage: p.RequestedLeverage,
				LeverageAdjusted:  adjusted,
				Detail: fmt.Sprintf("notional %.2f below minimum %.2f even at %.1fx",
					notional, m.limits.MinNotional, finalLeverage),
			}
		}
		notional = m.limits.MinNotional
		size = notional / p.RefPrice
	}
	if m.breaker != nil && m.breaker.Tripped() {
		return SizeResult{Reason: domain.ReasonBreakerTripped, Detail: "daily drawdown breaker tripped"}
	}
	if openPositions >= params.MaxOpenTrades {
		return SizeResult{
			Reason: domain.ReasonMaxPositions,
			Detail: fmt.Sprintf("open positions %d at mode maximum %d", openPositions, params.MaxOpenTrades),
		}
	}

	stop, target := exitPrices(p)
	margin := domain.MarginCross
	if limit.IsolatedOnly {
		margin = domain.MarginIsolated
	}

	return SizeResult{
		Approved:          true,
		LeverageAdjusted:  adjusted,
		RequestedLeverage: p.RequestedLeverage,
		Order: &Order{
			Instrument: p.Instrument,
			Direction:  p.Direction,
			Category:   p.Category,
			Size:       size,
			Notional:   notional,
			Leverage:   finalLeverage,
			MarginMode: margin,
			EntryPrice: p.RefPrice,
			StopPrice:  stop,
			TakeProfit: target,
			RiskAmount: riskAmount,
		},
	}
}

// exitPrices derives stop and take-profit prices from the proposal.
func exitPrices(p *domain.Proposal) (stop, target float64) {
	if p.Direction == domain.DirectionLong {
		stop = p.RefPrice * (1 - p.StopPct/100)
		target = p.RefPrice * (1 + p.TakeProfitPct/100)
	} else {
		stop = p.RefPrice * (1 + p.StopPct/100)
		target = p.RefPrice * (1 - p.TakeProfitPct/100)
	}
	if p.Category == domain.CategoryStructural && p.StructuralStop != nil {
		stop = *p.StructuralStop
	}
	if p.TakeProfitPct <= 0 {
		target = 0 // no fixed target; trailing management owns the exit
	}
	return stop, target
}
