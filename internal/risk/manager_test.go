package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/domain"
)

var globalLimits = Limits{GlobalMaxLeverage: 50, MinNotional: 10}

func testManager() *Manager {
	return NewManager(globalLimits, nil, zerolog.Nop())
}

func tacticalProposal() *domain.Proposal {
	return &domain.Proposal{
		Instrument:        "BTC",
		Direction:         domain.DirectionLong,
		Category:          domain.CategoryTactical,
		Confidence:        0.8,
		RequestedLeverage: 10,
		StopPct:           2,
		TakeProfitPct:     4,
		RefPrice:          50000,
	}
}

func TestSizeAndCap_Sizing(t *testing.T) {
	m := testManager()
	// Equity 1000, 2% risk, 2% stop at 50000: risk 20, stop distance 1000,
	// size 0.02, notional 1000, capped at riskAmount*leverage = 200.
	res := m.SizeAndCap(tacticalProposal(), 1000, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)

	require.True(t, res.Approved)
	order := res.Order
	assert.InDelta(t, 20.0, order.RiskAmount, 1e-9)
	assert.InDelta(t, 200.0, order.Notional, 1e-9)
	assert.InDelta(t, 0.004, order.Size, 1e-9)
	assert.InDelta(t, 10.0, order.Leverage, 1e-9)
	assert.InDelta(t, 49000.0, order.StopPrice, 1e-9)
	assert.InDelta(t, 52000.0, order.TakeProfit, 1e-9)
	assert.False(t, res.LeverageAdjusted)
}

func TestSizeAndCap_LeverageCappedByAsset(t *testing.T) {
	m := testManager()
	p := tacticalProposal()
	p.RequestedLeverage = 50

	// min(50 requested, 5 asset, 50 global) = 5.
	res := m.SizeAndCap(p, 1000, domain.AssetLimit{MaxLeverage: 5}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	assert.InDelta(t, 5.0, res.Order.Leverage, 1e-9)
	assert.True(t, res.LeverageAdjusted)
	assert.InDelta(t, 50.0, res.RequestedLeverage, 1e-9)
}

func TestSizeAndCap_ProposerMayOnlyReduceRisk(t *testing.T) {
	m := testManager()
	p := tacticalProposal()
	p.RiskPct = 1 // below the mode's 2%

	res := m.SizeAndCap(p, 1000, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	assert.InDelta(t, 10.0, res.Order.RiskAmount, 1e-9)

	p.RiskPct = 5 // above the mode cap: ignored
	res = m.SizeAndCap(p, 1000, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	assert.InDelta(t, 20.0, res.Order.RiskAmount, 1e-9)
}

func TestSizeAndCap_StructuralStopOverridesPercent(t *testing.T) {
	m := testManager()
	stop := 47500.0
	p := tacticalProposal()
	p.Category = domain.CategoryStructural
	p.StructuralStop = &stop

	res := m.SizeAndCap(p, 10000, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	// Stop distance 2500, risk 200: size 0.08, and the stop price is the
	// structural level, not the percent-derived one.
	assert.InDelta(t, 47500.0, res.Order.StopPrice, 1e-9)
	assert.InDelta(t, 0.04, res.Order.Size, 1e-9) // capped by riskAmount*leverage/price
}

func TestSizeAndCap_MinNotionalBumpsLeverage(t *testing.T) {
	m := testManager()
	p := tacticalProposal()
	p.RequestedLeverage = 3

	// Equity 100, 2% risk = 2 riskAmount, notional cap 6 < min 10: required
	// leverage 5 exceeds the requested-and-capped 3... bump only works when
	// the cap allows it, so use an asset cap of 10.
	res := m.SizeAndCap(p, 100, domain.AssetLimit{MaxLeverage: 10}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	// requested 3 < required 5: rejected rather than silently levered up
	// past what the proposer asked for.
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonMinNotional, res.Reason)

	p.RequestedLeverage = 10
	res = m.SizeAndCap(p, 100, domain.AssetLimit{MaxLeverage: 10}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	assert.GreaterOrEqual(t, res.Order.Notional, globalLimits.MinNotional)
}

func TestSizeAndCap_MaxOpenTrades(t *testing.T) {
	m := testManager()
	res := m.SizeAndCap(tacticalProposal(), 1000, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 3}, 3)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonMaxPositions, res.Reason)
}

func TestSizeAndCap_BreakerBlocksEntries(t *testing.T) {
	breaker := NewCircuitBreaker(10, zerolog.Nop())
	m := NewManager(globalLimits, breaker, zerolog.Nop())

	breaker.UpdateEquity(1000)
	breaker.UpdateEquity(850) // -15%, tripped

	res := m.SizeAndCap(tacticalProposal(), 850, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonBreakerTripped, res.Reason)
}

func TestSizeAndCap_IsolatedOnlyMargin(t *testing.T) {
	m := testManager()
	res := m.SizeAndCap(tacticalProposal(), 1000, domain.AssetLimit{MaxLeverage: 20, IsolatedOnly: true}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	assert.Equal(t, domain.MarginIsolated, res.Order.MarginMode)
}

func TestSizeAndCap_ZeroEquity(t *testing.T) {
	m := testManager()
	res := m.SizeAndCap(tacticalProposal(), 0, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonInvalidProposal, res.Reason)
}

func TestSizeAndCap_NoFixedTarget(t *testing.T) {
	m := testManager()
	p := tacticalProposal()
	p.TakeProfitPct = 0

	res := m.SizeAndCap(p, 1000, domain.AssetLimit{MaxLeverage: 20}, Params{RiskPerTradePct: 2, MaxOpenTrades: 5}, 0)
	require.True(t, res.Approved)
	assert.Zero(t, res.Order.TakeProfit)
}
