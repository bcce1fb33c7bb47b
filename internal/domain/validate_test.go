package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProposal() Proposal {
	return Proposal{
		Instrument:        "BTC",
		Direction:         DirectionLong,
		Category:          CategoryTactical,
		Confidence:        0.8,
		RequestedLeverage: 5,
		StopPct:           2,
		TakeProfitPct:     4,
		RefPrice:          50000,
	}
}

func TestProposal_Validate(t *testing.T) {
	p := validProposal()
	require.NoError(t, p.Validate())

	tests := []struct {
		name   string
		mutate func(*Proposal)
		field  string
	}{
		{"empty_instrument", func(p *Proposal) { p.Instrument = "" }, "instrument"},
		{"bad_direction", func(p *Proposal) { p.Direction = "sideways" }, "direction"},
		{"bad_category", func(p *Proposal) { p.Category = "swing" }, "category"},
		{"confidence_over_one", func(p *Proposal) { p.Confidence = 1.2 }, "confidence"},
		{"negative_confidence", func(p *Proposal) { p.Confidence = -0.1 }, "confidence"},
		{"zero_leverage", func(p *Proposal) { p.RequestedLeverage = 0 }, "requested_leverage"},
		{"zero_stop", func(p *Proposal) { p.StopPct = 0 }, "stop_pct"},
		{"negative_risk", func(p *Proposal) { p.RiskPct = -1 }, "risk_pct"},
		{"zero_ref_price", func(p *Proposal) { p.RefPrice = 0 }, "ref_price"},
		{"structural_stop_on_tactical", func(p *Proposal) { s := 49000.0; p.StructuralStop = &s }, "structural_stop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProposal()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestProposal_StructuralStopAllowedOnStructural(t *testing.T) {
	p := validProposal()
	p.Category = CategoryStructural
	s := 49000.0
	p.StructuralStop = &s
	assert.NoError(t, p.Validate())
}

func TestBias_AgreesAndContradicts(t *testing.T) {
	assert.True(t, BiasLong.Agrees(DirectionLong))
	assert.False(t, BiasLong.Agrees(DirectionShort))
	assert.True(t, BiasLong.Contradicts(DirectionShort))
	assert.False(t, BiasNeutral.Agrees(DirectionLong))
	assert.False(t, BiasNeutral.Contradicts(DirectionLong))
}

func TestPosition_RMultiple(t *testing.T) {
	p := Position{Side: DirectionLong, EntryPrice: 100, InitialRisk: 2}
	assert.InDelta(t, 1.0, p.RMultiple(102), 1e-9)
	assert.InDelta(t, -1.0, p.RMultiple(98), 1e-9)

	short := Position{Side: DirectionShort, EntryPrice: 100, InitialRisk: 2}
	assert.InDelta(t, 1.0, short.RMultiple(98), 1e-9)

	// Unknown initial risk never divides by zero.
	noRisk := Position{Side: DirectionLong, EntryPrice: 100}
	assert.Zero(t, noRisk.RMultiple(110))
}

func TestRejectReason_String(t *testing.T) {
	assert.Equal(t, "daily_limit", ReasonDailyLimit.String())
	assert.Equal(t, "trend_contra", ReasonTrendContra.String())
	text, err := ReasonCooldown.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "cooldown", string(text))
}
