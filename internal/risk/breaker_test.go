package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAtMaxDrawdown(t *testing.T) {
	cb := NewCircuitBreaker(10, zerolog.Nop())

	assert.False(t, cb.UpdateEquity(1000))
	assert.False(t, cb.UpdateEquity(950)) // -5%
	assert.True(t, cb.UpdateEquity(900))  // -10%, at the limit
	assert.True(t, cb.Tripped())

	st := cb.State()
	assert.InDelta(t, -10.0, st.DrawdownPct, 1e-9)
	assert.False(t, st.TrippedAt.IsZero())
}

func TestCircuitBreaker_StaysTrippedOnRecovery(t *testing.T) {
	cb := NewCircuitBreaker(10, zerolog.Nop())

	cb.UpdateEquity(1000)
	require.True(t, cb.UpdateEquity(880))

	// Equity recovering within the same day does not untrip.
	assert.True(t, cb.UpdateEquity(990))
	assert.True(t, cb.Tripped())
}

func TestCircuitBreaker_DailyReset(t *testing.T) {
	cb := NewCircuitBreaker(10, zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb.SetClock(func() time.Time { return now })

	cb.UpdateEquity(1000)
	require.True(t, cb.UpdateEquity(880))

	// Next day: fresh baseline at the current equity, breaker re-armed.
	now = now.Add(24 * time.Hour)
	assert.False(t, cb.UpdateEquity(880))
	assert.False(t, cb.Tripped())

	st := cb.State()
	assert.InDelta(t, 880.0, st.DayStartEquity, 1e-9)
	assert.InDelta(t, 0.0, st.DrawdownPct, 1e-9)
}

func TestCircuitBreaker_FirstUpdateSetsBaseline(t *testing.T) {
	cb := NewCircuitBreaker(10, zerolog.Nop())
	assert.False(t, cb.UpdateEquity(500))
	assert.InDelta(t, 500.0, cb.State().DayStartEquity, 1e-9)
}
