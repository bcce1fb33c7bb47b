package position

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradegate/internal/domain"
)

func testConfig() Config {
	return Config{
		BreakevenAtR:        1,
		PartialAtR:          2,
		PartialFraction:     0.5,
		TrailingFromR:       3,
		DefensiveTrailMult:  0.5,
		AddFraction:         0.5,
		ReentryCooldown:     30 * time.Minute,
		TrailingSource:      map[string]string{"structural": "swing", "tactical": "ema"},
		TrailingATRMult:     2,
		TrailingEMADistPct:  1,
		TrailingSwingBuffer: 0.25,
	}
}

func longPosition() *domain.Position {
	return &domain.Position{
		ID:          "p1",
		Instrument:  "BTC",
		Side:        domain.DirectionLong,
		Category:    domain.CategoryTactical,
		EntryPrice:  100,
		Size:        1,
		StopPrice:   98,
		TakeProfit:  120,
		InitialRisk: 2,
	}
}

func instAt(price float64) domain.InstrumentState {
	return domain.InstrumentState{Instrument: "BTC", Price: price, Bias: domain.BiasLong}
}

func actionTypes(actions []Action) []ActionType {
	out := make([]ActionType, len(actions))
	for i, a := range actions {
		out[i] = a.Type
	}
	return out
}

func TestManage_StopLossExit(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	actions := m.Manage(longPosition(), instAt(97.5), ModeParams{})

	require.Len(t, actions, 1)
	assert.Equal(t, ActionClose, actions[0].Type)
	assert.Equal(t, "stop_loss", actions[0].Reason)
	// A stop-out starts the re-entry cooldown.
	assert.True(t, m.InCooldown("BTC"))
}

func TestManage_TakeProfitExit(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	actions := m.Manage(longPosition(), instAt(121), ModeParams{})

	require.Len(t, actions, 1)
	assert.Equal(t, ActionClose, actions[0].Type)
	assert.Equal(t, "take_profit", actions[0].Reason)
	// Target exits do not start a cooldown.
	assert.False(t, m.InCooldown("BTC"))
}

func TestManage_BreakevenAtOneR(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	// 1R on a 2-point risk = price 102.
	actions := m.Manage(longPosition(), instAt(102), ModeParams{})

	require.Len(t, actions, 1)
	assert.Equal(t, ActionMoveStop, actions[0].Type)
	assert.True(t, actions[0].Breakeven)
	assert.InDelta(t, 100.0, actions[0].NewStop, 1e-9)
}

func TestManage_BreakevenOnlyOnce(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := longPosition()
	p.BreakevenSet = true
	p.StopPrice = 100

	assert.Empty(t, m.Manage(p, instAt(102), ModeParams{}))
}

func TestManage_PartialAtTwoR(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	// 2R = price 104. Partial plus breakeven in one pass.
	actions := m.Manage(longPosition(), instAt(104), ModeParams{})

	types := actionTypes(actions)
	require.Contains(t, types, ActionPartialClose)
	require.Contains(t, types, ActionMoveStop)
	for _, a := range actions {
		if a.Type == ActionPartialClose {
			assert.InDelta(t, 0.5, a.Fraction, 1e-9)
		}
	}
}

func TestManage_PartialOnlyOnce(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := longPosition()
	p.PartialTaken = true
	p.BreakevenSet = true
	p.StopPrice = 100

	assert.Empty(t, m.Manage(p, instAt(104), ModeParams{}))
}

func TestManage_TrailingFromThreeR_EMASource(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := longPosition()
	p.PartialTaken = true
	p.BreakevenSet = true
	p.StopPrice = 100

	// 3R = price 106; tactical trails the fast EMA minus 1%.
	inst := instAt(106)
	inst.EMAFast = 105

	actions := m.Manage(p, inst, ModeParams{})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionMoveStop, actions[0].Type)
	assert.InDelta(t, 105*0.99, actions[0].NewStop, 1e-9)
}

func TestManage_TrailingNeverLoosens(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := longPosition()
	p.PartialTaken = true
	p.BreakevenSet = true
	p.StopPrice = 105 // already tighter than the candidate

	inst := instAt(106)
	inst.EMAFast = 105 // candidate 103.95 < current 105

	assert.Empty(t, m.Manage(p, inst, ModeParams{}))
}

func TestManage_SwingSourceForStructural(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := longPosition()
	p.Category = domain.CategoryStructural
	p.PartialTaken = true
	p.BreakevenSet = true
	p.StopPrice = 100

	inst := instAt(106)
	inst.SwingLow = 104

	actions := m.Manage(p, inst, ModeParams{})
	require.Len(t, actions, 1)
	assert.InDelta(t, 104*(1-0.25/100), actions[0].NewStop, 1e-9)
}

func TestManage_DefensiveTrailsImmediatelyAndTighter(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := longPosition()
	p.Defensive = true

	// Well below 3R: a defensive position still trails.
	inst := instAt(101)
	inst.EMAFast = 100.5

	actions := m.Manage(p, inst, ModeParams{})
	var move *Action
	for i := range actions {
		if actions[i].Type == ActionMoveStop {
			move = &actions[i]
		}
	}
	require.NotNil(t, move)
	// Half the normal EMA distance: 0.5% instead of 1%.
	assert.InDelta(t, 100.5*(1-0.5/100), move.NewStop, 1e-9)
}

func TestManage_PyramidingGates(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	params := ModeParams{MaxAdds: 1, MinPnLForAdd: 2}

	p := longPosition()
	p.BreakevenSet = true
	p.StopPrice = 100

	t.Run("adds_on_winner_with_bias", func(t *testing.T) {
		inst := instAt(103) // +3% > 2% threshold, 1.5R so no partial yet
		actions := m.Manage(p, inst, params)
		types := actionTypes(actions)
		require.Contains(t, types, ActionAdd)
		for _, a := range actions {
			if a.Type == ActionAdd {
				assert.InDelta(t, 0.5, a.AddSize, 1e-9) // half of size 1
			}
		}
	})

	t.Run("no_add_below_pnl_threshold", func(t *testing.T) {
		assert.NotContains(t, actionTypes(m.Manage(p, instAt(101), params)), ActionAdd)
	})

	t.Run("no_add_at_cap", func(t *testing.T) {
		capped := *p
		capped.AddsCount = 1
		assert.NotContains(t, actionTypes(m.Manage(&capped, instAt(103), params)), ActionAdd)
	})

	t.Run("no_add_against_bias", func(t *testing.T) {
		inst := instAt(103)
		inst.Bias = domain.BiasNeutral
		assert.NotContains(t, actionTypes(m.Manage(p, inst, params)), ActionAdd)
	})

	t.Run("add_sized_from_original_after_partial", func(t *testing.T) {
		reduced := *p
		reduced.OriginalSize = 1
		reduced.Size = 0.5 // half already banked
		reduced.PartialTaken = true
		actions := m.Manage(&reduced, instAt(103), params)
		var add *Action
		for i := range actions {
			if actions[i].Type == ActionAdd {
				add = &actions[i]
			}
		}
		require.NotNil(t, add)
		// Half of the size at open, not of the reduced remainder.
		assert.InDelta(t, 0.5, add.AddSize, 1e-9)
	})
}

func TestCanOpen_ReentryCooldown(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	m.RegisterStop("BTC")

	ok, reason, _ := m.CanOpen(nil, "BTC", domain.DirectionLong, domain.CategoryTactical)
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonReentryCooldown, reason)

	// Other instruments are unaffected.
	ok, _, _ = m.CanOpen(nil, "ETH", domain.DirectionLong, domain.CategoryTactical)
	assert.True(t, ok)

	// Cooldown expires.
	now = now.Add(31 * time.Minute)
	ok, _, _ = m.CanOpen(nil, "BTC", domain.DirectionLong, domain.CategoryTactical)
	assert.True(t, ok)
}

func TestCanOpen_CategoryProtection(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	structural := &domain.Position{
		Instrument: "BTC",
		Side:       domain.DirectionLong,
		Category:   domain.CategoryStructural,
	}

	// Tactical against the structural side is vetoed.
	ok, reason, _ := m.CanOpen([]*domain.Position{structural}, "BTC", domain.DirectionShort, domain.CategoryTactical)
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonCategoryProtection, reason)

	// Same side is fine.
	ok, _, _ = m.CanOpen([]*domain.Position{structural}, "BTC", domain.DirectionLong, domain.CategoryTactical)
	assert.True(t, ok)
}

func TestCanOpen_DuplicateCategory(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	open := &domain.Position{
		Instrument: "BTC",
		Side:       domain.DirectionLong,
		Category:   domain.CategoryTactical,
	}

	ok, reason, _ := m.CanOpen([]*domain.Position{open}, "BTC", domain.DirectionLong, domain.CategoryTactical)
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonDuplicatePosition, reason)
}

func TestManage_ShortSideExits(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop())
	p := &domain.Position{
		ID:          "s1",
		Instrument:  "BTC",
		Side:        domain.DirectionShort,
		Category:    domain.CategoryTactical,
		EntryPrice:  100,
		Size:        1,
		StopPrice:   102,
		TakeProfit:  90,
		InitialRisk: 2,
	}

	actions := m.Manage(p, instAt(102.5), ModeParams{})
	require.Len(t, actions, 1)
	assert.Equal(t, "stop_loss", actions[0].Reason)

	p2 := *p
	actions = m.Manage(&p2, instAt(89), ModeParams{})
	require.Len(t, actions, 1)
	assert.Equal(t, "take_profit", actions[0].Reason)
}
