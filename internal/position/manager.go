// Package position owns the lifecycle of open positions: trailing stop
// recomputation, breakeven and partial exits at R multiples, pyramiding
// into winners, and the mutual-protection rule between structural and
// tactical positions on the same instrument.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// ActionType enumerates the management actions, in precedence order.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionClose
	ActionPartialClose
	ActionMoveStop
	ActionAdd
)

func (a ActionType) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionPartialClose:
		return "partial_close"
	case ActionMoveStop:
		return "move_stop"
	case ActionAdd:
		return "add"
	default:
		return "none"
	}
}

// Action is one management instruction for the execution router.
type Action struct {
	Type      ActionType
	Position  *domain.Position
	Fraction  float64 // partial close fraction
	NewStop   float64 // move_stop target
	Breakeven bool    // move_stop is the breakeven move
	AddSize   float64 // pyramiding size at current price
	Reason    string
	RMultiple float64
}

// Config holds the management thresholds.
type Config struct {
	BreakevenAtR        float64
	PartialAtR          float64
	PartialFraction     float64
	TrailingFromR       float64
	DefensiveTrailMult  float64 // <1 tightens trailing for defensive positions
	AddFraction         float64
	ReentryCooldown     time.Duration
	TrailingSource      map[string]string // category -> swing|ema|atr
	TrailingATRMult     float64
	TrailingEMADistPct  float64
	TrailingSwingBuffer float64
}

// ModeParams are the per-mode pyramiding knobs.
type ModeParams struct {
	MaxAdds      int
	MinPnLForAdd float64 // unrealized PnL % required before adding
}

// Manager evaluates management actions for open positions. It also
// tracks post-stop cooldowns so a stopped-out instrument is not
// re-entered immediately.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	stoppedAt map[string]time.Time
	clock     func() time.Time
}

// NewManager creates a position manager.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log.With().Str("component", "position").Logger(),
		stoppedAt: make(map[string]time.Time),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Manage evaluates one position against the tick snapshot and returns
// the actions to execute, highest precedence first. Exits outrank stop
// management, which outranks pyramiding.
func (m *Manager) Manage(p *domain.Position, inst domain.InstrumentState, params ModeParams) []Action {
	price := inst.Price
	if price <= 0 {
		return nil
	}
	r := p.RMultiple(price)

	// Hard exits first: stop hit, then fixed target.
	if hit, reason := exitHit(p, price); hit {
		if reason == "stop_loss" {
			m.RegisterStop(p.Instrument)
		}
		return []Action{{Type: ActionClose, Position: p, Fraction: 1, Reason: reason, RMultiple: r}}
	}

	var actions []Action

	// Trailing recompute. Stops only ever move in the risk-reducing
	// direction; a looser candidate is discarded.
	if p.Defensive || (m.cfg.TrailingFromR > 0 && r >= m.cfg.TrailingFromR) {
		if newStop, ok := m.trailingStop(p, inst); ok && tightens(p, newStop) {
			actions = append(actions, Action{
				Type:      ActionMoveStop,
				Position:  p,
				NewStop:   newStop,
				Reason:    fmt.Sprintf("trailing_%s", m.trailingSource(p.Category)),
				RMultiple: r,
			})
		}
	}

	// Partial exit: bank a fraction once the reward:risk multiple is
	// reached, then ride the remainder risk-free from breakeven.
	if !p.PartialTaken && m.cfg.PartialAtR > 0 && r >= m.cfg.PartialAtR {
		act := Action{
			Type:      ActionPartialClose,
			Position:  p,
			Fraction:  m.cfg.PartialFraction,
			Reason:    fmt.Sprintf("partial at %.1fR", r),
			RMultiple: r,
		}
		actions = append(actions, act)
		if !p.BreakevenSet && tightens(p, p.EntryPrice) {
			actions = append(actions, Action{
				Type: ActionMoveStop, Position: p, NewStop: p.EntryPrice,
				Breakeven: true, Reason: "breakeven after partial", RMultiple: r,
			})
		}
		return actions
	}

	// Breakeven before the partial threshold.
	if !p.BreakevenSet && m.cfg.BreakevenAtR > 0 && r >= m.cfg.BreakevenAtR && tightens(p, p.EntryPrice) {
		actions = append(actions, Action{
			Type: ActionMoveStop, Position: p, NewStop: p.EntryPrice,
			Breakeven: true, Reason: fmt.Sprintf("breakeven at %.1fR", r), RMultiple: r,
		})
	}

	// Pyramiding: add to a winner while the regime still agrees with the
	// position's side. Never against the bias, never past the add cap.
	if p.AddsCount < params.MaxAdds &&
		p.UnrealizedPnLPct(price) >= params.MinPnLForAdd &&
		inst.Bias.Agrees(p.Side) {
		// Adds are a fraction of the size at open, so a partial exit or
		// an earlier add does not change the step.
		base := p.OriginalSize
		if base <= 0 {
			base = p.Size
		}
		actions = append(actions, Action{
			Type:      ActionAdd,
			Position:  p,
			AddSize:   base * m.cfg.AddFraction,
			Reason:    fmt.Sprintf("pyramid add %d/%d", p.AddsCount+1, params.MaxAdds),
			RMultiple: r,
		})
	}

	return actions
}

// CanOpen enforces entry-side protection against the existing open-set:
// one position per instrument and category, and a tactical entry on an
// instrument holding a structural position must agree with the
// structural side so a short-horizon trade cannot erode the established
// long-horizon one. Also enforces the post-stop re-entry cooldown.
func (m *Manager) CanOpen(existing []*domain.Position, instrument string, side domain.Direction, category domain.Category) (bool, domain.RejectReason, string) {
	if m.InCooldown(instrument) {
		return false, domain.ReasonReentryCooldown,
			fmt.Sprintf("%s stopped out within the last %s", instrument, m.cfg.ReentryCooldown)
	}
	for _, p := range existing {
		if p.Instrument != instrument {
			continue
		}
		if p.Category == category {
			return false, domain.ReasonDuplicatePosition,
				fmt.Sprintf("%s %s position already open", instrument, category)
		}
		if p.Category == domain.CategoryStructural && category == domain.CategoryTactical && p.Side != side {
			return false, domain.ReasonCategoryProtection,
				fmt.Sprintf("tactical %s conflicts with structural %s on %s", side, p.Side, instrument)
		}
	}
	return true, domain.ReasonNone, ""
}

// RegisterStop starts the re-entry cooldown for an instrument.
func (m *Manager) RegisterStop(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stoppedAt[instrument] = m.clock()
	m.log.Info().Str("instrument", instrument).Dur("cooldown", m.cfg.ReentryCooldown).Msg("re-entry cooldown started")
}

// InCooldown reports whether an instrument is inside its post-stop
// cooldown window.
func (m *Manager) InCooldown(instrument string) bool {
	if m.cfg.ReentryCooldown <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.stoppedAt[instrument]
	return ok && m.clock().Sub(t) < m.cfg.ReentryCooldown
}

// trailingStop derives the stop candidate from the configured source for
// the position's category. Defensive positions trail at a fraction of
// the normal distance.
func (m *Manager) trailingStop(p *domain.Position, inst domain.InstrumentState) (float64, bool) {
	mult := 1.0
	if p.Defensive && m.cfg.DefensiveTrailMult > 0 {
		mult = m.cfg.DefensiveTrailMult
	}
	switch m.trailingSource(p.Category) {
	case "swing":
		buffer := m.cfg.TrailingSwingBuffer * mult
		if p.Side == domain.DirectionLong && inst.SwingLow > 0 {
			return inst.SwingLow * (1 - buffer/100), true
		}
		if p.Side == domain.DirectionShort && inst.SwingHigh > 0 {
			return inst.SwingHigh * (1 + buffer/100), true
		}
	case "ema":
		dist := m.cfg.TrailingEMADistPct * mult
		if inst.EMAFast > 0 {
			if p.Side == domain.DirectionLong {
				return inst.EMAFast * (1 - dist/100), true
			}
			return inst.EMAFast * (1 + dist/100), true
		}
	case "atr":
		if inst.ATR > 0 {
			dist := m.cfg.TrailingATRMult * mult * inst.ATR
			if p.Side == domain.DirectionLong {
				return inst.Price - dist, true
			}
			return inst.Price + dist, true
		}
	}
	return 0, false
}

func (m *Manager) trailingSource(cat domain.Category) string {
	if src, ok := m.cfg.TrailingSource[string(cat)]; ok {
		return src
	}
	return "atr"
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// exitHit checks the fixed stop and target.
func exitHit(p *domain.Position, price float64) (bool, string) {
	if p.Side == domain.DirectionLong {
		if p.StopPrice > 0 && price <= p.StopPrice {
			return true, "stop_loss"
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return true, "take_profit"
		}
	} else {
		if p.StopPrice > 0 && price >= p.StopPrice {
			return true, "stop_loss"
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return true, "take_profit"
		}
	}
	return false, ""
}

// tightens reports whether newStop reduces risk relative to the current
// stop. A stop is never loosened.
func tightens(p *domain.Position, newStop float64) bool {
	if newStop <= 0 {
		return false
	}
	if p.StopPrice <= 0 {
		return true
	}
	if p.Side == domain.DirectionLong {
		return newStop > p.StopPrice
	}
	return newStop < p.StopPrice
}
