// Package budget meters calls to external proposers. Each proposer class
// carries a rolling daily quota and a minimum inter-call cooldown; state
// is persisted so a restart cannot double-spend the day's budget.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// State is the persisted budget record for one proposer class.
// CallsToday never exceeds the configured daily maximum.
type State struct {
	Class       string    `json:"class"`
	CallsToday  int       `json:"calls_today"`
	WindowStart time.Time `json:"window_start"`
	LastCallAt  time.Time `json:"last_call_at"`
}

// ClassLimit is the quota configuration for one proposer class.
type ClassLimit struct {
	DailyMax int
	Cooldown time.Duration
}

// Result is the outcome of a budget check or registration.
type Result struct {
	Allowed   bool
	Reason    domain.RejectReason
	Remaining int
	Warned    bool // advisory: utilization crossed the warn threshold
	RetryAt   time.Time
}

// Store persists budget state across restarts.
type Store interface {
	LoadBudget(ctx context.Context, class string) (*State, error)
	SaveBudget(ctx context.Context, state State) error
}

// Gate enforces per-class call budgets. All mutation happens under one
// mutex: Register re-validates inside the critical section so two
// concurrent approvals cannot both pass a stale check.
type Gate struct {
	mu            sync.Mutex
	limits        map[string]ClassLimit
	states        map[string]*State
	store         Store
	resetHour     int
	warnThreshold float64
	log           zerolog.Logger
	clock         func() time.Time
}

// NewGate creates a budget gate and restores persisted state for each
// configured class. A missing store entry starts the class fresh.
func NewGate(ctx context.Context, limits map[string]ClassLimit, store Store, resetHour int, warnThreshold float64, log zerolog.Logger) *Gate {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = 0.8
	}
	g := &Gate{
		limits:        limits,
		states:        make(map[string]*State, len(limits)),
		store:         store,
		resetHour:     resetHour,
		warnThreshold: warnThreshold,
		log:           log.With().Str("component", "budget").Logger(),
		clock:         func() time.Time { return time.Now().UTC() },
	}
	for class := range limits {
		st := &State{Class: class, WindowStart: g.windowStart(g.clock())}
		if store != nil {
			if loaded, err := store.LoadBudget(ctx, class); err != nil {
				g.log.Warn().Err(err).Str("class", class).Msg("budget state unreadable, starting fresh")
			} else if loaded != nil {
				st = loaded
			}
		}
		g.states[class] = st
	}
	return g
}

// windowStart returns the start of the current daily window.
func (g *Gate) windowStart(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), g.resetHour, 0, 0, 0, time.UTC)
	if now.Before(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// rolloverLocked resets a class whose window has elapsed. Caller holds mu.
func (g *Gate) rolloverLocked(st *State, now time.Time) {
	ws := g.windowStart(now)
	if st.WindowStart.Before(ws) {
		g.log.Info().Str("class", st.Class).Int("calls", st.CallsToday).Msg("daily budget window reset")
		st.CallsToday = 0
		st.WindowStart = ws
	}
}

// checkLocked evaluates the quota without mutating. Caller holds mu.
func (g *Gate) checkLocked(st *State, limit ClassLimit, now time.Time) Result {
	if st.CallsToday >= limit.DailyMax {
		return Result{
			Allowed: false,
			Reason:  domain.ReasonDailyLimit,
			RetryAt: st.WindowStart.Add(24 * time.Hour),
		}
	}
	if !st.LastCallAt.IsZero() {
		if since := now.Sub(st.LastCallAt); since < limit.Cooldown {
			return Result{
				Allowed: false,
				Reason:  domain.ReasonCooldown,
				RetryAt: st.LastCallAt.Add(limit.Cooldown),
			}
		}
	}
	return Result{Allowed: true, Remaining: limit.DailyMax - st.CallsToday}
}

// CanCall reports whether a proposer call would currently be admitted.
// Non-mutating; the pipeline uses it for cheap pre-filtering only.
func (g *Gate) CanCall(class string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, limit, err := g.lookupLocked(class)
	if err != nil {
		return Result{Allowed: false, Reason: domain.ReasonDailyLimit}
	}
	g.rolloverLocked(st, g.clock())
	return g.checkLocked(st, limit, g.clock())
}

// Register spends one call from the class budget. It re-validates inside
// the critical section, so the classic check-then-act race between two
// approvals cannot overspend. Must be called exactly once per accepted
// external call, never speculatively.
func (g *Gate) Register(ctx context.Context, class string, trigger *domain.Trigger) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, limit, err := g.lookupLocked(class)
	if err != nil {
		return Result{Allowed: false, Reason: domain.ReasonDailyLimit}
	}

	now := g.clock()
	g.rolloverLocked(st, now)
	if res := g.checkLocked(st, limit, now); !res.Allowed {
		return res
	}

	st.CallsToday++
	st.LastCallAt = now
	if g.store != nil {
		if err := g.store.SaveBudget(ctx, *st); err != nil {
			g.log.Error().Err(err).Str("class", class).Msg("failed to persist budget state")
		}
	}

	res := Result{Allowed: true, Remaining: limit.DailyMax - st.CallsToday}
	utilization := float64(st.CallsToday) / float64(limit.DailyMax)
	if utilization >= g.warnThreshold {
		res.Warned = true
		ev := g.log.Warn().
			Str("class", class).
			Int("calls_today", st.CallsToday).
			Int("daily_max", limit.DailyMax).
			Float64("utilization", utilization)
		if trigger != nil {
			ev = ev.Str("trigger", string(trigger.Type)).Str("instrument", trigger.Instrument)
		}
		ev.Msg("proposer budget approaching daily limit")
	}
	return res
}

// Stats returns a copy of the current state for every class.
func (g *Gate) Stats() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	out := make(map[string]State, len(g.states))
	for class, st := range g.states {
		g.rolloverLocked(st, now)
		out[class] = *st
	}
	return out
}

func (g *Gate) lookupLocked(class string) (*State, ClassLimit, error) {
	limit, ok := g.limits[class]
	if !ok {
		return nil, ClassLimit{}, fmt.Errorf("unknown proposer class %q", class)
	}
	return g.states[class], limit, nil
}

// SetClock overrides the time source. Test hook.
func (g *Gate) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}
