package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the exported snapshot of the daily circuit breaker.
type BreakerState struct {
	DayStartEquity float64   `json:"day_start_equity"`
	CurrentEquity  float64   `json:"current_equity"`
	DrawdownPct    float64   `json:"drawdown_pct"`
	Tripped        bool      `json:"tripped"`
	TrippedAt      time.Time `json:"tripped_at,omitempty"`
	Day            string    `json:"day"`
}

// CircuitBreaker is the daily-drawdown kill switch. Once tripped it
// blocks all new entries until the next daily reset, regardless of any
// later recovery in equity. Mutated once per tick by the pipeline.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxDrawdown float64 // positive percentage, e.g. 10.0
	state       BreakerState
	log         zerolog.Logger
	clock       func() time.Time
}

// NewCircuitBreaker creates an untripped breaker.
func NewCircuitBreaker(maxDrawdownPct float64, log zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		maxDrawdown: maxDrawdownPct,
		log:         log.With().Str("component", "breaker").Logger(),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// UpdateEquity recomputes the daily drawdown from the latest equity
// (realized plus unrealized) and trips the breaker when the configured
// maximum is crossed. Returns true when tripped.
func (cb *CircuitBreaker) UpdateEquity(equity float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	day := now.Format("2006-01-02")
	if cb.state.Day != day {
		if cb.state.Day != "" {
			cb.log.Info().Str("day", day).Msg("circuit breaker daily reset")
		}
		cb.state = BreakerState{Day: day, DayStartEquity: equity}
	}
	if cb.state.DayStartEquity <= 0 {
		cb.state.DayStartEquity = equity
	}

	cb.state.CurrentEquity = equity
	if cb.state.DayStartEquity > 0 {
		cb.state.DrawdownPct = (equity - cb.state.DayStartEquity) / cb.state.DayStartEquity * 100
	}

	if !cb.state.Tripped && cb.state.DrawdownPct <= -cb.maxDrawdown {
		cb.state.Tripped = true
		cb.state.TrippedAt = now
		cb.log.Error().
			Float64("drawdown_pct", cb.state.DrawdownPct).
			Float64("limit_pct", cb.maxDrawdown).
			Msg("circuit breaker TRIPPED, no new entries until daily reset")
	}
	return cb.state.Tripped
}

// Tripped reports whether the breaker currently blocks new entries.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.Tripped
}

// State returns a copy of the breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// SetClock overrides the time source. Test hook.
func (cb *CircuitBreaker) SetClock(clock func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
}
