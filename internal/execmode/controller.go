// Package execmode owns the LIVE / PAPER_ONLY / SHADOW state machine
// that gates whether approved orders reach the exchange. Transitions are
// explicit operator actions; nothing promotes a mode automatically. The
// pipeline snapshots the mode once per tick, so a change takes effect at
// the next tick boundary, never mid-tick.
package execmode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the execution routing mode.
type Mode string

const (
	ModeLive      Mode = "LIVE"       // real orders
	ModePaperOnly Mode = "PAPER_ONLY" // simulated fills only
	ModeShadow    Mode = "SHADOW"     // real orders plus simulated variants
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModePaperOnly || m == ModeShadow
}

// State is the persisted execution mode record. One instance per
// process; survives restart.
type State struct {
	Mode   Mode      `json:"mode"`
	Paused bool      `json:"paused"`
	SetBy  string    `json:"set_by"`
	SetAt  time.Time `json:"set_at"`
}

// Store persists execution mode state.
type Store interface {
	LoadMode(ctx context.Context) (*State, error)
	SaveMode(ctx context.Context, state State) error
}

// ErrCorruptState marks persisted mode state that could not be read. The
// process must not place live orders until an operator re-confirms the
// mode explicitly.
var ErrCorruptState = errors.New("execution mode state unreadable")

// ErrUnauthorized is returned for transition requests without a valid
// actor identity.
var ErrUnauthorized = errors.New("unauthorized mode transition")

// Controller is the process-wide execution mode state machine.
type Controller struct {
	mu           sync.RWMutex
	state        State
	needsConfirm bool // persisted state was corrupt; live routing blocked
	store        Store
	log          zerolog.Logger
}

// Load restores the controller from the store. A missing record cold
// starts in the safest non-live mode; a corrupt record blocks live
// routing until ConfirmMode.
func Load(ctx context.Context, store Store, log zerolog.Logger) (*Controller, error) {
	c := &Controller{
		store: store,
		log:   log.With().Str("component", "execmode").Logger(),
		state: State{Mode: ModePaperOnly, SetBy: "cold_start", SetAt: time.Now().UTC()},
	}
	st, err := store.LoadMode(ctx)
	if err != nil {
		c.needsConfirm = true
		c.log.Error().Err(err).Msg("persisted execution mode unreadable, live orders blocked until operator confirms")
		return c, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if st == nil {
		c.log.Info().Str("mode", string(c.state.Mode)).Msg("no persisted execution mode, cold starting in safest non-live mode")
		return c, nil
	}
	if !st.Mode.Valid() {
		c.needsConfirm = true
		c.log.Error().Str("mode", string(st.Mode)).Msg("persisted execution mode invalid, live orders blocked until operator confirms")
		return c, fmt.Errorf("%w: invalid mode %q", ErrCorruptState, st.Mode)
	}
	c.state = *st
	c.log.Info().Str("mode", string(st.Mode)).Bool("paused", st.Paused).Msg("execution mode restored")
	return c, nil
}

// Snapshot returns the current state. The pipeline calls this once at
// each tick boundary.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// NeedsConfirmation reports whether live routing is blocked pending an
// explicit operator mode confirmation.
func (c *Controller) NeedsConfirmation() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.needsConfirm
}

// SetMode transitions to a new mode. Every transition requires an actor
// identity and is persisted and logged.
func (c *Controller) SetMode(ctx context.Context, mode Mode, actor string) error {
	if actor == "" {
		return ErrUnauthorized
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid execution mode %q", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Mode
	c.state.Mode = mode
	c.state.SetBy = actor
	c.state.SetAt = time.Now().UTC()
	c.needsConfirm = false
	if err := c.store.SaveMode(ctx, c.state); err != nil {
		return fmt.Errorf("failed to persist execution mode: %w", err)
	}
	c.log.Info().
		Str("from", string(prev)).
		Str("to", string(mode)).
		Str("actor", actor).
		Msg("execution mode changed")
	return nil
}

// ConfirmMode is the explicit operator re-confirmation required after
// persisted-state corruption. Semantically a SetMode that also clears
// the startup block.
func (c *Controller) ConfirmMode(ctx context.Context, mode Mode, actor string) error {
	return c.SetMode(ctx, mode, actor)
}

// SetPaused toggles the PAUSED overlay. Pause blocks new entries only;
// management of open positions continues, because abandoning open risk
// is itself a hazard.
func (c *Controller) SetPaused(ctx context.Context, paused bool, actor string) error {
	if actor == "" {
		return ErrUnauthorized
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Paused = paused
	c.state.SetBy = actor
	c.state.SetAt = time.Now().UTC()
	if err := c.store.SaveMode(ctx, c.state); err != nil {
		return fmt.Errorf("failed to persist pause state: %w", err)
	}
	c.log.Info().Bool("paused", paused).Str("actor", actor).Msg("pause state changed")
	return nil
}

// AllowsLive reports whether the state routes real orders.
func (s State) AllowsLive() bool {
	return s.Mode == ModeLive || s.Mode == ModeShadow
}

// AllowsPaper reports whether the state routes simulated orders.
func (s State) AllowsPaper() bool {
	return s.Mode == ModePaperOnly || s.Mode == ModeShadow
}
