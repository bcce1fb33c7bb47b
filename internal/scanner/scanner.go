// Package scanner deterministically inspects market state and emits
// triggers: typed events that justify spending an external proposer
// call. The scanner takes no decisions and calls no external service.
package scanner

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Config bounds trigger emission.
type Config struct {
	MaxStructural      int
	MaxTactical        int
	StrongMoveATRMult  float64
	PullbackEMADistPct float64
}

// Scanner detects trigger conditions. It keeps a memory of previously
// fired conditions so an unchanged setup does not re-fire every tick.
type Scanner struct {
	cfg   Config
	log   zerolog.Logger
	fired map[string]string // instrument+type -> condition signature
}

// New creates a scanner with empty trigger memory.
func New(cfg Config, log zerolog.Logger) *Scanner {
	return &Scanner{
		cfg:   cfg,
		log:   log.With().Str("component", "scanner").Logger(),
		fired: make(map[string]string),
	}
}

// Scan inspects the tick snapshot and returns triggers ordered by
// priority (structural regime shifts first). Triggers whose direction
// contradicts the established bias are suppressed before emission so
// they never reach the call budget.
func (s *Scanner) Scan(market domain.MarketState) []domain.Trigger {
	var structural, tactical []domain.Trigger

	for _, inst := range market.Instruments {
		for _, t := range s.scanInstrument(inst, market) {
			if inst.Bias.Contradicts(t.Direction) && t.Type != domain.TriggerRegimeShift {
				s.log.Debug().
					Str("instrument", t.Instrument).
					Str("type", string(t.Type)).
					Str("bias", string(inst.Bias)).
					Msg("trigger suppressed, contradicts regime bias")
				continue
			}
			if t.Category == domain.CategoryStructural {
				structural = append(structural, t)
			} else {
				tactical = append(tactical, t)
			}
		}
	}

	sortTriggers(structural)
	sortTriggers(tactical)
	structural = capTriggers(structural, s.cfg.MaxStructural)
	tactical = capTriggers(tactical, s.cfg.MaxTactical)

	out := append(structural, tactical...)
	for _, t := range out {
		s.log.Info().
			Str("instrument", t.Instrument).
			Str("type", string(t.Type)).
			Str("direction", string(t.Direction)).
			Int("priority", t.Priority).
			Msg("trigger fired")
	}
	return out
}

// scanInstrument evaluates every trigger rule for one instrument.
func (s *Scanner) scanInstrument(inst domain.InstrumentState, market domain.MarketState) []domain.Trigger {
	var out []domain.Trigger

	// Structural: regime shift. Carries the new bias as direction; this
	// is the one trigger allowed to disagree with the (previous) bias.
	if inst.RegimeShifted && inst.Bias != domain.BiasNeutral {
		sig := fmt.Sprintf("bias=%s", inst.Bias)
		if s.shouldFire(inst.Instrument, domain.TriggerRegimeShift, sig) {
			out = append(out, s.newTrigger(inst, market, domain.CategoryStructural,
				domain.TriggerRegimeShift, biasDirection(inst.Bias), 1, inst.AlignmentScore))
		}
	}

	// Structural: strong move. Last closed candle travelled a multiple
	// of ATR in the bias direction.
	if inst.ATR > 0 && inst.Price > 0 {
		movePx := math.Abs(inst.LastCandlePct) / 100 * inst.Price
		if movePx >= s.cfg.StrongMoveATRMult*inst.ATR {
			dir := domain.DirectionLong
			if inst.LastCandlePct < 0 {
				dir = domain.DirectionShort
			}
			sig := fmt.Sprintf("candle=%.2f", inst.LastCandlePct)
			if s.shouldFire(inst.Instrument, domain.TriggerStrongMove, sig) {
				out = append(out, s.newTrigger(inst, market, domain.CategoryStructural,
					domain.TriggerStrongMove, dir, 2, movePx/inst.ATR))
			}
		}
	}

	// Tactical: pullback to the fast EMA while the trend holds.
	if inst.Bias != domain.BiasNeutral && inst.EMAFast > 0 {
		distPct := math.Abs(inst.Price-inst.EMAFast) / inst.EMAFast * 100
		if distPct <= s.cfg.PullbackEMADistPct {
			sig := fmt.Sprintf("ema=%.4f bias=%s", inst.EMAFast, inst.Bias)
			if s.shouldFire(inst.Instrument, domain.TriggerPullback, sig) {
				out = append(out, s.newTrigger(inst, market, domain.CategoryTactical,
					domain.TriggerPullback, biasDirection(inst.Bias), 3, 1-distPct/s.cfg.PullbackEMADistPct))
			}
		}
	}

	// Tactical: breakout of the lookback range.
	if inst.RecentHigh > 0 && inst.Price > inst.RecentHigh {
		sig := fmt.Sprintf("high=%.4f", inst.RecentHigh)
		if s.shouldFire(inst.Instrument, domain.TriggerBreakout, sig) {
			out = append(out, s.newTrigger(inst, market, domain.CategoryTactical,
				domain.TriggerBreakout, domain.DirectionLong, 3, (inst.Price-inst.RecentHigh)/inst.RecentHigh))
		}
	}
	if inst.RecentLow > 0 && inst.Price < inst.RecentLow {
		sig := fmt.Sprintf("low=%.4f", inst.RecentLow)
		if s.shouldFire(inst.Instrument, domain.TriggerBreakout, sig) {
			out = append(out, s.newTrigger(inst, market, domain.CategoryTactical,
				domain.TriggerBreakout, domain.DirectionShort, 3, (inst.RecentLow-inst.Price)/inst.RecentLow))
		}
	}

	return out
}

// shouldFire records the condition signature and reports whether it
// changed since the last firing. Same signature, same condition: no
// duplicate trigger, no duplicate proposer call.
func (s *Scanner) shouldFire(instrument string, tt domain.TriggerType, signature string) bool {
	key := instrument + "/" + string(tt)
	if s.fired[key] == signature {
		return false
	}
	s.fired[key] = signature
	return true
}

// Unmark forgets a fired condition so the unchanged setup fires again on
// the next scan. The pipeline calls this when a trigger's proposer call
// failed before producing any outcome; without it a transient upstream
// error would silently starve a still-valid setup.
func (s *Scanner) Unmark(trig domain.Trigger) {
	delete(s.fired, trig.Instrument+"/"+string(trig.Type))
}

func (s *Scanner) newTrigger(inst domain.InstrumentState, market domain.MarketState, cat domain.Category, tt domain.TriggerType, dir domain.Direction, priority int, evidence float64) domain.Trigger {
	tf := "1h"
	if cat == domain.CategoryStructural {
		tf = "1d"
	}
	return domain.Trigger{
		ID:         uuid.NewString(),
		Category:   cat,
		Type:       tt,
		Instrument: inst.Instrument,
		Timeframe:  tf,
		Direction:  dir,
		Priority:   priority,
		Evidence:   evidence,
		FiredAt:    market.Timestamp,
	}
}

func biasDirection(b domain.Bias) domain.Direction {
	if b == domain.BiasShort {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

func sortTriggers(ts []domain.Trigger) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority < ts[j].Priority
		}
		return ts[i].Evidence > ts[j].Evidence
	})
}

func capTriggers(ts []domain.Trigger, max int) []domain.Trigger {
	if max > 0 && len(ts) > max {
		return ts[:max]
	}
	return ts
}
