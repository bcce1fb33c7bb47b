// Package quality scores proposals against mode-dependent thresholds.
// Unlike the trend guard this gate applies graded penalties: a marginal
// proposal loses confidence instead of being cut outright, and only
// falls when the penalized confidence crosses the mode floor.
package quality

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Params are the per-mode quality thresholds.
type Params struct {
	MinConfidenceStructural float64
	MinConfidenceTactical   float64
	MinConfluences          int
	ConfluencePenalty       float64
	MaxCandleBodyPct        float64
}

// OverridePolicy tunes the structural-shift exception path. Disabled by
// zero value.
type OverridePolicy struct {
	Enabled           bool
	MinAlignmentScore float64
}

// Result is the outcome of one quality evaluation.
type Result struct {
	Approved          bool
	Reason            domain.RejectReason
	AppliedConfidence float64
	Penalty           float64
	Defensive         bool // approved via override; downstream must trail tighter
	Detail            string
}

// Gate evaluates proposal quality. Stateless apart from its logger.
type Gate struct {
	log zerolog.Logger
}

// NewGate creates a quality gate.
func NewGate(log zerolog.Logger) *Gate {
	return &Gate{log: log.With().Str("component", "quality").Logger()}
}

// Evaluate applies the confluence penalty and the category confidence
// floor. Proposals arriving right after an oversized candle are rejected
// outright (chase protection).
//
// Exception path: a structural directional shift on the large timeframe
// is high value but naturally scores poorly on indicators still
// reflecting the prior regime. When the mode permits it and alignment is
// strong enough, an otherwise-high-confidence proposal is approved
// despite the penalty, flagged for defensive management.
func (g *Gate) Evaluate(p *domain.Proposal, confluenceCount int, inst domain.InstrumentState, params Params, override OverridePolicy) Result {
	if params.MaxCandleBodyPct > 0 && math.Abs(inst.LastCandlePct) > params.MaxCandleBodyPct {
		return Result{
			Approved:          false,
			Reason:            domain.ReasonChaseGuard,
			AppliedConfidence: p.Confidence,
			Detail:            fmt.Sprintf("last candle %.2f%% exceeds %.2f%% chase limit", inst.LastCandlePct, params.MaxCandleBodyPct),
		}
	}

	applied := p.Confidence
	var penalty float64
	if confluenceCount < params.MinConfluences {
		penalty = float64(params.MinConfluences-confluenceCount) * params.ConfluencePenalty
		applied = math.Max(0, applied-penalty)
	}

	minConf := params.MinConfidenceTactical
	if p.Category == domain.CategoryStructural {
		minConf = params.MinConfidenceStructural
	}

	if applied >= minConf {
		return Result{Approved: true, AppliedConfidence: applied, Penalty: penalty}
	}

	// Override: raw confidence cleared the floor, only secondary readings
	// dragged it under, and a qualifying structural shift just happened in
	// the proposal's direction.
	if override.Enabled &&
		p.Confidence >= minConf &&
		inst.RegimeShifted &&
		inst.Bias.Agrees(p.Direction) &&
		inst.AlignmentScore >= override.MinAlignmentScore {
		g.log.Info().
			Str("instrument", p.Instrument).
			Float64("raw_confidence", p.Confidence).
			Float64("applied_confidence", applied).
			Float64("alignment", inst.AlignmentScore).
			Msg("structural shift override, approving with defensive management")
		return Result{
			Approved:          true,
			AppliedConfidence: applied,
			Penalty:           penalty,
			Defensive:         true,
			Detail:            "structural shift override",
		}
	}

	return Result{
		Approved:          false,
		Reason:            domain.ReasonLowConfidence,
		AppliedConfidence: applied,
		Penalty:           penalty,
		Detail: fmt.Sprintf("confidence %.2f (penalty %.2f) below %s floor %.2f",
			applied, penalty, p.Category, minConf),
	}
}
