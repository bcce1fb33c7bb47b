// Package guards holds the hard pass/fail filters applied to proposals
// before any scoring. A guard either allows or blocks; there is no
// partial credit.
package guards

import (
	"fmt"

	"github.com/sawpanic/tradegate/internal/domain"
)

// TrendParams are the per-mode knobs of the trend guard.
type TrendParams struct {
	AllowNeutralEntries  bool
	MinConfidenceNeutral float64
}

// TrendResult is the outcome of one trend guard evaluation.
type TrendResult struct {
	Allowed bool
	Reason  domain.RejectReason
	Detail  string
}

// TrendGuard enforces directional alignment between a proposal and the
// prevailing regime bias. Identical inputs always yield identical
// results.
type TrendGuard struct{}

// NewTrendGuard creates the guard. It is stateless.
func NewTrendGuard() *TrendGuard {
	return &TrendGuard{}
}

// Evaluate blocks any proposal that runs against the regime bias. With a
// neutral bias the proposal is admitted only above the mode's neutral
// confidence threshold, and only when the mode trades neutral regimes
// at all.
func (g *TrendGuard) Evaluate(p *domain.Proposal, bias domain.Bias, params TrendParams) TrendResult {
	if bias.Contradicts(p.Direction) {
		return TrendResult{
			Allowed: false,
			Reason:  domain.ReasonTrendContra,
			Detail:  fmt.Sprintf("%s entry against %s bias", p.Direction, bias),
		}
	}
	if bias == domain.BiasNeutral {
		if !params.AllowNeutralEntries {
			return TrendResult{
				Allowed: false,
				Reason:  domain.ReasonNeutralConfidence,
				Detail:  "neutral regime entries disabled for this mode",
			}
		}
		if p.Confidence < params.MinConfidenceNeutral {
			return TrendResult{
				Allowed: false,
				Reason:  domain.ReasonNeutralConfidence,
				Detail:  fmt.Sprintf("confidence %.2f below neutral threshold %.2f", p.Confidence, params.MinConfidenceNeutral),
			}
		}
	}
	return TrendResult{Allowed: true}
}
