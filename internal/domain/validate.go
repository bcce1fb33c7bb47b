package domain

import (
	"fmt"
)

// ValidationError describes why a proposal failed boundary validation.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proposal: %s %s", e.Field, e.Detail)
}

// Validate range-checks every numeric field of an untrusted proposal.
// Malformed proposals are rejected at the boundary and never enter the
// pipeline.
func (p *Proposal) Validate() error {
	if p.Instrument == "" {
		return &ValidationError{Field: "instrument", Detail: "is empty"}
	}
	if p.Direction != DirectionLong && p.Direction != DirectionShort {
		return &ValidationError{Field: "direction", Detail: fmt.Sprintf("%q is not long/short", p.Direction)}
	}
	if p.Category != CategoryStructural && p.Category != CategoryTactical {
		return &ValidationError{Field: "category", Detail: fmt.Sprintf("%q is not structural/tactical", p.Category)}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return &ValidationError{Field: "confidence", Detail: fmt.Sprintf("%.3f outside [0,1]", p.Confidence)}
	}
	if p.RequestedLeverage <= 0 {
		return &ValidationError{Field: "requested_leverage", Detail: fmt.Sprintf("%.2f is not positive", p.RequestedLeverage)}
	}
	if p.StopPct <= 0 {
		return &ValidationError{Field: "stop_pct", Detail: fmt.Sprintf("%.2f is not positive", p.StopPct)}
	}
	if p.RiskPct < 0 {
		return &ValidationError{Field: "risk_pct", Detail: fmt.Sprintf("%.2f is negative", p.RiskPct)}
	}
	if p.RefPrice <= 0 {
		return &ValidationError{Field: "ref_price", Detail: fmt.Sprintf("%.4f is not positive", p.RefPrice)}
	}
	if p.StructuralStop != nil {
		if p.Category != CategoryStructural {
			return &ValidationError{Field: "structural_stop", Detail: "set on a tactical proposal"}
		}
		if *p.StructuralStop <= 0 {
			return &ValidationError{Field: "structural_stop", Detail: fmt.Sprintf("%.4f is not positive", *p.StructuralStop)}
		}
	}
	return nil
}
