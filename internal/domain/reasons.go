package domain

// RejectReason is a closed enumeration of every way a proposal can be
// denied or an order adjusted. Callers switch over these instead of
// matching on text.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonInvalidProposal
	ReasonDailyLimit
	ReasonCooldown
	ReasonTrendContra
	ReasonNeutralConfidence
	ReasonLowConfidence
	ReasonChaseGuard
	ReasonMinNotional
	ReasonBreakerTripped
	ReasonMaxPositions
	ReasonLimitsUnavailable
	ReasonCategoryProtection
	ReasonReentryCooldown
	ReasonPaused
	ReasonDuplicatePosition
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalidProposal:
		return "invalid_proposal"
	case ReasonDailyLimit:
		return "daily_limit"
	case ReasonCooldown:
		return "cooldown"
	case ReasonTrendContra:
		return "trend_contra"
	case ReasonNeutralConfidence:
		return "neutral_confidence"
	case ReasonLowConfidence:
		return "low_confidence"
	case ReasonChaseGuard:
		return "chase_guard"
	case ReasonMinNotional:
		return "min_notional"
	case ReasonBreakerTripped:
		return "breaker_tripped"
	case ReasonMaxPositions:
		return "max_positions"
	case ReasonLimitsUnavailable:
		return "limits_unavailable"
	case ReasonCategoryProtection:
		return "category_protection"
	case ReasonReentryCooldown:
		return "reentry_cooldown"
	case ReasonPaused:
		return "paused"
	case ReasonDuplicatePosition:
		return "duplicate_position"
	default:
		return "unknown"
	}
}

// MarshalText makes reasons stable in JSON audit records.
func (r RejectReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
