package domain

// IndicatorType identifies one of the closed set of fraud patterns
// the detectors can emit.
type IndicatorType string

const (
	IndicatorGhosting     IndicatorType = "ghosting"
	IndicatorFeeInflation IndicatorType = "fee_inflation"
	IndicatorDuplicate    IndicatorType = "duplicate_submission"
	IndicatorFakeDelay    IndicatorType = "fake_delay"
	IndicatorForgery      IndicatorType = "forgery"
)

// IndicatorTypes lists all known indicator types in weighting order.
func IndicatorTypes() []IndicatorType {
	return []IndicatorType{
		IndicatorGhosting,
		IndicatorFeeInflation,
		IndicatorDuplicate,
		IndicatorFakeDelay,
		IndicatorForgery,
	}
}

// FraudIndicator is a single typed fraud signal produced by exactly one
// detector. Immutable once created; attached to one assessment.
type FraudIndicator struct {
	Type       IndicatorType `json:"type"`
	Confidence float64       `json:"confidence"` // [0,1]
	Details    string        `json:"details"`
}

// DefaultIndicatorWeights returns the per-type fusion weights used by the
// composite scorer. They sum to 1.0; the scorer renormalizes over the
// indicators actually present.
func DefaultIndicatorWeights() map[IndicatorType]float64 {
	return map[IndicatorType]float64{
		IndicatorGhosting:     0.20,
		IndicatorFeeInflation: 0.25,
		IndicatorDuplicate:    0.15,
		IndicatorFakeDelay:    0.15,
		IndicatorForgery:      0.25,
	}
}
