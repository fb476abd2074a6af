package domain

import "time"

// DetectorRule is an operator-defined detector expressed as a CEL
// expression over the observation variables. The expression returns a
// confidence in [0,1]; a result at or above Threshold emits a
// FraudIndicator of the configured type alongside the built-in detectors.
type DetectorRule struct {
	ID          string        `json:"id"`
	OfficeID    string        `json:"officeId"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Indicator   IndicatorType `json:"indicator"`

	// CEL expression over observation variables
	// (actual_fee, expected_fee, actual_duration, expected_duration,
	// similarity, forgery_confidence, otp_elapsed_hours, broker_avg_duration).
	Expression string `json:"expression"`

	// Threshold is the minimum confidence that emits an indicator.
	Threshold float64 `json:"threshold"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
