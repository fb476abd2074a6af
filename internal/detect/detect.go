// Package detect provides the fraud-pattern detectors.
//
// Each detector is a pure function from one observation to at most one
// typed indicator. A detector whose required inputs are absent skips
// silently; detectors never fail an assessment.
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/rto-platform/harrier/internal/domain"
)

// ForgerySignal is the result supplied by the external document
// verification collaborator. The forgery detector is a thin adapter over
// it and does no image analysis itself.
type ForgerySignal struct {
	IsForged   bool     `json:"isForged"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}

// Observation is the raw per-application input to the detectors. Optional
// signals are pointers; a nil pointer means the collaborator that supplies
// it was unavailable or the field simply does not apply.
type Observation struct {
	ApplicationID string
	BrokerID      string

	// OTP lifecycle (ghosting)
	OTPIssuedAt *time.Time
	OTPClosedAt *time.Time
	Now         time.Time

	// Fees (fee inflation); ExpectedFee comes from the fee estimator
	ActualFee   *float64
	ExpectedFee *float64

	// Task durations in days (fake delay)
	ActualDuration   *float64
	ExpectedDuration *float64

	// Similarity against prior submissions, from the external comparator
	Similarity *float64

	// Document verification result
	Forgery *ForgerySignal

	// Broker's historical average task duration in days, if known
	BrokerAvgDuration *float64
}

// OTPElapsedHours returns the hours between OTP issue and close, or
// between issue and now when the OTP never closed. Zero when no OTP was
// issued.
func (o *Observation) OTPElapsedHours() float64 {
	if o.OTPIssuedAt == nil {
		return 0
	}
	end := o.Now
	if o.OTPClosedAt != nil {
		end = *o.OTPClosedAt
	}
	return end.Sub(*o.OTPIssuedAt).Hours()
}

// Detector turns an observation into zero or one fraud indicator.
type Detector interface {
	Type() domain.IndicatorType
	Detect(obs *Observation) (*domain.FraudIndicator, bool)
}

// Set runs a fixed collection of detectors in order.
type Set struct {
	detectors []Detector
}

// NewSet creates the built-in detector set from configuration.
func NewSet(cfg domain.DetectionConfig) *Set {
	return &Set{
		detectors: []Detector{
			&GhostingDetector{ThresholdHours: cfg.GhostingHours, SaturationHours: cfg.GhostingSaturation},
			&FeeInflationDetector{Threshold: cfg.FeeInflationRatio, Divisor: cfg.FeeInflationDivisor},
			&DuplicateDetector{Threshold: cfg.DuplicateSimilarity},
			&FakeDelayDetector{Threshold: cfg.DelayRatio, Divisor: cfg.DelayDivisor},
			&ForgeryDetector{Threshold: cfg.ForgeryConfidence},
		},
	}
}

// Run executes every detector against the observation and returns the
// indicators that fired.
func (s *Set) Run(obs *Observation) []domain.FraudIndicator {
	indicators := make([]domain.FraudIndicator, 0, len(s.detectors))
	for _, d := range s.detectors {
		if ind, ok := d.Detect(obs); ok {
			indicators = append(indicators, *ind)
		}
	}
	return indicators
}

// Len returns the number of built-in detectors.
func (s *Set) Len() int {
	return len(s.detectors)
}

// GhostingDetector flags brokers that leave an OTP open far beyond the
// normal confirmation window.
type GhostingDetector struct {
	ThresholdHours  float64 // gap that triggers the indicator
	SaturationHours float64 // gap at which confidence saturates at 1
}

func (d *GhostingDetector) Type() domain.IndicatorType { return domain.IndicatorGhosting }

func (d *GhostingDetector) Detect(obs *Observation) (*domain.FraudIndicator, bool) {
	if obs.OTPIssuedAt == nil {
		return nil, false
	}

	gap := obs.OTPElapsedHours()
	if gap < d.ThresholdHours {
		return nil, false
	}

	detail := fmt.Sprintf("OTP open for %.1fh without confirmation", gap)
	if obs.OTPClosedAt != nil {
		detail = fmt.Sprintf("OTP confirmed %.1fh after issue", gap)
	}

	return &domain.FraudIndicator{
		Type:       domain.IndicatorGhosting,
		Confidence: clamp01(gap / d.SaturationHours),
		Details:    detail,
	}, true
}

// FeeInflationDetector flags fees charged well above the estimator's
// expected fee.
type FeeInflationDetector struct {
	Threshold float64 // relative deviation that triggers the indicator
	Divisor   float64 // deviation at which confidence saturates at 1
}

func (d *FeeInflationDetector) Type() domain.IndicatorType { return domain.IndicatorFeeInflation }

func (d *FeeInflationDetector) Detect(obs *Observation) (*domain.FraudIndicator, bool) {
	if obs.ActualFee == nil || obs.ExpectedFee == nil || *obs.ExpectedFee <= 0 {
		return nil, false
	}

	deviation := (*obs.ActualFee - *obs.ExpectedFee) / *obs.ExpectedFee
	if deviation < d.Threshold {
		return nil, false
	}

	return &domain.FraudIndicator{
		Type:       domain.IndicatorFeeInflation,
		Confidence: clamp01(deviation / d.Divisor),
		Details:    fmt.Sprintf("fee %.1f%% above expected %.2f", deviation*100, *obs.ExpectedFee),
	}, true
}

// DuplicateDetector passes through the external comparator's similarity
// score when it crosses the duplicate threshold.
type DuplicateDetector struct {
	Threshold float64
}

func (d *DuplicateDetector) Type() domain.IndicatorType { return domain.IndicatorDuplicate }

func (d *DuplicateDetector) Detect(obs *Observation) (*domain.FraudIndicator, bool) {
	if obs.Similarity == nil {
		return nil, false
	}

	sim := clamp01(*obs.Similarity)
	if sim < d.Threshold {
		return nil, false
	}

	return &domain.FraudIndicator{
		Type:       domain.IndicatorDuplicate,
		Confidence: sim,
		Details:    fmt.Sprintf("%.0f%% similar to a prior submission", sim*100),
	}, true
}

// FakeDelayDetector flags tasks that took far longer than their expected
// duration.
type FakeDelayDetector struct {
	Threshold float64 // actual/expected ratio that triggers the indicator
	Divisor   float64 // (ratio-1) at which confidence saturates at 1
}

func (d *FakeDelayDetector) Type() domain.IndicatorType { return domain.IndicatorFakeDelay }

func (d *FakeDelayDetector) Detect(obs *Observation) (*domain.FraudIndicator, bool) {
	if obs.ActualDuration == nil || obs.ExpectedDuration == nil || *obs.ExpectedDuration <= 0 {
		return nil, false
	}

	ratio := *obs.ActualDuration / *obs.ExpectedDuration
	if ratio < d.Threshold {
		return nil, false
	}

	detail := fmt.Sprintf("task took %.1fx expected time", ratio)
	if obs.BrokerAvgDuration != nil && *obs.BrokerAvgDuration > 0 {
		brokerRatio := *obs.ActualDuration / *obs.BrokerAvgDuration
		if brokerRatio > d.Threshold {
			detail += fmt.Sprintf(", %.1fx this broker's average", brokerRatio)
		}
	}

	return &domain.FraudIndicator{
		Type:       domain.IndicatorFakeDelay,
		Confidence: clamp01((ratio - 1) / d.Divisor),
		Details:    detail,
	}, true
}

// ForgeryDetector adapts the document verification collaborator's
// confidence into an indicator when it crosses the suspicious threshold.
type ForgeryDetector struct {
	Threshold float64
}

func (d *ForgeryDetector) Type() domain.IndicatorType { return domain.IndicatorForgery }

func (d *ForgeryDetector) Detect(obs *Observation) (*domain.FraudIndicator, bool) {
	if obs.Forgery == nil {
		return nil, false
	}

	conf := clamp01(obs.Forgery.Confidence)
	if conf < d.Threshold {
		return nil, false
	}

	detail := "document flagged by verification"
	if len(obs.Forgery.Issues) > 0 {
		detail = "document flagged: " + strings.Join(obs.Forgery.Issues, "; ")
	}

	return &domain.FraudIndicator{
		Type:       domain.IndicatorForgery,
		Confidence: conf,
		Details:    detail,
	}, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
