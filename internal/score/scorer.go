// Package score implements the composite fraud scorer. It fuses the
// indicator set for one application into a single assessment with an
// anomaly score, level, recommendation, and factor breakdown.
package score

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/explain"
)

// EngineVersion is stamped into assessment metadata for audit.
const EngineVersion = "harrier-1.0"

// Scorer fuses fraud indicators using fixed per-type weights.
type Scorer struct {
	weights     map[domain.IndicatorType]float64
	mediumScore float64
	highScore   float64
}

// NewScorer creates a scorer from detection configuration.
func NewScorer(cfg domain.DetectionConfig) *Scorer {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = domain.DefaultIndicatorWeights()
	}
	return &Scorer{
		weights:     weights,
		mediumScore: cfg.MediumScore,
		highScore:   cfg.HighScore,
	}
}

// Input carries everything needed to produce one assessment.
type Input struct {
	OfficeID      string
	ApplicationID string
	BrokerID      string
	TraceID       string
	Indicators    []domain.FraudIndicator
	StartTime     time.Time
	DetectMs      int64
	DetectorsRun  int
	CustomRules   int
}

// Assess fuses the indicator set into an assessment.
//
// The anomaly score is the weight-normalized sum over the indicators
// actually present, so a single strong indicator is not diluted by absent
// ones. Zero indicators is a defined outcome: score 0, level low.
func (s *Scorer) Assess(input *Input) *domain.FraudAssessment {
	start := time.Now()

	indicators := dedupeStrongest(input.Indicators)

	var weightedSum, presentWeight float64
	for _, ind := range indicators {
		w := s.weights[ind.Type]
		weightedSum += w * ind.Confidence
		presentWeight += w
	}

	var anomalyScore float64
	if presentWeight > 0 {
		anomalyScore = weightedSum / presentWeight
	}
	anomalyScore = clamp01(anomalyScore)

	level := s.levelFor(anomalyScore)
	rec := recommendationFor(level)

	assessment := &domain.FraudAssessment{
		ID:             uuid.New().String(),
		OfficeID:       input.OfficeID,
		ApplicationID:  input.ApplicationID,
		BrokerID:       input.BrokerID,
		IsFraudulent:   level != domain.FraudLevelLow,
		AnomalyScore:   anomalyScore,
		FraudLevel:     level,
		Indicators:     indicators,
		Recommendation: rec,
		Explanation:    s.explain(indicators, anomalyScore, level, presentWeight),
		Timestamp:      time.Now().UTC(),
	}

	assessment.Metadata = domain.AssessmentMetadata{
		TraceID:        input.TraceID,
		DetectMs:       input.DetectMs,
		ScoreMs:        time.Since(start).Milliseconds(),
		TotalMs:        time.Since(input.StartTime).Milliseconds(),
		DetectorsRun:   input.DetectorsRun,
		CustomRulesRun: input.CustomRules,
		EngineVersion:  EngineVersion,
	}

	return assessment
}

func (s *Scorer) levelFor(score float64) domain.FraudLevel {
	switch {
	case score >= s.highScore:
		return domain.FraudLevelHigh
	case score >= s.mediumScore:
		return domain.FraudLevelMedium
	default:
		return domain.FraudLevelLow
	}
}

// recommendationFor is a pure function of the fraud level.
func recommendationFor(level domain.FraudLevel) domain.Recommendation {
	switch level {
	case domain.FraudLevelHigh:
		return domain.RecommendEscalate
	case domain.FraudLevelMedium:
		return domain.RecommendReview
	default:
		return domain.RecommendApprove
	}
}

// explain lists each present indicator as a factor with its raw
// confidence and normalized contribution, ordered by descending
// contribution.
func (s *Scorer) explain(indicators []domain.FraudIndicator, anomalyScore float64, level domain.FraudLevel, presentWeight float64) domain.Explanation {
	if len(indicators) == 0 {
		return domain.Explanation{
			Factors: []domain.Factor{},
			Summary: "no fraud indicators present",
		}
	}

	factors := make([]domain.Factor, 0, len(indicators))
	for _, ind := range indicators {
		w := s.weights[ind.Type]
		factors = append(factors, domain.Factor{
			Name:         string(ind.Type),
			Score:        ind.Confidence,
			Weight:       w,
			Contribution: (w * ind.Confidence) / presentWeight,
		})
	}

	summary := fmt.Sprintf("anomaly score %.2f (%s)", anomalyScore, level)
	if dom, ok := explain.Dominant(factors); ok {
		summary = fmt.Sprintf("anomaly score %.2f (%s), driven by %s", anomalyScore, level, dom.Name)
	}

	return explain.Build(factors, summary)
}

// dedupeStrongest keeps the highest-confidence indicator per type so a
// built-in detector and a custom rule emitting the same pattern do not
// double-count its weight.
func dedupeStrongest(indicators []domain.FraudIndicator) []domain.FraudIndicator {
	if len(indicators) <= 1 {
		return indicators
	}

	byType := make(map[domain.IndicatorType]domain.FraudIndicator, len(indicators))
	for _, ind := range indicators {
		if prev, ok := byType[ind.Type]; !ok || ind.Confidence > prev.Confidence {
			byType[ind.Type] = ind
		}
	}

	out := make([]domain.FraudIndicator, 0, len(byType))
	for _, t := range domain.IndicatorTypes() {
		if ind, ok := byType[t]; ok {
			out = append(out, ind)
		}
	}
	return out
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
