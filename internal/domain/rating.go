package domain

import (
	"time"
)

// RatingDimension names one axis of a broker's reputation.
type RatingDimension string

const (
	DimensionOverall       RatingDimension = "overall"
	DimensionPunctuality   RatingDimension = "punctuality"
	DimensionQuality       RatingDimension = "quality"
	DimensionCompliance    RatingDimension = "compliance"
	DimensionCommunication RatingDimension = "communication"
)

// Category is the trust tier derived from the overall rating.
type Category string

const (
	CategoryBronze Category = "Bronze"
	CategorySilver Category = "Silver"
	CategoryGold   Category = "Gold"
)

// CategoryFor maps an overall rating to its trust tier.
// Pure function of the overall dimension.
func CategoryFor(overall float64) Category {
	switch {
	case overall >= 4.5:
		return CategoryGold
	case overall >= 3.5:
		return CategorySilver
	default:
		return CategoryBronze
	}
}

// BrokerRatingState is the single evolving reputation record for a broker.
// Owned exclusively by the rating engine; every mutation goes through a
// compare-and-swap on Version so concurrent updates cannot silently merge.
type BrokerRatingState struct {
	BrokerID      string                      `json:"brokerId"`
	OfficeID      string                      `json:"officeId"`
	Dimensions    map[RatingDimension]float64 `json:"dimensions"` // each in [1,5]
	Category      Category                    `json:"category"`
	Version       int64                       `json:"version"`
	LastUpdatedAt time.Time                   `json:"lastUpdatedAt"`
}

// Overall returns the overall dimension value.
func (s *BrokerRatingState) Overall() float64 {
	return s.Dimensions[DimensionOverall]
}

// Clone returns a deep copy so an update never aliases the stored state.
func (s *BrokerRatingState) Clone() *BrokerRatingState {
	dims := make(map[RatingDimension]float64, len(s.Dimensions))
	for k, v := range s.Dimensions {
		dims[k] = v
	}
	out := *s
	out.Dimensions = dims
	return &out
}

// RatingInputs are the operational metrics for one completed task.
// Out-of-range values are clamped before use, never rejected.
type RatingInputs struct {
	ActualTime     float64 `json:"actualTime"`   // days
	ExpectedTime   float64 `json:"expectedTime"` // days
	CompletedTasks int     `json:"completedTasks"`
	TotalTasks     int     `json:"totalTasks"`
	SentimentScore float64 `json:"sentimentScore"` // [-1,1]
	AnomalyScore   float64 `json:"anomalyScore"`   // [0,1]
	FraudScore     float64 `json:"fraudScore"`     // [0,1]
	DaysAgo        float64 `json:"daysAgo"`
}

// RatingUpdateEvent is one append-only log entry per rating update. The
// event log is sufficient to reconstruct any historical rating trend
// without recomputation.
type RatingUpdateEvent struct {
	ID         string       `json:"id"`
	BrokerID   string       `json:"brokerId"`
	OfficeID   string       `json:"officeId"`
	Inputs     RatingInputs `json:"inputs"`
	Reward     float64      `json:"reward"`     // decayed, [-1,1]
	Alpha      float64      `json:"alpha"`      // learning rate applied
	NewOverall float64      `json:"newOverall"` // [1,5]
	Version    int64        `json:"version"`    // state version after this event
	CreatedAt  time.Time    `json:"createdAt"`
}
