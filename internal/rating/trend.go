package rating

import (
	"context"
	"time"
)

// TrendDirection classifies the slope of a broker's recent rating history.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// slopeEpsilon separates a real trend from noise, in rating points per
// update.
const slopeEpsilon = 0.05

// Trend summarizes a broker's rating trajectory over a window.
type Trend struct {
	BrokerID  string         `json:"brokerId"`
	OfficeID  string         `json:"officeId"`
	Direction TrendDirection `json:"direction"`
	Slope     float64        `json:"slope"`
	Samples   int            `json:"samples"`
	First     float64        `json:"first,omitempty"`
	Last      float64        `json:"last,omitempty"`
	WindowDays int           `json:"windowDays"`
}

// Trend fits a least-squares line through the broker's overall rating
// after each update in the window and classifies its slope. Fewer than
// two samples is always stable.
func (e *Engine) Trend(ctx context.Context, officeID, brokerID string, windowDays int) (*Trend, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	events, err := e.repo.ListRatingEvents(ctx, officeID, brokerID, since)
	if err != nil {
		return nil, err
	}

	t := &Trend{
		BrokerID:   brokerID,
		OfficeID:   officeID,
		Direction:  TrendStable,
		Samples:    len(events),
		WindowDays: windowDays,
	}
	if len(events) < 2 {
		if len(events) == 1 {
			t.First = events[0].NewOverall
			t.Last = events[0].NewOverall
		}
		return t, nil
	}

	values := make([]float64, len(events))
	for i, ev := range events {
		values[i] = ev.NewOverall
	}

	t.First = values[0]
	t.Last = values[len(values)-1]
	t.Slope = leastSquaresSlope(values)

	switch {
	case t.Slope > slopeEpsilon:
		t.Direction = TrendImproving
	case t.Slope < -slopeEpsilon:
		t.Direction = TrendDeclining
	}
	return t, nil
}

// leastSquaresSlope fits y = a + b*x over x = 0..n-1 and returns b.
func leastSquaresSlope(values []float64) float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
