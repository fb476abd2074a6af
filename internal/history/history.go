// Package history aggregates a broker's recent activity for the
// detection pipeline.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/rto-platform/harrier/internal/domain"
)

// Service computes per-broker history aggregates from the assessment
// and rating event logs.
type Service struct {
	repo domain.Repository
}

// NewService creates a history service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// AvgProcessingDays returns the broker's average actual processing time
// over recent rating events. Returns ok=false when the broker has no
// usable history, in which case the fake-delay detector falls back to
// the submitted expected duration alone.
func (s *Service) AvgProcessingDays(ctx context.Context, officeID, brokerID string, window time.Duration) (float64, bool, error) {
	if officeID == "" || brokerID == "" {
		return 0, false, fmt.Errorf("officeID and brokerID are required")
	}

	since := time.Now().UTC().Add(-window)
	events, err := s.repo.ListRatingEvents(ctx, officeID, brokerID, since)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list rating events: %w", err)
	}

	var sum float64
	var n int
	for _, ev := range events {
		if ev.Inputs.ActualTime > 0 {
			sum += ev.Inputs.ActualTime
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// AssessmentCount returns how many assessments exist for a broker in a
// window. Used by the handler to report recent alert volume.
func (s *Service) AssessmentCount(ctx context.Context, officeID, brokerID string, window time.Duration) (int64, error) {
	if officeID == "" || brokerID == "" {
		return 0, fmt.Errorf("officeID and brokerID are required")
	}

	since := time.Now().UTC().Add(-window)
	assessments, err := s.repo.ListAssessmentsByBroker(ctx, officeID, brokerID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list assessments: %w", err)
	}
	return int64(len(assessments)), nil
}

// Summary is the broker activity digest returned by the API.
type Summary struct {
	BrokerID        string  `json:"brokerId"`
	OfficeID        string  `json:"officeId"`
	Assessments     int     `json:"assessments"`
	Flagged         int     `json:"flagged"`
	AvgAnomalyScore float64 `json:"avgAnomalyScore"`
	AvgActualDays   float64 `json:"avgActualDays,omitempty"`
	WindowDays      int     `json:"windowDays"`
}

// Summarize aggregates a broker's assessments and processing times over
// the last windowDays days.
func (s *Service) Summarize(ctx context.Context, officeID, brokerID string, windowDays int) (*Summary, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	since := time.Now().UTC().Add(-window)

	assessments, err := s.repo.ListAssessmentsByBroker(ctx, officeID, brokerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}

	out := &Summary{
		BrokerID:   brokerID,
		OfficeID:   officeID,
		WindowDays: windowDays,
	}

	var scoreSum float64
	for _, a := range assessments {
		out.Assessments++
		scoreSum += a.AnomalyScore
		if a.IsFraudulent {
			out.Flagged++
		}
	}
	if out.Assessments > 0 {
		out.AvgAnomalyScore = scoreSum / float64(out.Assessments)
	}

	if avg, ok, err := s.AvgProcessingDays(ctx, officeID, brokerID, window); err == nil && ok {
		out.AvgActualDays = avg
	}

	return out, nil
}
