package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rto-platform/harrier/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier_test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo.(*SQLRepository)
}

func sampleAssessment(id, officeID, brokerID string) *domain.FraudAssessment {
	return &domain.FraudAssessment{
		ID:            id,
		OfficeID:      officeID,
		ApplicationID: "app-1",
		BrokerID:      brokerID,
		IsFraudulent:  true,
		AnomalyScore:  0.75,
		FraudLevel:    domain.FraudLevelHigh,
		Indicators: []domain.FraudIndicator{
			{Type: domain.IndicatorGhosting, Confidence: 0.8, Details: "OTP open for 72.0h without confirmation"},
		},
		Recommendation: domain.RecommendEscalate,
		Action:         domain.RecommendEscalate,
		Explanation: domain.Explanation{
			Factors: []domain.Factor{{Name: "ghosting", Score: 0.8, Weight: 0.2, Contribution: 0.8}},
			Summary: "anomaly score 0.75 (high)",
		},
		Timestamp: time.Now().UTC(),
		Metadata:  domain.AssessmentMetadata{EngineVersion: "harrier-1.0"},
	}
}

func TestRepository_AssessmentRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	saved := sampleAssessment("assess-1", "office-1", "broker-1")
	if err := repo.SaveAssessment(ctx, "office-1", saved); err != nil {
		t.Fatalf("SaveAssessment failed: %v", err)
	}

	got, err := repo.GetAssessment(ctx, "office-1", "assess-1")
	if err != nil {
		t.Fatalf("GetAssessment failed: %v", err)
	}

	if got.ID != saved.ID || got.ApplicationID != saved.ApplicationID || got.BrokerID != saved.BrokerID {
		t.Error("Identity fields did not round-trip")
	}
	if !got.IsFraudulent || got.FraudLevel != domain.FraudLevelHigh {
		t.Error("Verdict fields did not round-trip")
	}
	if got.AnomalyScore != 0.75 {
		t.Errorf("Expected anomaly score 0.75, got %v", got.AnomalyScore)
	}
	if len(got.Indicators) != 1 || got.Indicators[0].Type != domain.IndicatorGhosting {
		t.Error("Indicators did not round-trip")
	}
	if got.Explanation.Summary != saved.Explanation.Summary {
		t.Error("Explanation did not round-trip")
	}
	if got.Metadata.EngineVersion != "harrier-1.0" {
		t.Error("Metadata did not round-trip")
	}
}

func TestRepository_GetAssessmentNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetAssessment(context.Background(), "office-1", "no-such-id")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRepository_OfficeIsolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveAssessment(ctx, "office-a", sampleAssessment("assess-1", "office-a", "broker-1")); err != nil {
		t.Fatalf("SaveAssessment failed: %v", err)
	}

	// The other office cannot see it.
	if _, err := repo.GetAssessment(ctx, "office-b", "assess-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound across offices, got %v", err)
	}

	list, err := repo.ListAssessmentsByBroker(ctx, "office-b", "broker-1", time.Time{})
	if err != nil {
		t.Fatalf("ListAssessmentsByBroker failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected no assessments for office-b, got %d", len(list))
	}
}

func TestRepository_EmptyOfficeRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveAssessment(ctx, "", sampleAssessment("assess-1", "", "broker-1")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty office, got %v", err)
	}
	if _, err := repo.GetBrokerRating(ctx, "", "broker-1"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty office, got %v", err)
	}
}

func TestRepository_ListAssessmentsOrdering(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		a := sampleAssessment("assess-"+string(rune('a'+i)), "office-1", "broker-1")
		a.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := repo.SaveAssessment(ctx, "office-1", a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}

	list, err := repo.ListAssessmentsByBroker(ctx, "office-1", "broker-1", time.Time{})
	if err != nil {
		t.Fatalf("ListAssessmentsByBroker failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 assessments, got %d", len(list))
	}

	// Newest first.
	for i := 1; i < len(list); i++ {
		if list[i].Timestamp.After(list[i-1].Timestamp) {
			t.Error("Assessments should be ordered newest first")
		}
	}

	// Window filter.
	list, err = repo.ListAssessmentsByBroker(ctx, "office-1", "broker-1", base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("ListAssessmentsByBroker failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 assessment inside window, got %d", len(list))
	}
}

func newRatingState(brokerID, officeID string, overall float64, version int64) *domain.BrokerRatingState {
	return &domain.BrokerRatingState{
		BrokerID: brokerID,
		OfficeID: officeID,
		Dimensions: map[domain.RatingDimension]float64{
			domain.DimensionOverall:       overall,
			domain.DimensionPunctuality:   overall,
			domain.DimensionQuality:       overall,
			domain.DimensionCompliance:    overall,
			domain.DimensionCommunication: overall,
		},
		Category:      domain.CategoryFor(overall),
		Version:       version,
		LastUpdatedAt: time.Now().UTC(),
	}
}

func TestRepository_RatingCompareAndSwap(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	state := newRatingState("broker-1", "office-1", 3.0, 0)
	if err := repo.CreateBrokerRating(ctx, "office-1", state); err != nil {
		t.Fatalf("CreateBrokerRating failed: %v", err)
	}

	// Creating the same row again signals a lost race, not a duplicate.
	if err := repo.CreateBrokerRating(ctx, "office-1", state); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict on duplicate create, got %v", err)
	}

	// Update with the correct expected version succeeds.
	next := newRatingState("broker-1", "office-1", 3.2, 1)
	if err := repo.UpdateBrokerRating(ctx, "office-1", next, 0); err != nil {
		t.Fatalf("UpdateBrokerRating failed: %v", err)
	}

	// A second writer still holding version 0 conflicts.
	stale := newRatingState("broker-1", "office-1", 2.8, 1)
	if err := repo.UpdateBrokerRating(ctx, "office-1", stale, 0); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict for stale version, got %v", err)
	}

	// The stale write left no trace.
	got, err := repo.GetBrokerRating(ctx, "office-1", "broker-1")
	if err != nil {
		t.Fatalf("GetBrokerRating failed: %v", err)
	}
	if got.Overall() != 3.2 || got.Version != 1 {
		t.Errorf("Expected overall 3.2 at version 1, got %v at %d", got.Overall(), got.Version)
	}
	if got.Category != domain.CategoryBronze {
		t.Errorf("Expected Bronze, got %s", got.Category)
	}
}

func TestRepository_RatingNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetBrokerRating(context.Background(), "office-1", "unknown")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRepository_RatingEventLog(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		ev := &domain.RatingUpdateEvent{
			ID:       "event-" + string(rune('0'+i)),
			BrokerID: "broker-1",
			OfficeID: "office-1",
			Inputs: domain.RatingInputs{
				ActualTime:   float64(i),
				ExpectedTime: 10,
			},
			Reward:     0.1 * float64(i),
			Alpha:      0.15,
			NewOverall: 3.0 + 0.01*float64(i),
			Version:    int64(i),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.AppendRatingEvent(ctx, "office-1", ev); err != nil {
			t.Fatalf("AppendRatingEvent failed: %v", err)
		}
	}

	latest, err := repo.LatestRatingEvent(ctx, "office-1", "broker-1")
	if err != nil {
		t.Fatalf("LatestRatingEvent failed: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("Expected latest version 3, got %d", latest.Version)
	}
	if latest.Inputs.ActualTime != 3 {
		t.Errorf("Inputs did not round-trip, got %v", latest.Inputs.ActualTime)
	}

	events, err := repo.ListRatingEvents(ctx, "office-1", "broker-1", time.Time{})
	if err != nil {
		t.Fatalf("ListRatingEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	// Oldest first so trend fitting sees chronological order.
	for i, ev := range events {
		if ev.Version != int64(i+1) {
			t.Errorf("Position %d: expected version %d, got %d", i, i+1, ev.Version)
		}
	}

	// No events for an unknown broker.
	if _, err := repo.LatestRatingEvent(ctx, "office-1", "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRepository_DetectorRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.DetectorRule{
		ID:          "fee-spike-001",
		Name:        "Fee Spike",
		Description: "Flags fees more than double the estimate",
		Indicator:   domain.IndicatorFeeInflation,
		Expression:  `expected_fee > 0.0 && actual_fee > expected_fee * 2.0`,
		Threshold:   0.5,
		Enabled:     true,
	}

	if err := repo.SaveDetectorRule(ctx, "office-1", rule); err != nil {
		t.Fatalf("SaveDetectorRule failed: %v", err)
	}

	got, err := repo.GetDetectorRule(ctx, "office-1", "fee-spike-001")
	if err != nil {
		t.Fatalf("GetDetectorRule failed: %v", err)
	}
	if got.Name != rule.Name || got.Expression != rule.Expression || !got.Enabled {
		t.Error("Rule did not round-trip")
	}
	if got.Indicator != domain.IndicatorFeeInflation {
		t.Errorf("Expected fee_inflation indicator, got %s", got.Indicator)
	}

	// Upsert: save again with changes.
	rule.Threshold = 0.7
	rule.Enabled = false
	if err := repo.SaveDetectorRule(ctx, "office-1", rule); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, _ = repo.GetDetectorRule(ctx, "office-1", "fee-spike-001")
	if got.Threshold != 0.7 || got.Enabled {
		t.Error("Upsert did not apply changes")
	}

	// Listing includes disabled rules; the rule engine filters.
	rules, err := repo.ListDetectorRules(ctx, "office-1")
	if err != nil {
		t.Fatalf("ListDetectorRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(rules))
	}

	// Same rule ID in another office is a distinct row.
	if err := repo.SaveDetectorRule(ctx, "office-2", rule); err != nil {
		t.Fatalf("SaveDetectorRule in office-2 failed: %v", err)
	}
	if err := repo.DeleteDetectorRule(ctx, "office-1", "fee-spike-001"); err != nil {
		t.Fatalf("DeleteDetectorRule failed: %v", err)
	}
	if _, err := repo.GetDetectorRule(ctx, "office-1", "fee-spike-001"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if _, err := repo.GetDetectorRule(ctx, "office-2", "fee-spike-001"); err != nil {
		t.Errorf("office-2 copy should survive, got %v", err)
	}

	// Deleting a missing rule reports not found.
	if err := repo.DeleteDetectorRule(ctx, "office-1", "fee-spike-001"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRepository_Ping(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
