package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rto-platform/harrier/internal/bus"
	"github.com/rto-platform/harrier/internal/cache"
	"github.com/rto-platform/harrier/internal/detect"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/history"
	"github.com/rto-platform/harrier/internal/rating"
	"github.com/rto-platform/harrier/internal/repository"
	"github.com/rto-platform/harrier/internal/score"
)

type testServer struct {
	srv  *Server
	repo domain.Repository
	bus  *bus.ChannelBus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cacheImpl := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.DefaultConfig()
	detectors := detect.NewSet(cfg.Detection)
	ruleEngine, err := detect.NewRuleEngine()
	if err != nil {
		t.Fatalf("Failed to create rule engine: %v", err)
	}
	scorer := score.NewScorer(cfg.Detection)
	ratingEngine := rating.NewEngine(cfg.Rating, repo, cacheImpl)
	historySvc := history.NewService(repo)

	srv := NewServer(cfg.Server, repo, cacheImpl, eventBus, detectors, ruleEngine, scorer, ratingEngine, historySvc, "test")
	return &testServer{srv: srv, repo: repo, bus: eventBus}
}

func (ts *testServer) do(t *testing.T, method, path, officeID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if officeID != "" {
		req.Header.Set(OfficeIDHeader, officeID)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAPI_OfficeHeaderRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/assessments", "", map[string]string{"applicationId": "app-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without office header, got %d", rec.Code)
	}

	// Health does not need an office.
	rec = ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", rec.Code)
	}
}

func TestAPI_AssessCleanApplication(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId": "app-1",
		"brokerId":      "broker-1",
		"actualFee":     100.0,
		"expectedFee":   100.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.AssessmentResponse
	decodeBody(t, rec, &resp)

	if resp.IsFraudulent {
		t.Error("Clean application should not be fraudulent")
	}
	if resp.FraudLevel != domain.FraudLevelLow {
		t.Errorf("Expected low level, got %s", resp.FraudLevel)
	}
	if resp.Action != domain.RecommendApprove {
		t.Errorf("Expected approve action, got %s", resp.Action)
	}
	if resp.AssessmentID == "" {
		t.Error("Expected assessment ID")
	}

	// The assessment is retrievable.
	rec = ts.do(t, http.MethodGet, "/assessments/"+resp.AssessmentID, "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 fetching saved assessment, got %d", rec.Code)
	}

	// But not from another office.
	rec = ts.do(t, http.MethodGet, "/assessments/"+resp.AssessmentID, "office-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 across offices, got %d", rec.Code)
	}
}

func TestAPI_AssessSuspiciousApplication(t *testing.T) {
	ts := newTestServer(t)

	otpIssued := time.Now().UTC().Add(-72 * time.Hour)
	rec := ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId": "app-2",
		"brokerId":      "broker-2",
		"otpIssuedAt":   otpIssued,
		"actualFee":     250.0,
		"expectedFee":   100.0,
		"similarity":    0.95,
		"forgery":       map[string]interface{}{"isForged": true, "confidence": 0.9},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.AssessmentResponse
	decodeBody(t, rec, &resp)

	if !resp.IsFraudulent {
		t.Error("Expected fraudulent verdict")
	}
	if resp.FraudLevel != domain.FraudLevelHigh {
		t.Errorf("Expected high level, got %s", resp.FraudLevel)
	}
	if resp.Action != domain.RecommendEscalate {
		t.Errorf("Expected escalate, got %s", resp.Action)
	}
	if len(resp.Indicators) < 3 {
		t.Errorf("Expected at least 3 indicators, got %d", len(resp.Indicators))
	}
	if resp.Metadata.AlertsLast24h != 1 {
		t.Errorf("Expected first alert counted, got %d", resp.Metadata.AlertsLast24h)
	}
}

func TestAPI_AssessValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]string{"brokerId": "broker-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing applicationId, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/assessments", bytes.NewReader([]byte("{broken")))
	req.Header.Set(OfficeIDHeader, "office-1")
	rec2 := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", rec2.Code)
	}
}

func TestAPI_BronzeBrokerReviewEscalates(t *testing.T) {
	ts := newTestServer(t)

	// A medium-level assessment for an unrated (Bronze) broker escalates.
	rec := ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId":    "app-3",
		"brokerId":         "broker-3",
		"actualDuration":   16.0,
		"expectedDuration": 10.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.AssessmentResponse
	decodeBody(t, rec, &resp)

	if resp.Recommendation != domain.RecommendReview {
		t.Fatalf("Expected review recommendation, got %s (score %v)", resp.Recommendation, resp.AnomalyScore)
	}
	if resp.Action != domain.RecommendEscalate {
		t.Errorf("Expected Bronze broker promotion to escalate, got %s", resp.Action)
	}
	if !resp.Metadata.CategoryPromoted {
		t.Error("Expected categoryPromoted flag")
	}
	if resp.Metadata.BrokerCategory != string(domain.CategoryBronze) {
		t.Errorf("Expected Bronze category in metadata, got %s", resp.Metadata.BrokerCategory)
	}
}

func TestAPI_RatingLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// Unknown broker returns the initial state, not 404.
	rec := ts.do(t, http.MethodGet, "/brokers/broker-1/rating", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var state domain.BrokerRatingState
	decodeBody(t, rec, &state)
	if state.Overall() != 3.0 || state.Version != 0 {
		t.Errorf("Expected initial state 3.0/v0, got %v/v%d", state.Overall(), state.Version)
	}

	// Apply an update.
	rec = ts.do(t, http.MethodPost, "/brokers/broker-1/rating/update", "office-1", domain.RatingInputs{
		ActualTime:     8,
		ExpectedTime:   10,
		CompletedTasks: 10,
		TotalTasks:     10,
		SentimentScore: 1.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var updateResp struct {
		State *domain.BrokerRatingState `json:"state"`
		Event *domain.RatingUpdateEvent `json:"event"`
	}
	decodeBody(t, rec, &updateResp)
	if updateResp.State.Version != 1 {
		t.Errorf("Expected version 1, got %d", updateResp.State.Version)
	}
	if updateResp.State.Overall() <= 3.0 {
		t.Errorf("Expected rating above 3.0, got %v", updateResp.State.Overall())
	}
	if updateResp.Event == nil || updateResp.Event.Reward <= 0 {
		t.Error("Expected positive reward event")
	}

	// Explanation reflects the update.
	rec = ts.do(t, http.MethodGet, "/brokers/broker-1/rating/explanation", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var exp domain.Explanation
	decodeBody(t, rec, &exp)
	if len(exp.Factors) != 5 {
		t.Errorf("Expected 5 factors, got %d", len(exp.Factors))
	}

	// Trend with one sample is stable.
	rec = ts.do(t, http.MethodGet, "/brokers/broker-1/rating/trend", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var trend rating.Trend
	decodeBody(t, rec, &trend)
	if trend.Direction != rating.TrendStable || trend.Samples != 1 {
		t.Errorf("Expected stable/1 sample, got %s/%d", trend.Direction, trend.Samples)
	}
}

func TestAPI_RatingExplanationForFreshBroker(t *testing.T) {
	ts := newTestServer(t)

	// A never-rated broker gets a synthetic breakdown over the initial
	// dimensions, mirroring GET /brokers/{id}/rating.
	rec := ts.do(t, http.MethodGet, "/brokers/fresh-broker/rating/explanation", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for broker without history, got %d: %s", rec.Code, rec.Body.String())
	}

	var exp domain.Explanation
	decodeBody(t, rec, &exp)
	if len(exp.Factors) != 5 {
		t.Fatalf("Expected 5 dimension factors, got %d", len(exp.Factors))
	}
	for _, f := range exp.Factors {
		if f.Score != 3.0 {
			t.Errorf("Expected initial 3.0 for factor %s, got %v", f.Name, f.Score)
		}
	}
	if exp.Summary == "" {
		t.Error("Expected a summary sentence")
	}
}

func TestAPI_RuleManagement(t *testing.T) {
	ts := newTestServer(t)

	// Create a rule.
	rec := ts.do(t, http.MethodPost, "/rules", "office-1", CreateRuleRequest{
		ID:         "fee-double",
		Name:       "Fee Double",
		Indicator:  domain.IndicatorFeeInflation,
		Expression: `expected_fee > 0.0 && actual_fee > expected_fee * 2.0`,
		Threshold:  0.5,
		Enabled:    true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Invalid CEL is rejected.
	rec = ts.do(t, http.MethodPost, "/rules", "office-1", CreateRuleRequest{
		ID:         "broken",
		Name:       "Broken",
		Indicator:  domain.IndicatorGhosting,
		Expression: `((`,
		Threshold:  0.5,
		Enabled:    true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid expression, got %d", rec.Code)
	}

	// Unknown indicator type is rejected.
	rec = ts.do(t, http.MethodPost, "/rules", "office-1", CreateRuleRequest{
		ID:         "odd",
		Name:       "Odd",
		Indicator:  "made_up",
		Expression: `true`,
		Threshold:  0.5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown indicator, got %d", rec.Code)
	}

	// Listed and fetchable.
	rec = ts.do(t, http.MethodGet, "/rules", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &listResp)
	if listResp.Count != 1 {
		t.Errorf("Expected 1 loaded rule, got %d", listResp.Count)
	}

	rec = ts.do(t, http.MethodGet, "/rules/fee-double", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 fetching rule, got %d", rec.Code)
	}

	// The rule now fires on assessments.
	rec = ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId": "app-r",
		"brokerId":      "broker-r",
		"actualFee":     210.0,
		"expectedFee":   100.0,
	})
	var resp domain.AssessmentResponse
	decodeBody(t, rec, &resp)
	found := false
	for _, ind := range resp.Indicators {
		if ind.Type == domain.IndicatorFeeInflation {
			found = true
		}
	}
	if !found {
		t.Error("Expected fee_inflation indicator from custom rule")
	}

	// Delete removes it from the engine.
	rec = ts.do(t, http.MethodDelete, "/rules/fee-double", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 deleting rule, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/rules/fee-double", "office-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}
}

func TestAPI_RulesReload(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// Seed a rule directly in the database, then reload.
	err := ts.repo.SaveDetectorRule(ctx, "office-1", &domain.DetectorRule{
		ID:         "seeded",
		OfficeID:   "office-1",
		Name:       "Seeded",
		Indicator:  domain.IndicatorDuplicate,
		Expression: `similarity`,
		Threshold:  0.8,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("SaveDetectorRule failed: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/rules/reload", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var reloadResp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &reloadResp)
	if reloadResp.Count != 1 {
		t.Errorf("Expected 1 reloaded rule, got %d", reloadResp.Count)
	}
}

func TestAPI_RulesAreOfficeScoped(t *testing.T) {
	ts := newTestServer(t)

	// Office 1 creates a rule no built-in detector overlaps with.
	rec := ts.do(t, http.MethodPost, "/rules", "office-1", CreateRuleRequest{
		ID:         "low-sim",
		Name:       "Low Similarity",
		Indicator:  domain.IndicatorGhosting,
		Expression: `similarity > 0.5`,
		Threshold:  0.5,
		Enabled:    true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	assess := func(officeID string) domain.AssessmentResponse {
		rec := ts.do(t, http.MethodPost, "/assessments", officeID, map[string]interface{}{
			"applicationId": "app-scope",
			"brokerId":      "broker-scope",
			"similarity":    0.6,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp domain.AssessmentResponse
		decodeBody(t, rec, &resp)
		return resp
	}

	// The rule fires for its own office only.
	if resp := assess("office-1"); len(resp.Indicators) != 1 {
		t.Errorf("Expected office-1 rule to fire, got %d indicators", len(resp.Indicators))
	}
	if resp := assess("office-2"); len(resp.Indicators) != 0 {
		t.Errorf("Expected no indicators for office-2, got %d", len(resp.Indicators))
	}

	// Another office's rule list is empty.
	rec = ts.do(t, http.MethodGet, "/rules", "office-2", nil)
	var listResp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &listResp)
	if listResp.Count != 0 {
		t.Errorf("Expected 0 rules for office-2, got %d", listResp.Count)
	}

	// Office 2 reloading its (empty) rule set leaves office 1 intact.
	rec = ts.do(t, http.MethodPost, "/rules/reload", "office-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 reloading office-2 rules, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/rules", "office-1", nil)
	decodeBody(t, rec, &listResp)
	if listResp.Count != 1 {
		t.Errorf("Expected office-1 rule to survive office-2 reload, got %d", listResp.Count)
	}
	if resp := assess("office-1"); len(resp.Indicators) != 1 {
		t.Errorf("Expected office-1 rule to keep firing, got %d indicators", len(resp.Indicators))
	}
}

func TestAPI_AlertPublishedOnlyOnEscalate(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var alerts atomic.Int64
	_, err := ts.bus.Subscribe(ctx, "office-1", domain.TopicAssessmentAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Lift the broker to Silver so a review outcome is not promoted.
	for i := 0; i < 10; i++ {
		rec := ts.do(t, http.MethodPost, "/brokers/broker-a/rating/update", "office-1", domain.RatingInputs{
			ActualTime:     5,
			ExpectedTime:   10,
			CompletedTasks: 10,
			TotalTasks:     10,
			SentimentScore: 1.0,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("Rating update %d failed: %d", i, rec.Code)
		}
	}

	// Medium-level delay: fraudulent, but the Silver broker stays at
	// review. No alert is published.
	rec := ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId":    "app-review",
		"brokerId":         "broker-a",
		"actualDuration":   16.0,
		"expectedDuration": 10.0,
	})
	var resp domain.AssessmentResponse
	decodeBody(t, rec, &resp)
	if !resp.IsFraudulent || resp.Action != domain.RecommendReview {
		t.Fatalf("Expected fraudulent review, got fraudulent=%v action=%s", resp.IsFraudulent, resp.Action)
	}

	time.Sleep(100 * time.Millisecond)
	if got := alerts.Load(); got != 0 {
		t.Errorf("Expected no alerts for review outcome, got %d", got)
	}

	// An escalation publishes exactly one alert.
	otpIssued := time.Now().UTC().Add(-72 * time.Hour)
	rec = ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId": "app-escalate",
		"brokerId":      "broker-a",
		"otpIssuedAt":   otpIssued,
		"actualFee":     250.0,
		"expectedFee":   100.0,
		"similarity":    0.95,
		"forgery":       map[string]interface{}{"isForged": true, "confidence": 0.9},
	})
	decodeBody(t, rec, &resp)
	if resp.Action != domain.RecommendEscalate {
		t.Fatalf("Expected escalate, got %s", resp.Action)
	}

	time.Sleep(100 * time.Millisecond)
	if got := alerts.Load(); got != 1 {
		t.Errorf("Expected 1 alert for escalation, got %d", got)
	}
}

func TestAPI_BrokerHistoryAndAssessments(t *testing.T) {
	ts := newTestServer(t)

	// Two assessments for the broker, one fraudulent.
	ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId": "app-1",
		"brokerId":      "broker-h",
		"actualFee":     100.0,
		"expectedFee":   100.0,
	})
	ts.do(t, http.MethodPost, "/assessments", "office-1", map[string]interface{}{
		"applicationId": "app-2",
		"brokerId":      "broker-h",
		"similarity":    0.95,
		"forgery":       map[string]interface{}{"isForged": true, "confidence": 0.9},
	})

	rec := ts.do(t, http.MethodGet, "/brokers/broker-h/assessments", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &listResp)
	if listResp.Count != 2 {
		t.Errorf("Expected 2 assessments, got %d", listResp.Count)
	}

	rec = ts.do(t, http.MethodGet, "/brokers/broker-h/history", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var digest history.Summary
	decodeBody(t, rec, &digest)
	if digest.Assessments != 2 {
		t.Errorf("Expected 2 assessments in digest, got %d", digest.Assessments)
	}
	if digest.Flagged != 1 {
		t.Errorf("Expected 1 flagged, got %d", digest.Flagged)
	}

	rec = ts.do(t, http.MethodGet, "/applications/app-2/assessments", "office-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &listResp)
	if listResp.Count != 1 {
		t.Errorf("Expected 1 assessment for app-2, got %d", listResp.Count)
	}
}

func TestAPI_HealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var health map[string]string
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy, got %s", health["status"])
	}
	if health["version"] != "test" {
		t.Errorf("Expected version test, got %s", health["version"])
	}

	rec = ts.do(t, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /ready, got %d", rec.Code)
	}
}
