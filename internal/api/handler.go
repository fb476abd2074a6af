package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rto-platform/harrier/internal/detect"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/escalate"
	"github.com/rto-platform/harrier/internal/history"
	"github.com/rto-platform/harrier/internal/rating"
	"github.com/rto-platform/harrier/internal/score"
)

// alertWindow is the rolling window for per-broker alert counters.
const alertWindow = 24 * time.Hour

// ratingSnapshotTTL bounds how stale the cached category on the
// assessment path may be.
const ratingSnapshotTTL = 5 * time.Minute

// brokerHistoryWindow is how far back the fake-delay baseline looks.
const brokerHistoryWindow = 90 * 24 * time.Hour

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	detectors    *detect.Set
	ruleEngine   *detect.RuleEngine
	scorer       *score.Scorer
	ratingEngine *rating.Engine
	historySvc   *history.Service
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, detectors *detect.Set, ruleEngine *detect.RuleEngine, scorer *score.Scorer, ratingEngine *rating.Engine, historySvc *history.Service, version string) *Handler {
	return &Handler{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		detectors:    detectors,
		ruleEngine:   ruleEngine,
		scorer:       scorer,
		ratingEngine: ratingEngine,
		historySvc:   historySvc,
		version:      version,
	}
}

// AssessRequest is the request body for POST /assessments.
type AssessRequest struct {
	ApplicationID string `json:"applicationId"`
	BrokerID      string `json:"brokerId"`

	// OTP lifecycle
	OTPIssuedAt *time.Time `json:"otpIssuedAt,omitempty"`
	OTPClosedAt *time.Time `json:"otpClosedAt,omitempty"`

	// Fees
	ActualFee   *float64 `json:"actualFee,omitempty"`
	ExpectedFee *float64 `json:"expectedFee,omitempty"`

	// Task durations in days
	ActualDuration   *float64 `json:"actualDuration,omitempty"`
	ExpectedDuration *float64 `json:"expectedDuration,omitempty"`

	// External collaborator signals
	Similarity *float64                  `json:"similarity,omitempty"`
	Forgery    *detect.ForgerySignal     `json:"forgery,omitempty"`
	Feedback   *escalate.FeedbackSignal  `json:"feedback,omitempty"`
}

// Assess handles POST /assessments requests.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var req AssessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate required fields
	if req.ApplicationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "applicationId is required",
		})
		return
	}

	// 1. Build the observation, enriching with the broker's baseline.
	obs := &detect.Observation{
		ApplicationID:    req.ApplicationID,
		BrokerID:         req.BrokerID,
		OTPIssuedAt:      req.OTPIssuedAt,
		OTPClosedAt:      req.OTPClosedAt,
		Now:              time.Now().UTC(),
		ActualFee:        req.ActualFee,
		ExpectedFee:      req.ExpectedFee,
		ActualDuration:   req.ActualDuration,
		ExpectedDuration: req.ExpectedDuration,
		Similarity:       req.Similarity,
		Forgery:          req.Forgery,
	}

	if h.historySvc != nil && req.BrokerID != "" {
		if avg, ok, err := h.historySvc.AvgProcessingDays(ctx, officeID, req.BrokerID, brokerHistoryWindow); err == nil && ok {
			obs.BrokerAvgDuration = &avg
		}
	}

	// 2. Run built-in detectors plus any custom rules.
	detectStart := time.Now()
	indicators := h.detectors.Run(obs)
	customRules := 0
	if h.ruleEngine != nil {
		customRules = h.ruleEngine.OfficeRulesCount(officeID)
		indicators = append(indicators, h.ruleEngine.Evaluate(officeID, obs)...)
	}
	detectMs := time.Since(detectStart).Milliseconds()

	// 3. Fuse into an assessment.
	assessment := h.scorer.Assess(&score.Input{
		OfficeID:      officeID,
		ApplicationID: req.ApplicationID,
		BrokerID:      req.BrokerID,
		TraceID:       traceID,
		Indicators:    indicators,
		StartTime:     start,
		DetectMs:      detectMs,
		DetectorsRun:  h.detectors.Len(),
		CustomRules:   customRules,
	})

	// 4. Combine with the broker's trust category for the final action.
	category := domain.CategoryBronze
	if req.BrokerID != "" {
		category = h.brokerCategory(ctx, officeID, req.BrokerID)
	}
	assessment.Action = escalate.Decide(assessment.Recommendation, category, req.Feedback)
	assessment.Metadata.BrokerCategory = string(category)
	assessment.Metadata.CategoryPromoted = assessment.Action != assessment.Recommendation

	// 5. Count alerts in the rolling window.
	if assessment.IsFraudulent && h.cache != nil && req.BrokerID != "" {
		if count, err := h.cache.IncrementCounter(ctx, officeID, "alerts:"+req.BrokerID, alertWindow); err == nil {
			assessment.Metadata.AlertsLast24h = count
		}
	}

	assessment.Metadata.TotalMs = time.Since(start).Milliseconds()

	// 6. Save assessment
	if h.repo != nil {
		if err := h.repo.SaveAssessment(ctx, officeID, assessment); err != nil {
			slog.Error("failed to save assessment", "error", err)
		}
	}

	// 7. Publish to the assessed topic; escalations also go to the alert
	// topic.
	if h.bus != nil {
		payload, _ := json.Marshal(assessment)
		if err := h.bus.Publish(ctx, officeID, domain.TopicApplicationAssessed, payload); err != nil {
			slog.Error("failed to publish assessment", "error", err)
		}
		if assessment.Action == domain.RecommendEscalate {
			if err := h.bus.Publish(ctx, officeID, domain.TopicAssessmentAlert, payload); err != nil {
				slog.Error("failed to publish alert", "error", err)
			}
		}
	}

	slog.Info("application assessed",
		"application_id", req.ApplicationID,
		"broker_id", req.BrokerID,
		"office_id", officeID,
		"anomaly_score", assessment.AnomalyScore,
		"fraud_level", assessment.FraudLevel,
		"action", assessment.Action,
		"duration_ms", assessment.Metadata.TotalMs,
	)

	writeJSON(w, http.StatusOK, assessment.ToResponse())
}

// brokerCategory resolves the broker's trust category, preferring the
// cached snapshot over a repository read.
func (h *Handler) brokerCategory(ctx context.Context, officeID, brokerID string) domain.Category {
	if h.cache != nil {
		if snap, err := h.cache.GetRating(ctx, officeID, brokerID); err == nil && snap != nil {
			return snap.Category
		}
	}

	if h.repo != nil {
		state, err := h.repo.GetBrokerRating(ctx, officeID, brokerID)
		if err == nil {
			if h.cache != nil {
				_ = h.cache.SetRating(ctx, officeID, brokerID, &domain.RatingSnapshot{
					BrokerID: brokerID,
					Overall:  state.Overall(),
					Category: state.Category,
					Version:  state.Version,
				}, ratingSnapshotTTL)
			}
			return state.Category
		}
	}

	// First-seen brokers start at the initial rating, which is Bronze.
	return domain.CategoryFor(h.ratingEngine.InitialState(officeID, brokerID).Overall())
}

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	assessmentID := chi.URLParam(r, "id")

	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	assessment, err := h.repo.GetAssessment(ctx, officeID, assessmentID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get assessment", "id", assessmentID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// ListApplicationAssessments returns the assessment history for an
// application, newest first.
func (h *Handler) ListApplicationAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	applicationID := chi.URLParam(r, "id")

	assessments, err := h.repo.ListAssessmentsByApplication(ctx, officeID, applicationID)
	if err != nil {
		slog.Error("failed to list assessments", "application_id", applicationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list assessments",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applicationId": applicationID,
		"assessments":   assessments,
		"count":         len(assessments),
	})
}

// ListBrokerAssessments returns a broker's assessments over the last
// ?days=N days (default 30).
func (h *Handler) ListBrokerAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	brokerID := chi.URLParam(r, "id")

	days := queryInt(r, "days", 30)
	since := time.Now().UTC().AddDate(0, 0, -days)

	assessments, err := h.repo.ListAssessmentsByBroker(ctx, officeID, brokerID, since)
	if err != nil {
		slog.Error("failed to list broker assessments", "broker_id", brokerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list assessments",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"brokerId":    brokerID,
		"assessments": assessments,
		"count":       len(assessments),
		"windowDays":  days,
	})
}

// GetBrokerHistory returns the broker activity digest.
func (h *Handler) GetBrokerHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	brokerID := chi.URLParam(r, "id")

	summary, err := h.historySvc.Summarize(ctx, officeID, brokerID, queryInt(r, "days", 30))
	if err != nil {
		slog.Error("failed to summarize broker history", "broker_id", brokerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to summarize broker history",
		})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetBrokerRating returns a broker's current rating state. Brokers with
// no recorded updates get the initial state.
func (h *Handler) GetBrokerRating(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	brokerID := chi.URLParam(r, "id")

	state, err := h.repo.GetBrokerRating(ctx, officeID, brokerID)
	if errors.Is(err, domain.ErrNotFound) {
		state = h.ratingEngine.InitialState(officeID, brokerID)
		err = nil
	}
	if err != nil {
		slog.Error("failed to get broker rating", "broker_id", brokerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get broker rating",
		})
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// UpdateBrokerRating applies one task-completion observation to a
// broker's rating. Returns 409 when a concurrent update won the version
// race; the caller retries with the returned state.
func (h *Handler) UpdateBrokerRating(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	brokerID := chi.URLParam(r, "id")

	var inputs domain.RatingInputs
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	state, event, err := h.ratingEngine.Update(ctx, officeID, brokerID, inputs)
	if errors.Is(err, domain.ErrVersionConflict) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rating was updated concurrently, retry",
		})
		return
	}
	if err != nil {
		slog.Error("failed to update broker rating", "broker_id", brokerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update broker rating",
		})
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(event)
		if err := h.bus.Publish(ctx, officeID, domain.TopicRatingUpdated, payload); err != nil {
			slog.Error("failed to publish rating update", "broker_id", brokerID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": state,
		"event": event,
	})
}

// GetRatingExplanation returns the factor breakdown for a broker's most
// recent rating update. Brokers with no recorded updates get a synthetic
// breakdown over the initial dimensions.
func (h *Handler) GetRatingExplanation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	brokerID := chi.URLParam(r, "id")

	explanation, err := h.ratingEngine.Explain(ctx, officeID, brokerID)
	if err != nil {
		slog.Error("failed to explain rating", "broker_id", brokerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to explain rating",
		})
		return
	}

	writeJSON(w, http.StatusOK, explanation)
}

// GetRatingTrend returns the broker's rating trajectory over
// ?days=N days (default 30).
func (h *Handler) GetRatingTrend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	brokerID := chi.URLParam(r, "id")

	trend, err := h.ratingEngine.Trend(ctx, officeID, brokerID, queryInt(r, "days", 30))
	if err != nil {
		slog.Error("failed to compute rating trend", "broker_id", brokerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute rating trend",
		})
		return
	}

	writeJSON(w, http.StatusOK, trend)
}

// ListRules returns the detector rules loaded for the caller's office.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.ruleEngine.GetLoadedRules(GetOfficeID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a detector rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.ruleEngine.GetLoadedRules(GetOfficeID(r.Context())) {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a detector rule.
type CreateRuleRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Indicator   domain.IndicatorType `json:"indicator"`
	Expression  string               `json:"expression"`
	Threshold   float64              `json:"threshold"`
	Enabled     bool                 `json:"enabled"`
}

// CreateRule creates a detector rule for the caller's office and saves
// it to the database. After saving, call POST /rules/reload to apply.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "threshold must be between 0 and 1",
		})
		return
	}
	if !validIndicator(req.Indicator) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown indicator type",
		})
		return
	}

	rule := &domain.DetectorRule{
		ID:          req.ID,
		OfficeID:    officeID,
		Name:        req.Name,
		Description: req.Description,
		Indicator:   req.Indicator,
		Expression:  req.Expression,
		Threshold:   req.Threshold,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.ruleEngine.LoadRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveDetectorRule(ctx, officeID, rule); err != nil {
			slog.Error("failed to save detector rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("detector rule created", "id", rule.ID, "name", rule.Name, "office_id", officeID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule removes a detector rule and auto-reloads the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if err := h.repo.DeleteDetectorRule(ctx, officeID, ruleID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to delete detector rule", "id", ruleID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	// Auto-reload after delete so the engine stops evaluating the rule.
	dbRules, err := h.repo.ListDetectorRules(ctx, officeID)
	if err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
	} else if err := h.ruleEngine.ReloadRules(officeID, dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
	}

	slog.Info("detector rule deleted", "id", ruleID, "office_id", officeID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Rule deleted and engine reloaded.",
	})
}

// ReloadRules reloads detector rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	officeID := GetOfficeID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListDetectorRules(ctx, officeID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.ruleEngine.ReloadRules(officeID, dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules), "office_id", officeID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func validIndicator(t domain.IndicatorType) bool {
	for _, known := range domain.IndicatorTypes() {
		if t == known {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
