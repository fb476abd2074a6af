package domain

import (
	"time"
)

// FraudLevel discretizes the anomaly score.
type FraudLevel string

const (
	FraudLevelLow    FraudLevel = "low"
	FraudLevelMedium FraudLevel = "medium"
	FraudLevelHigh   FraudLevel = "high"
)

// Recommendation is the scorer's suggested workflow action.
type Recommendation string

const (
	RecommendApprove  Recommendation = "approve"
	RecommendReview   Recommendation = "review"
	RecommendEscalate Recommendation = "escalate"
)

// FraudAssessment is the fused verdict for one application evaluation.
// Assessments are append-only: re-evaluation produces a new record that
// supersedes the old one, it never mutates it.
type FraudAssessment struct {
	ID            string `json:"id"`
	OfficeID      string `json:"officeId"`
	ApplicationID string `json:"applicationId"`
	BrokerID      string `json:"brokerId,omitempty"`

	IsFraudulent   bool             `json:"isFraudulent"`
	AnomalyScore   float64          `json:"anomalyScore"` // [0,1]
	FraudLevel     FraudLevel       `json:"fraudLevel"`
	Indicators     []FraudIndicator `json:"indicators"`
	Recommendation Recommendation   `json:"recommendation"`
	Explanation    Explanation      `json:"explanation"`

	// Action is the final escalation decision after combining the
	// recommendation with the broker's trust category.
	Action Recommendation `json:"action"`

	Timestamp time.Time          `json:"timestamp"`
	Metadata  AssessmentMetadata `json:"metadata"`
}

// AssessmentMetadata carries processing information for audit.
type AssessmentMetadata struct {
	TraceID           string `json:"traceId"`
	DetectMs          int64  `json:"detectMs"`
	ScoreMs           int64  `json:"scoreMs"`
	TotalMs           int64  `json:"totalMs"`
	DetectorsRun      int    `json:"detectorsRun"`
	CustomRulesRun    int    `json:"customRulesRun"`
	AlertsLast24h     int64  `json:"alertsLast24h,omitempty"`
	EngineVersion     string `json:"engineVersion"`
	BrokerCategory    string `json:"brokerCategory,omitempty"`
	CategoryPromoted  bool   `json:"categoryPromoted,omitempty"`
}

// AssessmentResponse is the API shape for an assessment.
type AssessmentResponse struct {
	AssessmentID   string             `json:"assessmentId"`
	ApplicationID  string             `json:"applicationId"`
	BrokerID       string             `json:"brokerId,omitempty"`
	IsFraudulent   bool               `json:"isFraudulent"`
	AnomalyScore   float64            `json:"anomalyScore"`
	FraudLevel     FraudLevel         `json:"fraudLevel"`
	Recommendation Recommendation     `json:"recommendation"`
	Action         Recommendation     `json:"action"`
	Indicators     []FraudIndicator   `json:"indicators,omitempty"`
	Explanation    Explanation        `json:"explanation"`
	Metadata       AssessmentMetadata `json:"metadata"`
}

// ToResponse converts an assessment to its API response.
func (a *FraudAssessment) ToResponse() *AssessmentResponse {
	return &AssessmentResponse{
		AssessmentID:   a.ID,
		ApplicationID:  a.ApplicationID,
		BrokerID:       a.BrokerID,
		IsFraudulent:   a.IsFraudulent,
		AnomalyScore:   a.AnomalyScore,
		FraudLevel:     a.FraudLevel,
		Recommendation: a.Recommendation,
		Action:         a.Action,
		Indicators:     a.Indicators,
		Explanation:    a.Explanation,
		Metadata:       a.Metadata,
	}
}
