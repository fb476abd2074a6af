// Package escalate maps an assessment/rating pair to the final workflow
// action.
package escalate

import (
	"github.com/rto-platform/harrier/internal/domain"
)

// FeedbackSignal is the optional pair supplied by the external feedback
// collaborator.
type FeedbackSignal struct {
	SentimentScore       float64 `json:"sentimentScore"`       // [-1,1]
	ComplaintProbability float64 `json:"complaintProbability"` // [0,1]
}

// complaintPromoteProbability is the complaint probability at which an
// otherwise clean application is still routed to human review.
const complaintPromoteProbability = 0.8

// Decide combines the fraud recommendation, the broker's trust category,
// and optional citizen feedback into one final action.
//
// First match wins:
//  1. an escalate from fraud always stands;
//  2. a Bronze broker with a review recommendation is promoted to
//     escalate (repeat low-trust brokers get a stricter bar);
//  3. a near-certain complaint with negative sentiment promotes an
//     approve to review;
//  4. otherwise the fraud recommendation is used as-is.
func Decide(rec domain.Recommendation, category domain.Category, feedback *FeedbackSignal) domain.Recommendation {
	if rec == domain.RecommendEscalate {
		return domain.RecommendEscalate
	}

	if category == domain.CategoryBronze && rec == domain.RecommendReview {
		return domain.RecommendEscalate
	}

	if rec == domain.RecommendApprove && feedback != nil &&
		feedback.ComplaintProbability >= complaintPromoteProbability &&
		feedback.SentimentScore < 0 {
		return domain.RecommendReview
	}

	return rec
}
