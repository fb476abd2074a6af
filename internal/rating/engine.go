// Package rating implements the temporally-decayed dynamic broker rating
// engine. A broker's five-dimension reputation is a versioned aggregate
// updated through compare-and-swap; every update appends one event to the
// rating log.
package rating

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/explain"
)

// Engine owns all broker rating state. Updates for different brokers are
// independent; updates for the same broker are serialized by optimistic
// concurrency on the state version.
type Engine struct {
	cfg   domain.RatingConfig
	repo  domain.Repository
	cache domain.Cache
}

// NewEngine creates a rating engine.
func NewEngine(cfg domain.RatingConfig, repo domain.Repository, cache domain.Cache) *Engine {
	return &Engine{
		cfg:   cfg,
		repo:  repo,
		cache: cache,
	}
}

// subRewards holds the five normalized reward components for one update.
type subRewards struct {
	timeliness float64 // [-1, 0.2]: early work positive, late negative
	completion float64 // [-1, 1]
	sentiment  float64 // [-1, 1]
	anomaly    float64 // [0, 1], enters the reward negatively
	fraud      float64 // [0, 1], enters the reward negatively, heaviest
}

// Update applies one task-completion observation to a broker's rating.
//
// reward = clamp(wT*timeliness + wC*completion + wS*sentiment
//               - wA*anomaly - wF*fraud, -1, 1)
// alpha  = alpha0 * decay^daysAgo
// overall' = clamp(overall + alpha*reward, min, max)
//
// Returns domain.ErrVersionConflict when another update won the race; the
// caller retries with fresh state.
func (e *Engine) Update(ctx context.Context, officeID, brokerID string, in domain.RatingInputs) (*domain.BrokerRatingState, *domain.RatingUpdateEvent, error) {
	state, err := e.loadOrCreate(ctx, officeID, brokerID)
	if err != nil {
		return nil, nil, err
	}

	in = clampInputs(in)
	sub := e.subRewardsFor(in)
	reward := e.reward(sub)
	alpha := e.alpha(in.DaysAgo)

	next := state.Clone()
	next.Dimensions[domain.DimensionOverall] = e.clampRating(state.Overall() + alpha*reward)
	next.Dimensions[domain.DimensionPunctuality] = e.clampRating(state.Dimensions[domain.DimensionPunctuality] + alpha*sub.timeliness)
	next.Dimensions[domain.DimensionQuality] = e.clampRating(state.Dimensions[domain.DimensionQuality] + alpha*sub.completion)
	next.Dimensions[domain.DimensionCommunication] = e.clampRating(state.Dimensions[domain.DimensionCommunication] + alpha*sub.sentiment)
	next.Dimensions[domain.DimensionCompliance] = e.clampRating(state.Dimensions[domain.DimensionCompliance] + alpha*e.compliancePenalty(sub))

	next.Category = domain.CategoryFor(next.Overall())
	next.Version = state.Version + 1
	next.LastUpdatedAt = time.Now().UTC()

	if err := e.repo.UpdateBrokerRating(ctx, officeID, next, state.Version); err != nil {
		return nil, nil, err
	}

	event := &domain.RatingUpdateEvent{
		ID:         uuid.New().String(),
		BrokerID:   brokerID,
		OfficeID:   officeID,
		Inputs:     in,
		Reward:     reward,
		Alpha:      alpha,
		NewOverall: next.Overall(),
		Version:    next.Version,
		CreatedAt:  next.LastUpdatedAt,
	}

	if err := e.repo.AppendRatingEvent(ctx, officeID, event); err != nil {
		return nil, nil, fmt.Errorf("failed to append rating event: %w", err)
	}

	// Drop the cached snapshot so the assessment path sees the new category.
	if e.cache != nil {
		_ = e.cache.Delete(ctx, officeID, "rating:"+brokerID)
	}

	return next, event, nil
}

// Explain rebuilds the explanation for a broker's most recent update.
// With no recorded events it falls back to a synthetic breakdown over the
// current static dimensions.
func (e *Engine) Explain(ctx context.Context, officeID, brokerID string) (*domain.Explanation, error) {
	event, err := e.repo.LatestRatingEvent(ctx, officeID, brokerID)
	if err == nil {
		exp := e.ExplainEvent(event)
		return &exp, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}

	state, err := e.repo.GetBrokerRating(ctx, officeID, brokerID)
	if err == domain.ErrNotFound {
		// Never-rated brokers are explained from the initial state, the
		// same way GetBrokerRating reports them.
		state = e.InitialState(officeID, brokerID)
	} else if err != nil {
		return nil, err
	}

	factors := make([]domain.Factor, 0, len(state.Dimensions))
	for _, dim := range []domain.RatingDimension{
		domain.DimensionOverall,
		domain.DimensionPunctuality,
		domain.DimensionQuality,
		domain.DimensionCompliance,
		domain.DimensionCommunication,
	} {
		factors = append(factors, domain.Factor{
			Name:   string(dim),
			Score:  state.Dimensions[dim],
			Weight: 1,
		})
	}

	exp := explain.Build(factors, fmt.Sprintf("no rating updates recorded; current overall %.2f (%s)", state.Overall(), state.Category))
	return &exp, nil
}

// ExplainEvent reconstructs the factor breakdown for one recorded update.
// Explanations are derived, never stored: the event inputs are enough.
func (e *Engine) ExplainEvent(event *domain.RatingUpdateEvent) domain.Explanation {
	sub := e.subRewardsFor(clampInputs(event.Inputs))
	alpha := event.Alpha

	factors := []domain.Factor{
		{Name: "timeliness", Score: sub.timeliness, Weight: alpha, Contribution: alpha * e.cfg.TimelinessWeight * sub.timeliness},
		{Name: "completion", Score: sub.completion, Weight: alpha, Contribution: alpha * e.cfg.CompletionWeight * sub.completion},
		{Name: "sentiment", Score: sub.sentiment, Weight: alpha, Contribution: alpha * e.cfg.SentimentWeight * sub.sentiment},
		{Name: "anomaly_penalty", Score: sub.anomaly, Weight: alpha, Contribution: -alpha * e.cfg.AnomalyWeight * sub.anomaly},
		{Name: "fraud_penalty", Score: sub.fraud, Weight: alpha, Contribution: -alpha * e.cfg.FraudWeight * sub.fraud},
	}

	return explain.Build(factors, e.summarize(event, factors))
}

func (e *Engine) summarize(event *domain.RatingUpdateEvent, factors []domain.Factor) string {
	var direction string
	switch {
	case event.Reward > 0.01:
		direction = "rating improved"
	case event.Reward < -0.01:
		direction = "rating declined"
	default:
		direction = "rating held steady"
	}

	pos, neg := explain.DominantSigned(factors)
	switch {
	case pos != nil && neg != nil:
		return fmt.Sprintf("%s due to %s despite %s (now %.2f)", direction, pos.Name, neg.Name, event.NewOverall)
	case pos != nil:
		return fmt.Sprintf("%s due to %s (now %.2f)", direction, pos.Name, event.NewOverall)
	case neg != nil:
		return fmt.Sprintf("%s due to %s (now %.2f)", direction, neg.Name, event.NewOverall)
	default:
		return fmt.Sprintf("%s (now %.2f)", direction, event.NewOverall)
	}
}

// loadOrCreate returns the broker's current state, seeding a fresh one at
// the configured initial rating for first-seen brokers.
func (e *Engine) loadOrCreate(ctx context.Context, officeID, brokerID string) (*domain.BrokerRatingState, error) {
	state, err := e.repo.GetBrokerRating(ctx, officeID, brokerID)
	if err == nil {
		return state, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}

	state = e.InitialState(officeID, brokerID)
	if err := e.repo.CreateBrokerRating(ctx, officeID, state); err != nil {
		// Lost the creation race: another update seeded the row first.
		if err == domain.ErrVersionConflict {
			return e.repo.GetBrokerRating(ctx, officeID, brokerID)
		}
		return nil, err
	}
	return state, nil
}

// InitialState returns the version-0 state for a first-seen broker.
func (e *Engine) InitialState(officeID, brokerID string) *domain.BrokerRatingState {
	initial := e.cfg.InitialRating
	return &domain.BrokerRatingState{
		BrokerID: brokerID,
		OfficeID: officeID,
		Dimensions: map[domain.RatingDimension]float64{
			domain.DimensionOverall:       initial,
			domain.DimensionPunctuality:   initial,
			domain.DimensionQuality:       initial,
			domain.DimensionCompliance:    initial,
			domain.DimensionCommunication: initial,
		},
		Category:      domain.CategoryFor(initial),
		Version:       0,
		LastUpdatedAt: time.Now().UTC(),
	}
}

func (e *Engine) subRewardsFor(in domain.RatingInputs) subRewards {
	var sub subRewards

	if in.ActualTime > 0 && in.ExpectedTime > 0 {
		// On-time or early work scores positively, late work negatively,
		// capped at +0.2 so speed cannot mask other problems.
		sub.timeliness = clamp(in.ExpectedTime/in.ActualTime, 0, 1.2) - 1
	}

	if in.TotalTasks > 0 {
		ratio := clamp(float64(in.CompletedTasks)/float64(in.TotalTasks), 0, 1)
		sub.completion = 2*ratio - 1
	}

	sub.sentiment = in.SentimentScore
	sub.anomaly = in.AnomalyScore
	sub.fraud = in.FraudScore
	return sub
}

func (e *Engine) reward(sub subRewards) float64 {
	raw := e.cfg.TimelinessWeight*sub.timeliness +
		e.cfg.CompletionWeight*sub.completion +
		e.cfg.SentimentWeight*sub.sentiment -
		e.cfg.AnomalyWeight*sub.anomaly -
		e.cfg.FraudWeight*sub.fraud
	return clamp(raw, -1, 1)
}

// compliancePenalty is the sub-reward driving the compliance dimension:
// the combined anomaly and fraud penalties, clamped to [-1, 0].
func (e *Engine) compliancePenalty(sub subRewards) float64 {
	return clamp(-(e.cfg.AnomalyWeight*sub.anomaly + e.cfg.FraudWeight*sub.fraud), -1, 0)
}

// alpha is the temporally decayed learning rate. Monotonically
// non-increasing in daysAgo and always in (0, 1].
func (e *Engine) alpha(daysAgo float64) float64 {
	if daysAgo < 0 {
		daysAgo = 0
	}
	a := e.cfg.Alpha0 * math.Pow(e.cfg.Decay, daysAgo)
	return clamp(a, 1e-9, 1)
}

func (e *Engine) clampRating(v float64) float64 {
	return clamp(v, e.cfg.MinRating, e.cfg.MaxRating)
}

// clampInputs bounds numeric inputs to their documented domains rather
// than rejecting them.
func clampInputs(in domain.RatingInputs) domain.RatingInputs {
	in.SentimentScore = clamp(in.SentimentScore, -1, 1)
	in.AnomalyScore = clamp(in.AnomalyScore, 0, 1)
	in.FraudScore = clamp(in.FraudScore, 0, 1)
	if in.DaysAgo < 0 {
		in.DaysAgo = 0
	}
	if in.CompletedTasks < 0 {
		in.CompletedTasks = 0
	}
	if in.TotalTasks > 0 && in.CompletedTasks > in.TotalTasks {
		in.CompletedTasks = in.TotalTasks
	}
	return in
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
