// Package worker provides async rating update processing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/rating"
)

// maxConflictRetries bounds how many times one task completion is
// reapplied after losing a version race.
const maxConflictRetries = 5

// Worker consumes task completion events from the EventBus and feeds
// them to the rating engine.
type Worker struct {
	bus    domain.EventBus
	engine *rating.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// OfficeIDs is the list of offices to process (empty = global worker)
	OfficeIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, engine *rating.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing task completions for the given offices.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.OfficeIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, officeID := range cfg.OfficeIDs {
		if err := w.startOfficeWorker(officeID); err != nil {
			slog.Error("failed to start worker for office",
				"office_id", officeID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"office_count", len(cfg.OfficeIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all offices (for dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTaskCompleted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startOfficeWorker starts a worker for a specific office.
func (w *Worker) startOfficeWorker(officeID string) error {
	sub, err := w.bus.Subscribe(w.ctx, officeID, domain.TopicTaskCompleted, func(ctx context.Context, msg *domain.Message) error {
		return w.processTaskCompleted(ctx, officeID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("office worker started",
		"office_id", officeID,
		"topic", domain.TopicTaskCompleted,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processTaskCompleted(ctx, msg.OfficeID, msg)
}

// TaskCompletedMessage is the payload for a completed registration task.
type TaskCompletedMessage struct {
	TaskID   string              `json:"taskId"`
	BrokerID string              `json:"brokerId"`
	OfficeID string              `json:"officeId"`
	TraceID  string              `json:"traceId"`
	Inputs   domain.RatingInputs `json:"inputs"`
}

// processTaskCompleted applies one task completion to the broker's
// rating, retrying a bounded number of times on version conflicts.
func (w *Worker) processTaskCompleted(ctx context.Context, officeID string, msg *domain.Message) error {
	start := time.Now()

	var taskMsg TaskCompletedMessage
	if err := json.Unmarshal(msg.Payload, &taskMsg); err != nil {
		slog.Error("failed to parse task completed message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message office if provided
	if taskMsg.OfficeID != "" {
		officeID = taskMsg.OfficeID
	}
	if taskMsg.BrokerID == "" {
		slog.Error("task completed message missing broker",
			"message_id", msg.ID,
			"task_id", taskMsg.TaskID,
		)
		return errors.New("brokerId is required")
	}

	var state *domain.BrokerRatingState
	var event *domain.RatingUpdateEvent
	var err error

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		state, event, err = w.engine.Update(ctx, officeID, taskMsg.BrokerID, taskMsg.Inputs)
		if !errors.Is(err, domain.ErrVersionConflict) {
			break
		}
		slog.Debug("rating update conflict, retrying",
			"broker_id", taskMsg.BrokerID,
			"attempt", attempt+1,
		)
	}

	if err != nil {
		slog.Error("rating update failed",
			"task_id", taskMsg.TaskID,
			"broker_id", taskMsg.BrokerID,
			"error", err,
		)
		return err
	}

	// Publish the update so downstream consumers see category changes.
	resultPayload, _ := json.Marshal(event)
	if err := w.bus.Publish(ctx, officeID, domain.TopicRatingUpdated, resultPayload); err != nil {
		slog.Error("failed to publish rating update",
			"task_id", taskMsg.TaskID,
			"error", err,
		)
	}

	slog.Info("task completion processed",
		"task_id", taskMsg.TaskID,
		"broker_id", taskMsg.BrokerID,
		"office_id", officeID,
		"new_overall", state.Overall(),
		"category", state.Category,
		"version", state.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
