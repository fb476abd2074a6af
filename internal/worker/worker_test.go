package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rto-platform/harrier/internal/bus"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/rating"
	"github.com/rto-platform/harrier/internal/repository"
)

func newTestWorker(t *testing.T) (*Worker, *bus.ChannelBus, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker_test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine := rating.NewEngine(domain.DefaultRatingConfig(), repo, nil)
	w := NewWorker(eventBus, engine)
	t.Cleanup(func() { w.Stop() })

	return w, eventBus, repo
}

func TestWorker_ProcessesTaskCompletion(t *testing.T) {
	w, eventBus, repo := newTestWorker(t)
	ctx := context.Background()

	if err := w.Start(Config{OfficeIDs: []string{"office-1"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Listen for the downstream rating update.
	updated := make(chan *domain.RatingUpdateEvent, 1)
	_, err := eventBus.Subscribe(ctx, "office-1", domain.TopicRatingUpdated, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.RatingUpdateEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		updated <- &ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	payload, _ := json.Marshal(TaskCompletedMessage{
		TaskID:   "task-1",
		BrokerID: "broker-1",
		OfficeID: "office-1",
		Inputs: domain.RatingInputs{
			ActualTime:     8,
			ExpectedTime:   10,
			CompletedTasks: 10,
			TotalTasks:     10,
			SentimentScore: 1.0,
		},
	})
	if err := eventBus.Publish(ctx, "office-1", domain.TopicTaskCompleted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-updated:
		if ev.BrokerID != "broker-1" {
			t.Errorf("Expected broker-1, got %s", ev.BrokerID)
		}
		if ev.Version != 1 {
			t.Errorf("Expected version 1, got %d", ev.Version)
		}
		if ev.Reward <= 0 {
			t.Errorf("Expected positive reward, got %v", ev.Reward)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for rating update event")
	}

	// The rating state was persisted.
	state, err := repo.GetBrokerRating(ctx, "office-1", "broker-1")
	if err != nil {
		t.Fatalf("GetBrokerRating failed: %v", err)
	}
	if state.Overall() <= 3.0 {
		t.Errorf("Expected overall above initial 3.0, got %v", state.Overall())
	}
}

func TestWorker_GlobalWorkerUsesMessageOffice(t *testing.T) {
	w, eventBus, repo := newTestWorker(t)
	ctx := context.Background()

	// No offices configured: the worker listens on the global subject and
	// routes by the office carried in the message.
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Fatalf("Expected 1 global subscription, got %d", stats.SubscriptionCount)
	}

	payload, _ := json.Marshal(TaskCompletedMessage{
		TaskID:   "task-9",
		BrokerID: "broker-9",
		OfficeID: "office-west",
		Inputs:   domain.RatingInputs{SentimentScore: -1.0},
	})
	if err := eventBus.Publish(ctx, "_global", domain.TopicTaskCompleted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		state, err := repo.GetBrokerRating(ctx, "office-west", "broker-9")
		if err == nil {
			if state.Overall() >= 3.0 {
				t.Errorf("Expected overall below 3.0 after negative sentiment, got %v", state.Overall())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Rating was never written for the message's office")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker_IgnoresMalformedMessages(t *testing.T) {
	w, eventBus, repo := newTestWorker(t)
	ctx := context.Background()

	if err := w.Start(Config{OfficeIDs: []string{"office-1"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Garbage payload, then a message without a broker. Neither crashes
	// the worker or writes state.
	eventBus.Publish(ctx, "office-1", domain.TopicTaskCompleted, []byte("{not json"))
	noBroker, _ := json.Marshal(TaskCompletedMessage{TaskID: "task-x"})
	eventBus.Publish(ctx, "office-1", domain.TopicTaskCompleted, noBroker)

	// A valid message afterwards is still processed.
	valid, _ := json.Marshal(TaskCompletedMessage{
		TaskID:   "task-ok",
		BrokerID: "broker-1",
		Inputs:   domain.RatingInputs{SentimentScore: 0.5},
	})
	eventBus.Publish(ctx, "office-1", domain.TopicTaskCompleted, valid)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := repo.GetBrokerRating(ctx, "office-1", "broker-1"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Valid message after malformed ones was never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker_StopUnsubscribes(t *testing.T) {
	w, eventBus, _ := newTestWorker(t)

	if err := w.Start(Config{OfficeIDs: []string{"office-1", "office-2"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 2 {
		t.Fatalf("Expected 2 subscriptions, got %d", got)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("Expected 0 subscriptions after stop, got %d", got)
	}

	// The bus itself stays usable for other components.
	if err := eventBus.Ping(context.Background()); err != nil {
		t.Errorf("Bus should survive worker stop: %v", err)
	}
}
