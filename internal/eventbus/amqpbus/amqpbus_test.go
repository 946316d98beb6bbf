package amqpbus

import (
	"context"
	"testing"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
)

func TestPublisherConsumer_ExactBindingKeyReceivesItsRunsEvents(t *testing.T) {
	conn := newMockConnection()
	pub, err := NewPublisher(conn, "run.events")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	consumer, err := NewConsumer(conn, "run.events", "run.run-1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	want := domain.RunEvent{ID: "e1", RunID: "run-1", Type: domain.EventRunStarted}
	if err := pub.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != want.ID || got.RunID != want.RunID || got.Type != want.Type {
			t.Fatalf("unexpected event: got %+v want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublisherConsumer_BindingToADifferentRunDoesNotReceive(t *testing.T) {
	conn := newMockConnection()
	pub, err := NewPublisher(conn, "run.events")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	consumer, err := NewConsumer(conn, "run.events", "run.other-run")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := pub.Publish(ctx, domain.RunEvent{ID: "e1", RunID: "run-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		t.Fatalf("expected no delivery for an unrelated run, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublisherConsumer_WildcardBindingReceivesEveryRun(t *testing.T) {
	conn := newMockConnection()
	pub, err := NewPublisher(conn, "run.events")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	consumer, err := NewConsumer(conn, "run.events", "run.*")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	for _, runID := range []string{"run-a", "run-b"} {
		if err := pub.Publish(ctx, domain.RunEvent{ID: runID, RunID: runID}); err != nil {
			t.Fatalf("publish %s: %v", runID, err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			seen[got.RunID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
	if !seen["run-a"] || !seen["run-b"] {
		t.Fatalf("expected both runs' events, got %v", seen)
	}
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	conn := newMockConnection()
	consumer, err := NewConsumer(conn, "run.events", "run.*")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	received, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	cancel()

	select {
	case _, ok := <-received:
		if ok {
			t.Fatalf("expected the channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the consumer to stop after cancel")
	}
}
