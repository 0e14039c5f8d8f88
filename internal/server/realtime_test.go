package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	message := RealtimeMessage{
		UserID:    "user-1",
		EventType: RealtimeEventQuestsChanged,
		Buckets:   []string{"2024-05-01#1", "2024-05-01#2"},
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventQuestsChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventQuestsChanged, received.EventType)
		}
		if len(received.Buckets) != 2 {
			t.Fatalf("expected 2 buckets, got %d", len(received.Buckets))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-3",
		EventType: RealtimeEventQuestsChanged,
		Buckets:   []string{"2024-05-02#3"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherCleanupUnsubscribes(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	_, secondCleanup := dispatcher.Subscribe(context.Background(), "user-4")
	if count := dispatcher.SubscriberCount("user-4"); count != 2 {
		t.Fatalf("expected 2 subscribers, got %d", count)
	}

	secondCleanup()
	secondCleanup()
	if count := dispatcher.SubscriberCount("user-4"); count != 1 {
		t.Fatalf("expected 1 subscriber after cleanup, got %d", count)
	}

	cancel()
	deadline := time.Now().Add(500 * time.Millisecond)
	for dispatcher.SubscriberCount("user-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected cancelled subscriber to be dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}
