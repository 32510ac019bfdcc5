package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	broker, err := NewBroker("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	return broker, s
}

func TestPublishReachesSubscriber(t *testing.T) {
	broker, s := setupTestBroker(t)
	defer broker.Close()
	defer s.Close()

	ctx := context.Background()
	sub, err := broker.Subscribe(ctx, "workspace:w1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	event, err := NewEvent("new-message", map[string]string{"id": "m1"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := broker.Publish(ctx, "workspace:w1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Topic != "workspace:w1" {
			t.Errorf("expected topic workspace:w1, got %s", got.Topic)
		}
		if got.Event.Name != "new-message" {
			t.Errorf("expected event new-message, got %s", got.Event.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriptionRetargeting(t *testing.T) {
	broker, s := setupTestBroker(t)
	defer broker.Close()
	defer s.Close()

	ctx := context.Background()
	sub, err := broker.Subscribe(ctx, "project:p1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := sub.Remove(ctx, "project:p1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := sub.Add(ctx, "project:p2"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	event, err := NewEvent("new-message", map[string]string{"id": "m2"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	// The abandoned topic must not deliver anymore.
	if err := broker.Publish(ctx, "project:p1", event); err != nil {
		t.Fatalf("Publish p1 failed: %v", err)
	}
	if err := broker.Publish(ctx, "project:p2", event); err != nil {
		t.Fatalf("Publish p2 failed: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Topic != "project:p2" {
			t.Fatalf("expected event only on project:p2, got one on %s", got.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPresenceHeartbeatAndExpiry(t *testing.T) {
	broker, s := setupTestBroker(t)
	defer broker.Close()
	defer s.Close()

	ctx := context.Background()
	if err := broker.Heartbeat(ctx, "workspace:w1", "u1", []byte(`{"userId":"u1"}`), 30*time.Second); err != nil {
		t.Fatalf("Heartbeat u1 failed: %v", err)
	}
	if err := broker.Heartbeat(ctx, "workspace:w1", "u2", []byte(`{"userId":"u2"}`), 30*time.Second); err != nil {
		t.Fatalf("Heartbeat u2 failed: %v", err)
	}

	states, err := broker.Present(ctx, "workspace:w1")
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 present members, got %d", len(states))
	}

	// A lapsed TTL drops the member without any explicit depart.
	s.FastForward(31 * time.Second)

	states, err = broker.Present(ctx, "workspace:w1")
	if err != nil {
		t.Fatalf("Present after expiry failed: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no present members after TTL, got %d", len(states))
	}
}

func TestPresenceDepart(t *testing.T) {
	broker, s := setupTestBroker(t)
	defer broker.Close()
	defer s.Close()

	ctx := context.Background()
	if err := broker.Heartbeat(ctx, "dm:a:b", "a", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := broker.Depart(ctx, "dm:a:b", "a"); err != nil {
		t.Fatalf("Depart failed: %v", err)
	}

	states, err := broker.Present(ctx, "dm:a:b")
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no members after depart, got %d", len(states))
	}
}
