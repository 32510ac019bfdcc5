package presence

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(clock.now), clock
}

func TestSignalThrottlesBroadcasts(t *testing.T) {
	tracker, clock := newTestTracker()
	typist := Typist{UserID: "u1", DisplayName: "Ada"}

	if !tracker.Signal("workspace:w1", typist) {
		t.Fatal("first signal should broadcast")
	}
	clock.advance(100 * time.Millisecond)
	if tracker.Signal("workspace:w1", typist) {
		t.Fatal("signal inside throttle window should be suppressed")
	}
	clock.advance(250 * time.Millisecond)
	if !tracker.Signal("workspace:w1", typist) {
		t.Fatal("signal after throttle window should broadcast")
	}
}

func TestTypingExcludesViewerAndPrunesIdle(t *testing.T) {
	tracker, clock := newTestTracker()
	tracker.Signal("project:p1", Typist{UserID: "u1", DisplayName: "Ada"})
	tracker.Signal("project:p1", Typist{UserID: "u2", DisplayName: "Brin"})

	typists := tracker.Typing("project:p1", "u1")
	if len(typists) != 1 || typists[0].UserID != "u2" {
		t.Fatalf("expected only u2 visible to u1, got %v", typists)
	}

	clock.advance(500 * time.Millisecond)
	tracker.Signal("project:p1", Typist{UserID: "u2", DisplayName: "Brin"})

	// u1 idles past the window, u2 keeps typing.
	clock.advance(500 * time.Millisecond)
	typists = tracker.Typing("project:p1", "")
	if len(typists) != 1 || typists[0].UserID != "u2" {
		t.Fatalf("expected idle u1 pruned, got %v", typists)
	}
}

func TestStopReportsWhetherStillTyping(t *testing.T) {
	tracker, clock := newTestTracker()
	tracker.Signal("dm:a:b", Typist{UserID: "a"})

	if !tracker.Stop("dm:a:b", "a") {
		t.Fatal("stopping a live typist should warrant a broadcast")
	}
	if tracker.Stop("dm:a:b", "a") {
		t.Fatal("stopping an absent typist should not broadcast")
	}

	tracker.Signal("dm:a:b", Typist{UserID: "a"})
	clock.advance(time.Second)
	if tracker.Stop("dm:a:b", "a") {
		t.Fatal("stopping an already idle typist should not broadcast")
	}
}

func TestIdleRestartBroadcastsImmediately(t *testing.T) {
	tracker, clock := newTestTracker()
	typist := Typist{UserID: "u1", DisplayName: "Ada"}

	tracker.Signal("workspace:w1", typist)
	clock.advance(2 * time.Second)
	if !tracker.Signal("workspace:w1", typist) {
		t.Fatal("signal after going idle should broadcast like a fresh start")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Signal("workspace:w1", Typist{UserID: "u1"})

	if got := tracker.Typing("workspace:w2", ""); len(got) != 0 {
		t.Fatalf("expected no typists on other topic, got %v", got)
	}
}
