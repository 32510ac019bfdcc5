// Package presence tracks who is typing on a topic. Typing state is
// ephemeral and lives only in process memory; durable topic presence is
// the transport broker's TTL keys.
package presence

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultThrottle is the minimum gap between typing broadcasts for
	// one user on one topic.
	DefaultThrottle = 300 * time.Millisecond
	// DefaultIdle is how long after the last keystroke a user is still
	// considered typing.
	DefaultIdle = 900 * time.Millisecond
)

// Typist identifies a user currently composing on a topic.
type Typist struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type entry struct {
	typist        Typist
	lastSignal    time.Time
	lastBroadcast time.Time
}

// Tracker maintains per-topic typing sets with throttled broadcasts.
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	throttle time.Duration
	idle     time.Duration
	topics   map[string]map[string]*entry
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:      now,
		throttle: DefaultThrottle,
		idle:     DefaultIdle,
		topics:   map[string]map[string]*entry{},
	}
}

// Signal records a keystroke from the typist. It reports whether a typing
// broadcast is due: the first keystroke broadcasts immediately, further
// ones are suppressed until the throttle window has elapsed.
func (t *Tracker) Signal(topic string, typist Typist) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users := t.topics[topic]
	if users == nil {
		users = map[string]*entry{}
		t.topics[topic] = users
	}

	e := users[typist.UserID]
	if e == nil || now.Sub(e.lastSignal) >= t.idle {
		users[typist.UserID] = &entry{typist: typist, lastSignal: now, lastBroadcast: now}
		return true
	}

	e.lastSignal = now
	if now.Sub(e.lastBroadcast) >= t.throttle {
		e.lastBroadcast = now
		return true
	}
	return false
}

// Stop removes the user from the topic's typing set. It reports whether
// the user was still considered typing, so callers know whether a
// stopped-typing broadcast is warranted.
func (t *Tracker) Stop(topic, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.topics[topic]
	e, ok := users[userID]
	if !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.topics, topic)
	}
	return t.now().Sub(e.lastSignal) < t.idle
}

// Typing returns the live typists on the topic, pruning anyone idle past
// the timeout and excluding the viewer themselves.
func (t *Tracker) Typing(topic, excludeUserID string) []Typist {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users := t.topics[topic]
	var typists []Typist
	for id, e := range users {
		if now.Sub(e.lastSignal) >= t.idle {
			delete(users, id)
			continue
		}
		if id == excludeUserID {
			continue
		}
		typists = append(typists, e.typist)
	}
	if len(users) == 0 {
		delete(t.topics, topic)
	}
	sort.Slice(typists, func(i, j int) bool { return typists[i].UserID < typists[j].UserID })
	return typists
}
