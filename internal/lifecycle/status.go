// Package lifecycle models the per-recipient delivery state of a chat
// message. The state is client-local: different observers of the same
// message can be in different states at the same time, so it is never
// persisted on the message record itself.
package lifecycle

import "fmt"

// Status is a message's delivery state as seen by one observing client.
type Status string

const (
	// StatusSending marks a locally-created optimistic entry awaiting the
	// server's canonical reply.
	StatusSending Status = "SENDING"
	// StatusSent means the server persisted the message.
	StatusSent Status = "SENT"
	// StatusDelivered means at least one recipient acknowledged receipt.
	StatusDelivered Status = "DELIVERED"
	// StatusRead means a recipient reported their read cursor at or past
	// this message.
	StatusRead Status = "READ"
	// StatusFailed is terminal: the submission errored and needs explicit
	// user re-submission. Failed entries are never silently dropped.
	StatusFailed Status = "FAILED"
)

var transitions = map[Status]map[Status]bool{
	StatusSending:   {StatusSent: true, StatusFailed: true},
	StatusSent:      {StatusDelivered: true, StatusRead: true},
	StatusDelivered: {StatusRead: true},
	StatusRead:      {},
	StatusFailed:    {},
}

// Valid reports whether s is one of the five known states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether moving from s to next is allowed by the
// state machine. Self-transitions are allowed so that redelivered events
// apply as no-ops.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	return transitions[s][next]
}

// Advance returns the state after applying next. Redelivered and stale
// events (e.g. a late DELIVERED after READ) leave the state unchanged;
// only a genuinely invalid transition errors.
func (s Status) Advance(next Status) (Status, error) {
	if !next.Valid() {
		return s, fmt.Errorf("unknown message status %q", next)
	}
	if s.CanTransition(next) {
		return next, nil
	}
	// DELIVERED after READ and similar stragglers are expected with
	// at-least-once delivery: keep the further-along state.
	if rank(next) <= rank(s) {
		return s, nil
	}
	return s, fmt.Errorf("invalid message status transition %s -> %s", s, next)
}

func rank(s Status) int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}
